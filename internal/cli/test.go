package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario name glob
	GoldenDir string // defaults to <scenarios>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios>",
		Short: "Run sync scenarios",
		Long: `Run YAML sync scenarios against an in-memory store.

<scenarios> is a directory of *.yaml files or a single file. Each scenario
saves snapshots through a fresh engine, optionally failing chosen storage
calls, and checks the resulting mutations and stored history. When a golden
file exists for a scenario, the recorded trace must match it as well.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  sesame test ./scenarios
  sesame test ./scenarios --filter "replace_*"
  sesame test ./scenarios --golden ./golden --update
  sesame test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by name glob")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default <scenarios>/golden)")

	return cmd
}

func runTests(opts *TestOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios not found: %s", path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to stat scenarios", err)
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}

	scenarios, err := harness.LoadScenarios(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}

	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		base := path
		if !info.IsDir() {
			base = filepath.Dir(path)
		}
		goldenDir = filepath.Join(base, "golden")
	}

	result := TestResult{Scenarios: []ScenarioResult{}}
	for _, scenario := range scenarios {
		if opts.Filter != "" {
			if matched, _ := filepath.Match(opts.Filter, scenario.Name); !matched {
				continue
			}
		}
		sr := runScenario(opts, scenario, goldenDir, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

// runScenario executes a single scenario and returns the result.
func runScenario(opts *TestOptions, scenario *harness.Scenario, goldenDir string, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"

	fail := func(errs ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", scenario.Name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: scenario.Name, Pass: false, Errors: errs}
	}

	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}

	rendered, err := harness.Render(scenario.Name, result)
	if err != nil {
		return fail(fmt.Sprintf("render trace: %v", err))
	}

	goldenPath := filepath.Join(goldenDir, scenario.Name+".golden")
	suffix := ""
	if opts.Update {
		if err := os.MkdirAll(goldenDir, 0755); err != nil {
			return fail(fmt.Sprintf("failed to create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, rendered, 0644); err != nil {
			return fail(fmt.Sprintf("failed to update golden file: %v", err))
		}
		suffix = " (golden updated)"
	} else if golden, err := os.ReadFile(goldenPath); err == nil {
		if !bytes.Equal(golden, rendered) {
			result.AddError("trace does not match golden file (run with --update to regenerate)")
		}
	} else if !os.IsNotExist(err) {
		return fail(fmt.Sprintf("failed to read golden file: %v", err))
	}

	if !result.Pass {
		return fail(result.Errors...)
	}
	if text {
		fmt.Fprintf(w, "✓ %s%s\n", scenario.Name, suffix)
	}
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputTestText outputs the test result as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

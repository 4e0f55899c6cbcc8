package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opensesame/sesame/internal/content"
)

// Scenario defines a sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Conversation configures the conversation row.
	Conversation ConversationSpec `yaml:"conversation,omitempty"`

	// Seed is written to the store before the engine starts; the engine's
	// initial snapshot is rebuilt from it.
	Seed []map[string]any `yaml:"seed,omitempty"`

	// Faults make individual sink calls fail.
	Faults []Fault `yaml:"faults,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ConversationSpec configures the conversation under test.
type ConversationSpec struct {
	ID       string `yaml:"id,omitempty"`
	Language string `yaml:"language,omitempty"`
}

// Fault injects an error into one sink call.
type Fault struct {
	// Call is the 1-based sink call number.
	Call int `yaml:"call"`

	// Error is integrity_conflict or transient.
	Error string `yaml:"error"`
}

// Fault kinds.
const (
	FaultIntegrityConflict = "integrity_conflict"
	FaultTransient         = "transient"
)

// Step is either a save or a close.
type Step struct {
	// Save is the full message list handed to the engine.
	Save []map[string]any `yaml:"save,omitempty"`

	// Close drains and closes the engine.
	Close bool `yaml:"close,omitempty"`

	// Expect checks the save result.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause checks a save result. Unset fields are not checked.
type ExpectClause struct {
	Action  string           `yaml:"action,omitempty"`
	Version string           `yaml:"version,omitempty"`
	Queued  *bool            `yaml:"queued,omitempty"`
	Items   []map[string]any `yaml:"items,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type     string           `yaml:"type"`
	Messages []map[string]any `yaml:"messages,omitempty"`
	Count    int              `yaml:"count,omitempty"`
	Actions  []string         `yaml:"actions,omitempty"`
	ID       string           `yaml:"id,omitempty"`
}

// Assertion type constants.
const (
	AssertHistory       = "history"
	AssertDispatchCount = "dispatch_count"
	AssertDispatchOrder = "dispatch_order"
	AssertLeadingRow    = "leading_row"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file under dir, sorted by path. A file
// path loads just that scenario.
func LoadScenarios(dir string) ([]*Scenario, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		s, err := LoadScenario(dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		return []*Scenario{s}, nil
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := toMessages(s.Seed); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	seen := make(map[int]bool)
	for i, f := range s.Faults {
		if f.Call < 1 {
			return fmt.Errorf("faults[%d]: call must be at least 1", i)
		}
		if seen[f.Call] {
			return fmt.Errorf("faults[%d]: duplicate call %d", i, f.Call)
		}
		seen[f.Call] = true
		if f.Error != FaultIntegrityConflict && f.Error != FaultTransient {
			return fmt.Errorf("faults[%d]: unknown error %q", i, f.Error)
		}
	}

	for i, step := range s.Steps {
		if step.Close == (step.Save != nil) {
			return fmt.Errorf("steps[%d]: exactly one of save or close is required", i)
		}
		if _, err := toMessages(step.Save); err != nil {
			return fmt.Errorf("steps[%d].save: %w", i, err)
		}
		if step.Expect != nil {
			if step.Close {
				return fmt.Errorf("steps[%d]: expect is only valid on save", i)
			}
			switch step.Expect.Action {
			case "", "append", "replace":
			default:
				return fmt.Errorf("steps[%d].expect: unknown action %q", i, step.Expect.Action)
			}
			if _, err := toMessages(step.Expect.Items); err != nil {
				return fmt.Errorf("steps[%d].expect.items: %w", i, err)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertHistory:
		if _, err := toMessages(a.Messages); err != nil {
			return fmt.Errorf("assertions[%d].messages: %w", index, err)
		}
	case AssertDispatchCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for dispatch_count", index)
		}
	case AssertDispatchOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for dispatch_order", index)
		}
	case AssertLeadingRow:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for leading_row", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// toMessages converts YAML message maps. A missing list yields an empty
// snapshot.
func toMessages(raw []map[string]any) (content.Snapshot, error) {
	snap := make(content.Snapshot, len(raw))
	for i, m := range raw {
		msg, err := content.MessageFromAny(m)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if msg.Role == "" {
			return nil, fmt.Errorf("[%d]: role is required", i)
		}
		snap[i] = msg
	}
	return snap, nil
}

package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/opensesame/sesame/internal/content"
)

// Render produces the golden form of a result: canonical JSON, indented
// for review. Timestamps are left out; ids are deterministic.
func Render(name string, result *Result) ([]byte, error) {
	steps := make(content.Array, len(result.Steps))
	for i, s := range result.Steps {
		obj := content.Object{"kind": content.String(s.Kind)}
		switch s.Kind {
		case StepSave:
			obj["action"] = content.String(s.Action)
			obj["version"] = content.String(s.Version)
			obj["queued"] = content.Bool(s.Queued)
			obj["items"] = messagesValue(s.Items)
		case StepClose:
			if s.Err != nil {
				obj["error"] = content.String(s.Err.Error())
			}
		}
		steps[i] = obj
	}

	dispatches := make(content.Array, len(result.Dispatches))
	for i, d := range result.Dispatches {
		obj := content.Object{
			"action":                  content.String(d.Action),
			"items":                   messagesValue(d.Items),
			"preserve_leading_system": content.Bool(d.PreserveLeadingSystem),
		}
		if d.Err != nil {
			obj["error"] = content.String(d.Err.Error())
		}
		dispatches[i] = obj
	}

	history := make(content.Array, len(result.History))
	for i, m := range result.History {
		history[i] = content.Object{
			"id":             content.String(m.ID),
			"message_number": content.Int(m.Number),
			"role":           content.String(m.Role),
			"content":        m.Content,
			"language_code":  content.String(m.LanguageCode),
		}
	}

	doc := content.Object{
		"scenario":   content.String(name),
		"steps":      steps,
		"dispatches": dispatches,
		"history":    history,
	}
	raw, err := content.MarshalCanonical(doc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden runs scenario and compares the rendered result with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Render(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

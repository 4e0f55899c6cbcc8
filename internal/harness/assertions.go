package harness

import (
	"fmt"
	"strings"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func evaluateAssertion(result *Result, a Assertion) error {
	switch a.Type {
	case AssertHistory:
		return assertHistory(result.History, a)
	case AssertDispatchCount:
		return assertDispatchCount(result.Dispatches, a)
	case AssertDispatchOrder:
		return assertDispatchOrder(result.Dispatches, a)
	case AssertLeadingRow:
		return assertLeadingRow(result.History, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertHistory compares role and content of the stored messages. Language
// codes are compared only when the expectation names one.
func assertHistory(history []store.StoredMessage, a Assertion) error {
	want, err := toMessages(a.Messages)
	if err != nil {
		return err
	}
	got := make([]content.Message, len(history))
	for i, m := range history {
		got[i] = m.Message()
		if want != nil && i < len(want) && want[i].LanguageCode == "" {
			got[i].LanguageCode = ""
		}
	}
	if content.Snapshot(got).Equal(want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistory,
		Expected: describe(want),
		Actual:   describe(got),
	}
}

func assertDispatchCount(dispatches []DispatchRecord, a Assertion) error {
	if len(dispatches) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertDispatchCount,
		Expected: fmt.Sprintf("%d sink calls", a.Count),
		Actual:   fmt.Sprintf("%d", len(dispatches)),
	}
}

func assertDispatchOrder(dispatches []DispatchRecord, a Assertion) error {
	got := make([]string, len(dispatches))
	for i, d := range dispatches {
		got[i] = d.Action
	}
	if strings.Join(got, ",") == strings.Join(a.Actions, ",") {
		return nil
	}
	return &AssertionError{
		Type:     AssertDispatchOrder,
		Expected: "[" + strings.Join(a.Actions, " ") + "]",
		Actual:   "[" + strings.Join(got, " ") + "]",
	}
}

func assertLeadingRow(history []store.StoredMessage, a Assertion) error {
	if len(history) > 0 && history[0].ID == a.ID {
		return nil
	}
	actual := "empty history"
	if len(history) > 0 {
		actual = history[0].ID
	}
	return &AssertionError{
		Type:     AssertLeadingRow,
		Expected: a.ID,
		Actual:   actual,
	}
}

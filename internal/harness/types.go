package harness

import (
	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
)

// Step record kinds.
const (
	StepSave  = "save"
	StepClose = "close"
)

// StepRecord is what one scenario step produced.
type StepRecord struct {
	Kind string

	// Save results.
	Action  string
	Version string
	Queued  bool
	Items   content.Snapshot

	// Close result.
	Err error
}

// DispatchRecord is one sink call made by the persistence worker.
type DispatchRecord struct {
	Action                string
	Items                 []content.Message
	PreserveLeadingSystem bool
	Err                   error
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool

	// Errors lists failed expectations and assertions.
	Errors []string

	Steps      []StepRecord
	Dispatches []DispatchRecord

	// History is the stored conversation after the engine closed.
	History []store.StoredMessage
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

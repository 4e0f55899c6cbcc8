package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/engine"
	"github.com/opensesame/sesame/internal/store"
	"github.com/opensesame/sesame/internal/testutil"
)

// DefaultConversationID is used when a scenario does not name one.
const DefaultConversationID = "scenario"

// closeTimeout bounds the final drain of a scenario.
const closeTimeout = 10 * time.Second

var (
	// ErrInjectedTransient is returned by sink calls faulted as transient.
	ErrInjectedTransient = errors.New("injected: storage unavailable")

	// ErrInjectedConflict is returned by sink calls faulted as integrity
	// conflicts.
	ErrInjectedConflict = fmt.Errorf("injected: %w", store.ErrIntegrityConflict)
)

var harnessEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness runs scenarios.
type Harness struct {
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes engine logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a default harness.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	return New().Run(ctx, scenario)
}

// Run executes scenario on a fresh in-memory store. The returned error
// reports a harness failure; failed expectations are in Result.Errors.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	ids := testutil.NewSequentialIDs("msg")
	st, err := store.Open(":memory:", store.WithIDGenerator(ids.Next), store.WithClock(steppingClock()))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	convID := scenario.Conversation.ID
	if convID == "" {
		convID = DefaultConversationID
	}
	conv, err := st.CreateConversation(ctx, store.Conversation{
		ID:           convID,
		Title:        scenario.Name,
		LanguageCode: scenario.Conversation.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	seed, err := toMessages(scenario.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if err := st.AppendMessages(ctx, convID, seed); err != nil {
		return nil, fmt.Errorf("write seed: %w", err)
	}
	history, err := st.ListMessages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	sink := testutil.NewForwardingSink(st)
	for _, f := range scenario.Faults {
		sink.FailCall(f.Call, faultError(f.Error))
	}

	eng := engine.New(convID,
		engine.WithSink(sink),
		engine.WithSnapshot(store.SnapshotOf(history, conv.LanguageCode)),
		engine.WithLanguage(conv.LanguageCode),
		engine.WithLogger(h.logger),
	)
	if err := eng.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	result := NewResult()
	closed := false
	for i, step := range scenario.Steps {
		if step.Close {
			result.Steps = append(result.Steps, StepRecord{Kind: StepClose, Err: closeEngine(ctx, eng)})
			closed = true
			continue
		}

		snap, err := toMessages(step.Save)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		res := eng.Save(snap)
		rec := StepRecord{
			Kind:    StepSave,
			Action:  string(res.Mutation.Action),
			Version: res.Version,
			Queued:  res.Queued,
			Items:   res.Mutation.Items.Clone(),
		}
		result.Steps = append(result.Steps, rec)
		if step.Expect != nil {
			checkExpect(result, i, rec, step.Expect)
		}
	}
	if !closed {
		if err := closeEngine(ctx, eng); err != nil {
			return nil, fmt.Errorf("close engine: %w", err)
		}
	}

	for _, call := range sink.Calls() {
		result.Dispatches = append(result.Dispatches, DispatchRecord{
			Action:                call.Action,
			Items:                 call.Messages,
			PreserveLeadingSystem: call.PreserveLeadingSystem,
			Err:                   call.Err,
		})
	}

	result.History, err = st.ListMessages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	for i, a := range scenario.Assertions {
		if err := evaluateAssertion(result, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func closeEngine(ctx context.Context, eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	return eng.Close(ctx)
}

func checkExpect(result *Result, index int, rec StepRecord, want *ExpectClause) {
	if want.Action != "" && want.Action != rec.Action {
		result.AddError(fmt.Sprintf("steps[%d]: action = %s, want %s", index, rec.Action, want.Action))
	}
	if want.Version != "" && want.Version != rec.Version {
		result.AddError(fmt.Sprintf("steps[%d]: version = %s, want %s", index, rec.Version, want.Version))
	}
	if want.Queued != nil && *want.Queued != rec.Queued {
		result.AddError(fmt.Sprintf("steps[%d]: queued = %t, want %t", index, rec.Queued, *want.Queued))
	}
	if want.Items != nil {
		items, _ := toMessages(want.Items)
		if !items.Equal(rec.Items) {
			result.AddError(fmt.Sprintf("steps[%d]: items = %s, want %s", index, describe(rec.Items), describe(items)))
		}
	}
}

func faultError(kind string) error {
	if kind == FaultIntegrityConflict {
		return ErrInjectedConflict
	}
	return ErrInjectedTransient
}

func steppingClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return harnessEpoch.Add(time.Duration(n) * time.Millisecond)
	}
}

func describe(msgs []content.Message) string {
	data, err := content.MarshalCanonical(messagesValue(msgs))
	if err != nil {
		return fmt.Sprintf("%v", msgs)
	}
	return string(data)
}

func messagesValue(msgs []content.Message) content.Array {
	arr := make(content.Array, len(msgs))
	for i, m := range msgs {
		arr[i] = m.Object()
	}
	return arr
}

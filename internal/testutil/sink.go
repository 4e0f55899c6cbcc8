// Package testutil provides test doubles shared by the engine, harness and
// server tests.
package testutil

import (
	"context"
	"sync"

	"github.com/opensesame/sesame/internal/content"
)

// Call actions recorded by RecordingSink.
const (
	CallAppend  = "append"
	CallReplace = "replace"
)

// Call is one sink invocation.
type Call struct {
	Action                string
	ConversationID        string
	Messages              []content.Message
	PreserveLeadingSystem bool

	// Err is what the call returned: the injected failure or the delegate's
	// error. It is set once the call completes.
	Err error
}

// MessageSink is the storage contract the engine dispatches to.
type MessageSink interface {
	AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error
	ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error
}

// RecordingSink records every call in order and optionally forwards it to a
// real sink. Individual calls can be made to fail, and all calls can be held
// until Release is called.
type RecordingSink struct {
	mu       sync.Mutex
	calls    []Call
	delegate MessageSink
	failures map[int]error
	gate     chan struct{}
	notify   chan struct{}
}

// NewRecordingSink creates a sink that only records.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		failures: make(map[int]error),
		notify:   make(chan struct{}, 1),
	}
}

// NewForwardingSink records calls and forwards them to delegate.
func NewForwardingSink(delegate MessageSink) *RecordingSink {
	s := NewRecordingSink()
	s.delegate = delegate
	return s
}

// FailCall makes the n-th call (1-based) return err instead of forwarding.
func (s *RecordingSink) FailCall(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[n] = err
}

// Hold makes subsequent calls block until Release or context cancellation.
func (s *RecordingSink) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held calls.
func (s *RecordingSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Calls returns a copy of the recorded calls.
func (s *RecordingSink) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Len returns the number of recorded calls.
func (s *RecordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Called fires after each recorded call. Signals coalesce.
func (s *RecordingSink) Called() <-chan struct{} {
	return s.notify
}

// AppendMessages implements the sink contract.
func (s *RecordingSink) AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error {
	return s.record(ctx, Call{
		Action:         CallAppend,
		ConversationID: conversationID,
		Messages:       cloneMessages(msgs),
	}, func(d MessageSink) error {
		return d.AppendMessages(ctx, conversationID, msgs)
	})
}

// ReplaceMessages implements the sink contract.
func (s *RecordingSink) ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error {
	return s.record(ctx, Call{
		Action:                CallReplace,
		ConversationID:        conversationID,
		Messages:              cloneMessages(msgs),
		PreserveLeadingSystem: preserveLeadingSystem,
	}, func(d MessageSink) error {
		return d.ReplaceMessages(ctx, conversationID, msgs, preserveLeadingSystem)
	})
}

func (s *RecordingSink) record(ctx context.Context, c Call, forward func(MessageSink) error) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	n := len(s.calls)
	failure := s.failures[n]
	gate := s.gate
	delegate := s.delegate
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	err := s.complete(ctx, gate, failure, delegate, forward)
	if err != nil {
		s.mu.Lock()
		s.calls[n-1].Err = err
		s.mu.Unlock()
	}
	return err
}

func (s *RecordingSink) complete(ctx context.Context, gate chan struct{}, failure error, delegate MessageSink, forward func(MessageSink) error) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	if delegate != nil {
		return forward(delegate)
	}
	return nil
}

func cloneMessages(msgs []content.Message) []content.Message {
	out := make([]content.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensesame/sesame/internal/content"
)

// DefaultDispatchTimeout bounds a single sink call.
const DefaultDispatchTimeout = 10 * time.Second

// Sink durably stores mutations for a conversation. Each call must run in a
// single transaction, with message numbers assigned by the storage side.
type Sink interface {
	AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error
	ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error
}

// State is the lifecycle state of an Engine.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Engine synchronizes one conversation's context with durable storage.
//
// Save must be called by a single producer; calls are serialized internally
// but their order defines the storage order. The worker goroutine is the
// only caller of the sink.
type Engine struct {
	conversationID  string
	languageCode    string
	dispatchTimeout time.Duration
	logger          *slog.Logger
	metrics         *Metrics

	mu       sync.Mutex
	state    State
	sink     Sink
	fault    error
	snapshot content.Snapshot
	started  bool
	cancel   context.CancelFunc

	queue     *mutationQueue
	done      chan struct{} // closed when the worker exits
	closed    chan struct{} // closed once the engine reaches StateClosed
	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink binds s at construction time.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithSnapshot seeds the in-memory snapshot, normally with the stored history.
func WithSnapshot(s content.Snapshot) Option {
	return func(e *Engine) {
		e.snapshot = s.Clone()
	}
}

// WithLanguage sets the language stamped on messages that carry none.
func WithLanguage(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.languageCode = code
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records engine activity in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDispatchTimeout bounds each sink call. Zero disables the bound.
func WithDispatchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.dispatchTimeout = d
	}
}

// New creates an engine for conversationID. The engine is Bound when a sink
// was supplied with WithSink and Unbound otherwise; call Start to launch the
// worker.
func New(conversationID string, opts ...Option) *Engine {
	e := &Engine{
		conversationID:  conversationID,
		languageCode:    content.DefaultLanguage,
		dispatchTimeout: DefaultDispatchTimeout,
		logger:          slog.Default(),
		snapshot:        content.Snapshot{},
		queue:           newMutationQueue(),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink != nil {
		e.state = StateBound
	}
	e.snapshot = withoutLanguage(e.snapshot, e.languageCode)
	e.logger = e.logger.With("conversation_id", conversationID)
	return e
}

// ConversationID returns the conversation this engine writes to.
func (e *Engine) ConversationID() string {
	return e.conversationID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the configuration error that faulted the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault
}

// Pending returns the number of accepted mutations not yet handled.
func (e *Engine) Pending() int {
	return e.queue.Pending()
}

// Snapshot returns a copy of the in-memory snapshot.
func (e *Engine) Snapshot() content.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Clone()
}

// Bind attaches the sink. A sink can be bound once; rebinding returns
// ErrAlreadyBound.
func (e *Engine) Bind(s Sink) error {
	if s == nil {
		return errors.New("engine: nil sink")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state >= StateDraining {
		return ErrClosed
	}
	if e.sink != nil {
		return ErrAlreadyBound
	}
	e.sink = s
	if e.state == StateUnbound {
		e.state = StateBound
	}
	e.logger.Debug("sink bound", "state", e.state)
	return nil
}

// Start launches the persistence worker. It is a no-op when already running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return nil
	case StateDraining, StateClosed:
		return ErrClosed
	}
	e.startWorkerLocked()
	e.state = StateRunning
	return nil
}

func (e *Engine) startWorkerLocked() {
	if e.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true
	go e.run(ctx)
}

// Save diffs next against the current snapshot, replaces the snapshot and
// queues the resulting mutation. It never waits on storage.
//
// Once the engine is draining or closed, Save does nothing and returns an
// empty append with version "0".
func (e *Engine) Save(next content.Snapshot) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state >= StateDraining {
		return inertResult()
	}

	next = withoutLanguage(next, e.languageCode)
	m := Diff(e.snapshot, next)
	seq, ok := e.queue.Enqueue(m)
	if !ok {
		return inertResult()
	}
	e.snapshot = next
	e.metrics.recordEnqueued(m.Action)
	e.logger.Debug("mutation queued", "seq", seq, "action", m.Action, "items", len(m.Items))

	return Result{Version: versionOf(e.snapshot), Mutation: m, Queued: true}
}

// Close stops accepting saves, waits until every queued mutation has been
// dispatched, then stops the worker. If ctx ends first the remaining
// mutations are abandoned and the context error is returned.
//
// Close returns the configuration error when the engine faulted. Calling it
// again returns the same result without waiting.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateClosed:
		err := e.fault
		e.mu.Unlock()
		return err
	case StateDraining:
		e.mu.Unlock()
		select {
		case <-e.closed:
			return e.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = StateDraining
	e.startWorkerLocked()
	e.mu.Unlock()

	e.logger.Debug("draining", "pending", e.queue.Pending())
	drainErr := e.queue.Join(ctx)

	e.queue.Close()
	e.cancel()
	<-e.done

	if drainErr != nil {
		abandoned := e.queue.Discard()
		for _, ent := range abandoned {
			e.metrics.recordDispatched(ent.mutation.Action, OutcomeDiscarded)
		}
		e.logger.Warn("drain interrupted, pending mutations abandoned",
			"abandoned", len(abandoned),
			"error", drainErr,
		)
	}

	e.finish()
	e.logger.Debug("closed")

	if drainErr != nil {
		return fmt.Errorf("drain mutation queue: %w", drainErr)
	}
	return e.Err()
}

// Done returns a channel closed once the engine is closed, whether by Close
// or by a fault.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.state = StateClosed
	e.snapshot = nil
	e.mu.Unlock()
	e.closeOnce.Do(func() { close(e.closed) })
}

// fail faults the engine: queued mutations are dropped and the engine closes
// itself. Runs on the worker goroutine.
func (e *Engine) fail(err *Error) {
	e.mu.Lock()
	e.fault = err
	e.mu.Unlock()

	e.queue.Close()
	dropped := e.queue.Discard()
	for _, ent := range dropped {
		e.metrics.recordDispatched(ent.mutation.Action, OutcomeDiscarded)
	}
	e.logger.Error("engine faulted, worker stopping",
		"error", err,
		"dropped", len(dropped),
	)

	e.cancel()
	e.finish()
}

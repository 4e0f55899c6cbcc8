package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
	"github.com/opensesame/sesame/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunningEngine(t *testing.T, sink Sink, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSink(sink), WithLogger(quietLogger())}, opts...)
	e := New("conv-1", opts...)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func closeEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEngine_AppendThenReplace(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink, WithSnapshot(content.Snapshot{sys, hi}))

	r1 := e.Save(content.Snapshot{sys, hi, hello})
	assert.Equal(t, ActionAppend, r1.Mutation.Action)
	assert.Equal(t, "3", r1.Version)
	require.Len(t, r1.Mutation.Items, 1)
	assert.True(t, r1.Mutation.Items[0].Equal(hello))

	r2 := e.Save(content.Snapshot{sys, bye})
	assert.Equal(t, ActionReplace, r2.Mutation.Action)
	assert.Equal(t, "2", r2.Version)
	assert.True(t, content.Snapshot{sys, bye}.Equal(r2.Mutation.Items))

	closeEngine(t, e)

	calls := sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, testutil.CallAppend, calls[0].Action)
	assert.Equal(t, "conv-1", calls[0].ConversationID)
	assert.Equal(t, testutil.CallReplace, calls[1].Action)
	assert.True(t, calls[1].PreserveLeadingSystem)
	require.Len(t, calls[1].Messages, 2)
	assert.Equal(t, content.String("bye"), calls[1].Messages[1].Content)
}

func TestEngine_RapidSavesDrainInOrderBeforeCloseReturns(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink)

	var snap content.Snapshot
	for i := 0; i < 100; i++ {
		snap = append(snap, content.Text(content.RoleUser, fmt.Sprintf("msg %d", i)))
		r := e.Save(snap)
		require.True(t, r.Queued)
	}
	closeEngine(t, e)

	calls := sink.Calls()
	require.Len(t, calls, 100)
	for i, c := range calls {
		require.Equal(t, testutil.CallAppend, c.Action)
		require.Len(t, c.Messages, 1)
		assert.Equal(t, content.String(fmt.Sprintf("msg %d", i)), c.Messages[0].Content)
	}
	assert.Equal(t, StateClosed, e.State())
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_SaveAfterCloseIsInert(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink)
	closeEngine(t, e)

	r := e.Save(content.Snapshot{sys, hi})
	assert.False(t, r.Queued)
	assert.Equal(t, "0", r.Version)
	assert.Equal(t, ActionAppend, r.Mutation.Action)
	assert.Empty(t, r.Mutation.Items)
	assert.Equal(t, 0, sink.Len())
}

func TestEngine_SaveDoesNotWaitForStorage(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.Hold()
	e := newRunningEngine(t, sink)

	e.Save(content.Snapshot{sys})
	<-sink.Called()

	// The worker is stuck in the first call; saves keep flowing.
	for i := 0; i < 10; i++ {
		r := e.Save(content.Snapshot{sys, content.Text(content.RoleUser, fmt.Sprint(i))})
		assert.True(t, r.Queued)
	}
	assert.Equal(t, 11, e.Pending())

	sink.Release()
	closeEngine(t, e)
	assert.Equal(t, 11, sink.Len())
}

func TestEngine_SnapshotUpdatedBeforeCommit(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.Hold()
	e := newRunningEngine(t, sink)

	e.Save(content.Snapshot{sys, hi})
	r := e.Save(content.Snapshot{sys, hi, hello})

	assert.Equal(t, ActionAppend, r.Mutation.Action, "diff must use the intended snapshot, not the committed one")
	assert.True(t, content.Snapshot{sys, hi, hello}.Equal(e.Snapshot()))

	sink.Release()
	closeEngine(t, e)
}

func TestEngine_ProducerMutationAfterSave(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink)

	snap := content.Snapshot{{Role: "user", Content: content.Object{"text": content.String("hi")}}}
	e.Save(snap)
	snap[0].Content.(content.Object)["text"] = content.String("edited in place")

	r := e.Save(content.Snapshot{{Role: "user", Content: content.Object{"text": content.String("hi")}}})
	assert.True(t, r.Mutation.Empty())
	closeEngine(t, e)
}

func TestEngine_EmptyAppendIsDispatchedButNotAcked(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink)

	for i := 0; i < 3; i++ {
		r := e.Save(content.Snapshot{hi})
		assert.True(t, r.Queued)
		assert.Equal(t, "1", r.Version)
		_, ok := r.Event()
		assert.Equal(t, i == 0, ok, "save %d", i)
	}
	closeEngine(t, e)

	calls := sink.Calls()
	require.Len(t, calls, 3, "one sink call per save")
	assert.Len(t, calls[0].Messages, 1)
	for _, c := range calls[1:] {
		assert.Equal(t, testutil.CallAppend, c.Action)
		assert.Empty(t, c.Messages)
	}
}

func TestEngine_FailuresAreLoggedAndDropped(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.FailCall(1, fmt.Errorf("insert message: %w", store.ErrIntegrityConflict))
	sink.FailCall(2, errors.New("connection reset"))
	e := newRunningEngine(t, sink)

	e.Save(content.Snapshot{sys})
	e.Save(content.Snapshot{sys, hi})
	e.Save(content.Snapshot{sys, bye})
	closeEngine(t, e)

	calls := sink.Calls()
	require.Len(t, calls, 3, "failed writes are not retried")
	assert.Equal(t, testutil.CallReplace, calls[2].Action)
	assert.NoError(t, e.Err())
}

func TestEngine_LanguageStamping(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink, WithLanguage("spanish"))

	tagged := content.Text(content.RoleUser, "hola")
	tagged.LanguageCode = "catalan"
	e.Save(content.Snapshot{content.Text(content.RoleUser, "hola"), tagged})
	closeEngine(t, e)

	msgs := sink.Calls()[0].Messages
	assert.Equal(t, "spanish", msgs[0].LanguageCode)
	assert.Equal(t, "catalan", msgs[1].LanguageCode)
}

func TestEngine_DefaultLanguage(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := newRunningEngine(t, sink)
	e.Save(content.Snapshot{hi})
	closeEngine(t, e)

	assert.Equal(t, content.DefaultLanguage, sink.Calls()[0].Messages[0].LanguageCode)
}

func TestEngine_ExplicitConversationLanguageDiffsAsUntagged(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e := New("conv-1", WithLogger(quietLogger()), WithSink(sink),
		WithSnapshot(content.Snapshot{sys, hi}))
	require.NoError(t, e.Start())

	resent := content.Snapshot{sys, hi}.Clone()
	for i := range resent {
		resent[i].LanguageCode = content.DefaultLanguage
	}
	r := e.Save(resent)
	assert.Equal(t, ActionAppend, r.Mutation.Action)
	assert.True(t, r.Mutation.Empty())
	assert.Equal(t, "2", r.Version)

	tagged := content.Text(content.RoleUser, "bon dia")
	tagged.LanguageCode = "catalan"
	r = e.Save(append(resent, tagged))
	assert.Equal(t, ActionAppend, r.Mutation.Action)
	require.Len(t, r.Mutation.Items, 1)
	assert.Equal(t, "catalan", r.Mutation.Items[0].LanguageCode)
	closeEngine(t, e)

	calls := sink.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Messages)
	assert.Equal(t, "catalan", calls[1].Messages[0].LanguageCode)
}

func TestEngine_Lifecycle(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	assert.Equal(t, StateUnbound, e.State())

	sink := testutil.NewRecordingSink()
	require.NoError(t, e.Bind(sink))
	assert.Equal(t, StateBound, e.State())

	assert.ErrorIs(t, e.Bind(testutil.NewRecordingSink()), ErrAlreadyBound)

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	assert.Equal(t, StateRunning, e.State())

	closeEngine(t, e)
	assert.Equal(t, StateClosed, e.State())
	assert.ErrorIs(t, e.Bind(sink), ErrClosed)
	assert.ErrorIs(t, e.Start(), ErrClosed)
	assert.NoError(t, e.Close(context.Background()), "second close is a no-op")

	select {
	case <-e.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestEngine_BindNil(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	assert.Error(t, e.Bind(nil))
}

func TestEngine_SavesBeforeBindAreRetained(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	e.Save(content.Snapshot{sys})
	e.Save(content.Snapshot{sys, hi})

	sink := testutil.NewRecordingSink()
	require.NoError(t, e.Bind(sink))
	require.NoError(t, e.Start())
	closeEngine(t, e)

	assert.Equal(t, 2, sink.Len())
}

func TestEngine_LateBindAfterStart(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	require.NoError(t, e.Start())

	sink := testutil.NewRecordingSink()
	require.NoError(t, e.Bind(sink))
	e.Save(content.Snapshot{hi})
	closeEngine(t, e)

	assert.Equal(t, 1, sink.Len())
}

func TestEngine_DispatchWithoutSinkFaults(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	e.Save(content.Snapshot{sys})
	e.Save(content.Snapshot{sys, hi})

	err := e.Close(context.Background())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrNoSink)
	assert.Equal(t, StateClosed, e.State())
	assert.Equal(t, 0, e.Pending())

	r := e.Save(content.Snapshot{sys, hi, hello})
	assert.False(t, r.Queued)
}

func TestEngine_StartWithoutSinkFaultsOnFirstDispatch(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	require.NoError(t, e.Start())
	e.Save(content.Snapshot{sys})

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not fault")
	}
	assert.True(t, IsConfigurationError(e.Err()))
	assert.True(t, IsConfigurationError(e.Close(context.Background())))
}

func TestEngine_EmptyAppendWithoutSinkFaults(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()), WithSnapshot(content.Snapshot{sys}))
	r := e.Save(content.Snapshot{sys})
	require.True(t, r.Mutation.Empty())

	err := e.Close(context.Background())
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrNoSink)
}

func TestEngine_CloseUnboundWithNothingQueued(t *testing.T) {
	e := New("conv-1", WithLogger(quietLogger()))
	assert.NoError(t, e.Close(context.Background()))
	assert.Equal(t, StateClosed, e.State())
}

func TestEngine_CloseTimeoutAbandonsPending(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.Hold()
	e := newRunningEngine(t, sink)

	e.Save(content.Snapshot{sys})
	e.Save(content.Snapshot{sys, hi})
	<-sink.Called()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, e.State())
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, 1, sink.Len(), "abandoned mutation never reached the sink")
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	sink := testutil.NewRecordingSink()
	sink.FailCall(2, store.ErrIntegrityConflict)
	e := newRunningEngine(t, sink, WithMetrics(m))

	e.Save(content.Snapshot{sys})
	e.Save(content.Snapshot{sys, hi})
	e.Save(content.Snapshot{sys, hi})
	e.Save(content.Snapshot{bye})
	closeEngine(t, e)

	assert.Equal(t, 3.0, promtest.ToFloat64(m.enqueued.WithLabelValues("append")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.enqueued.WithLabelValues("replace")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.dispatched.WithLabelValues("append", OutcomeStored)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.dispatched.WithLabelValues("append", OutcomeIntegrityConflict)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.dispatched.WithLabelValues("replace", OutcomeStored)))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.pending))
}

func TestEngine_DispatchTimeout(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.Hold()
	e := newRunningEngine(t, sink, WithDispatchTimeout(20*time.Millisecond))

	e.Save(content.Snapshot{sys})
	closeEngine(t, e)
	assert.Equal(t, 1, sink.Len())
}

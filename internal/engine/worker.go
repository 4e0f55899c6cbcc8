package engine

import (
	"context"
	"time"

	"github.com/opensesame/sesame/internal/content"
)

// run is the persistence worker loop. It exits when its context is
// cancelled by Close or after a configuration error.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	e.logger.Debug("worker started")

	for {
		for ctx.Err() == nil {
			ent, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			derr := e.dispatch(ctx, ent)
			e.queue.Done()
			if derr != nil && derr.Code == CodeConfiguration {
				e.fail(derr)
				return
			}
		}

		select {
		case <-ctx.Done():
			// Cancellation is the normal end of a drain.
			e.logger.Debug("worker stopped")
			return
		case _, open := <-e.queue.Wait():
			if !open && e.queue.Len() == 0 {
				<-ctx.Done()
				e.logger.Debug("worker stopped")
				return
			}
		}
	}
}

// dispatch hands one mutation to the sink. Failures are logged and the
// mutation is dropped; only a configuration error is returned as fatal to
// the caller's loop, though every failure is returned for accounting.
func (e *Engine) dispatch(ctx context.Context, ent entry) *Error {
	m := ent.mutation
	log := e.logger.With("seq", ent.seq, "action", m.Action, "items", len(m.Items))

	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		e.metrics.recordDispatched(m.Action, OutcomeConfiguration)
		return &Error{
			Code:           CodeConfiguration,
			Action:         m.Action,
			ConversationID: e.conversationID,
			Seq:            ent.seq,
			Err:            ErrNoSink,
		}
	}

	msgs := stampLanguage(m.Items, e.languageCode)

	dctx := ctx
	if e.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, e.dispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	switch m.Action {
	case ActionAppend:
		err = sink.AppendMessages(dctx, e.conversationID, msgs)
	case ActionReplace:
		err = sink.ReplaceMessages(dctx, e.conversationID, msgs, true)
	}
	e.metrics.observeDuration(m.Action, time.Since(start))

	if err == nil {
		e.metrics.recordDispatched(m.Action, OutcomeStored)
		log.Debug("mutation stored")
		return nil
	}

	derr := classify(ctx, ent, e.conversationID, err)
	switch derr.Code {
	case CodeIntegrityConflict:
		e.metrics.recordDispatched(m.Action, OutcomeIntegrityConflict)
		log.Warn("mutation dropped: integrity conflict", "error", err)
	case CodeCancelled:
		e.metrics.recordDispatched(m.Action, OutcomeCancelled)
		log.Debug("dispatch cancelled", "error", err)
	case CodeConfiguration:
		e.metrics.recordDispatched(m.Action, OutcomeConfiguration)
	default:
		e.metrics.recordDispatched(m.Action, OutcomeTransient)
		log.Error("mutation dropped: storage error", "error", err)
	}
	return derr
}

// withoutLanguage returns a copy of s with language codes equal to lang
// cleared. Saves are compared in this form so an explicit code and a stamped
// one diff the same.
func withoutLanguage(s content.Snapshot, lang string) content.Snapshot {
	out := s.Clone()
	for i := range out {
		if out[i].LanguageCode == lang {
			out[i].LanguageCode = ""
		}
	}
	return out
}

// stampLanguage returns msgs with the conversation language filled in where
// missing. The input is not modified.
func stampLanguage(msgs content.Snapshot, lang string) []content.Message {
	out := make([]content.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if out[i].LanguageCode == "" {
			out[i].LanguageCode = lang
		}
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensesame/sesame/internal/store"
)

var (
	// ErrAlreadyBound is returned by Bind when a sink is already attached.
	ErrAlreadyBound = errors.New("engine: sink already bound")

	// ErrNoSink is the cause of the configuration error raised when the
	// worker must dispatch but no sink was ever bound.
	ErrNoSink = errors.New("engine: no sink bound")

	// ErrClosed is returned by Bind and Start on a closed engine.
	ErrClosed = errors.New("engine: closed")
)

// ErrorCode categorizes dispatch failures.
type ErrorCode string

const (
	// CodeConfiguration: dispatch attempted without a sink. Fatal.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// CodeIntegrityConflict: storage rejected a write because of a sequence
	// number collision. The write is rolled back and dropped.
	CodeIntegrityConflict ErrorCode = "INTEGRITY_CONFLICT"

	// CodeTransientStorage: any other storage failure. Dropped.
	CodeTransientStorage ErrorCode = "TRANSIENT_STORAGE"

	// CodeCancelled: the worker was cancelled while dispatching.
	CodeCancelled ErrorCode = "CANCELLED"
)

// Error describes a failed dispatch.
type Error struct {
	Code           ErrorCode
	Action         Action
	ConversationID string
	Seq            uint64
	Err            error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s conversation=%s", e.Code, e.Action, e.ConversationID)
	if e.Seq > 0 {
		msg += fmt.Sprintf(" seq=%d", e.Seq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasCode(err, CodeConfiguration) }

// IsIntegrityConflict reports whether err is an integrity conflict.
func IsIntegrityConflict(err error) bool { return hasCode(err, CodeIntegrityConflict) }

// IsTransientStorageError reports whether err is a transient storage error.
func IsTransientStorageError(err error) bool { return hasCode(err, CodeTransientStorage) }

// IsCancelled reports whether err is a cancellation during dispatch.
func IsCancelled(err error) bool { return hasCode(err, CodeCancelled) }

// classify wraps a sink error into an *Error. Errors that already carry a
// code keep it.
func classify(ctx context.Context, ent entry, conversationID string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	code := CodeTransientStorage
	switch {
	case errors.Is(err, store.ErrIntegrityConflict):
		code = CodeIntegrityConflict
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		code = CodeCancelled
	}

	return &Error{
		Code:           code,
		Action:         ent.mutation.Action,
		ConversationID: conversationID,
		Seq:            ent.seq,
		Err:            err,
	}
}

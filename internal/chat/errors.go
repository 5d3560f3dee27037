package chat

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so the session layer can translate it without
// inspecting error strings.
type Kind int

const (
	// KindUnavailable covers store, oracle and backplane failures and timeouts.
	// The caller may retry.
	KindUnavailable Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	// KindCanceled marks work abandoned because its connection went away.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindCanceled:
		return "canceled"
	default:
		return "unavailable"
	}
}

// Error is the typed failure returned by the dispatcher and its collaborators.
//
//	var chatErr *chat.Error
//	if errors.As(err, &chatErr) && chatErr.Kind == chat.KindNotFound { ... }
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "send_message".
	Op string
	// Msg is safe to show to the caller.
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Msg
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a KindValidation error with a caller-facing message.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// NotFound returns a KindNotFound error.
func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// Forbidden returns a KindForbidden error. The message is always the generic
// denial so callers learn nothing about resources they cannot see.
func Forbidden(op string) error {
	return &Error{Kind: KindForbidden, Op: op, Msg: "access denied"}
}

// Unavailable wraps an infrastructure failure.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Msg: "service unavailable, please retry", Err: err}
}

// Canceled wraps the cancellation of the connection that issued the command.
func Canceled(op string, err error) error {
	return &Error{Kind: KindCanceled, Op: op, Msg: "canceled", Err: err}
}

// KindOf classifies err. Errors that carry no classification are treated as
// infrastructure failures.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnavailable
	}
}

// ErrorMessage returns the caller-facing text for err.
func ErrorMessage(err error) string {
	var chatErr *Error
	if errors.As(err, &chatErr) && chatErr.Msg != "" {
		return chatErr.Msg
	}
	return "service unavailable, please retry"
}

// IsNotFound reports whether err is classified as KindNotFound.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsForbidden reports whether err is classified as KindForbidden.
func IsForbidden(err error) bool { return err != nil && KindOf(err) == KindForbidden }

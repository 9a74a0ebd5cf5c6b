package types

import (
	"errors"
	"fmt"
)

// Kind is a stable error code. The string values are the wire contract:
// they appear verbatim in the error frame's code field.
type Kind string

const (
	KindValidation   Kind = "ErrValidation"
	KindPermission   Kind = "ErrPermission"
	KindRateLimited  Kind = "ErrRateLimited"
	KindNotFound     Kind = "ErrNotFound"
	KindNameConflict Kind = "ErrNameConflict"
	KindDuplicateID  Kind = "ErrDuplicateId"
	KindUnknownAgent Kind = "ErrUnknownAgent"
	KindUnknownTool  Kind = "ErrUnknownTool"
	KindEmbedder     Kind = "ErrEmbedder"
	KindStorage      Kind = "ErrStorage"
	KindTimeout      Kind = "ErrTimeout"
	KindInternal     Kind = "ErrInternal"
)

// Error is the taxonomy every layer speaks. RetryAfter is populated only
// for rate-limit errors, in whole seconds.
type Error struct {
	Kind       Kind   `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds an error of the given kind with a formatted message.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A cause that
// already carries a kind keeps it.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var te *Error
	if errors.As(cause, &te) {
		kind = te.Kind
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind, defaulting to KindInternal for foreign
// errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the retry hint in seconds, 0 when absent.
func RetryAfterOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

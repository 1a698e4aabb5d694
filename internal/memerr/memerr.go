// Package memerr defines the stable error taxonomy surfaced to MCP tool
// clients. Every error returned across a tool boundary is classified into one
// of a small set of kinds so that callers can distinguish "retry later" from
// "fix your input" from "this is a bug" without parsing message text.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for tool-facing responses.
type Kind string

const (
	// KindInvalidInput means the caller supplied a malformed or out-of-range argument.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound means the referenced artifact, entity, or event does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means the operation would violate an invariant (e.g. forgetting an event).
	KindConflict Kind = "conflict"
	// KindUnavailable means a dependency (database, provider) is temporarily unreachable.
	KindUnavailable Kind = "unavailable"
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindRateLimited means an upstream provider rejected the request due to rate limiting.
	KindRateLimited Kind = "rate_limited"
	// KindUpstream means an upstream provider (LLM, embeddings) returned an unexpected error.
	KindUpstream Kind = "upstream_error"
	// KindInternal means an unclassified internal failure occurred.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a stable [Kind] and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an [Error] of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an [Error] of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the [Kind] from err, walking the error chain. Returns
// [KindInternal] if err does not wrap a [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

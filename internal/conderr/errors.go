// Package conderr defines the error taxonomy shared by every subsystem:
// event store, provider adapters, tool executor, and turn engine all
// classify failures into the same set of kinds so callers can branch on
// behavior (retry, surface to user, log and ignore) without inspecting
// subsystem-specific error types.
package conderr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for retry logic, propagation, and display.
type Kind string

const (
	// Transient errors are retried locally with backoff: network failures,
	// 5xx responses, provider-declared overload, rate limiting.
	Transient Kind = "transient"

	// Authentication errors are never retried. They name which provider
	// instance rejected the credential.
	Authentication Kind = "authentication"

	// Configuration errors cover missing instances, missing credentials,
	// and models absent from a catalog.
	Configuration Kind = "configuration"

	// Protocol errors indicate a malformed response from a provider, such
	// as unparseable tool-call arguments observed at stream end.
	Protocol Kind = "protocol"

	// Tool errors are carried as TOOL_RESULT{isError:true} events and
	// never surface through this taxonomy to a turn's caller — this kind
	// exists so tool-internal code can still use *Error uniformly.
	Tool Kind = "tool"

	// Cancelled marks a deliberate abort, distinct from failure.
	Cancelled Kind = "cancelled"

	// Busy indicates a second concurrent turn was attempted on an agent
	// that already has one in flight.
	Busy Kind = "busy"

	// CompactionFailed indicates the compaction summarization call failed.
	CompactionFailed Kind = "compaction_failed"

	// InvariantViolation should never occur in practice. It is logged at
	// error level and surfaces as fatal to the caller.
	InvariantViolation Kind = "invariant_violation"
)

// Retryable reports whether an error of this kind may be retried by the
// caller without additional corrective action (e.g. fixing credentials).
func (k Kind) Retryable() bool {
	return k == Transient
}

// Error is the concrete error type used across the module. A nil *Error
// behaves like a nil error under errors.Is/As.
type Error struct {
	Kind Kind

	// Instance identifies the provider instance involved, when relevant.
	Instance string

	// Display is a short, user-facing message.
	Display string

	// Remediation is a suggested fix, populated for Configuration and
	// Authentication errors where one is known.
	Remediation string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New builds an *Error of the given kind with a display message.
func New(kind Kind, display string) *Error {
	return &Error{Kind: kind, Display: display}
}

// Wrap builds an *Error of the given kind wrapping cause, using cause's
// message as the display text unless display is non-empty.
func Wrap(kind Kind, cause error, display string) *Error {
	if display == "" && cause != nil {
		display = cause.Error()
	}
	return &Error{Kind: kind, Cause: cause, Display: display}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Display)
	if e.Instance != "" {
		msg = fmt.Sprintf("%s (instance=%s)", msg, e.Instance)
	}
	return msg
}

// Unwrap returns the wrapped cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Diagnostic renders the longer, operator-facing form: display message,
// remediation (if any), and the full cause chain.
func (e *Error) Diagnostic() string {
	if e == nil {
		return ""
	}
	msg := e.Error()
	if e.Remediation != "" {
		msg = fmt.Sprintf("%s\nsuggested fix: %s", msg, e.Remediation)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s\ncause: %v", msg, e.Cause)
	}
	return msg
}

// WithInstance sets the provider instance id and returns the receiver.
func (e *Error) WithInstance(id string) *Error {
	e.Instance = id
	return e
}

// WithRemediation sets a suggested fix and returns the receiver.
func (e *Error) WithRemediation(s string) *Error {
	e.Remediation = s
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ErrBusy is the sentinel returned when a turn is attempted on an agent
// that is already processing one, used with errors.Is by callers that do
// not need the full *Error context.
var ErrBusy = New(Busy, "agent is already processing a turn")

// ErrCancelled is the sentinel for deliberate cancellation.
var ErrCancelled = New(Cancelled, "operation cancelled")

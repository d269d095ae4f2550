// Package errs implements the typed error taxonomy that callers across
// nanobot branch on: tool execution, provider calls, the coordinator's
// escalation policy, and the CLI's exit-code mapping all inspect error
// *kind*, not just message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a taxonomy member for errors.As-free switch statements
// and for metrics labeling.
type Kind string

const (
	KindUser               Kind = "user_error"
	KindPermissionDenied   Kind = "permission_denied"
	KindBusy               Kind = "busy"
	KindRetryableProvider  Kind = "retryable_provider"
	KindRetryableTool      Kind = "retryable_tool"
	KindPermanentProvider  Kind = "permanent_provider"
	KindPermanentTool      Kind = "permanent_tool"
	KindCorruption         Kind = "corruption"
	KindSecurityFlag       Kind = "security_flag"
)

// Error is the common shape for every taxonomy member. Kind lets callers
// branch without repeated errors.As chains; Err carries the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// User reports invalid CLI/command args or an unknown @bot/#room mention.
// Surfaced verbatim to the caller, never retried.
func User(msg string, args ...any) *Error {
	return newErr(KindUser, fmt.Sprintf(msg, args...), nil)
}

// PermissionDenied reports a tool or action disallowed for this bot or room.
// Reported back to the room and logged to the audit trail.
func PermissionDenied(msg string, args ...any) *Error {
	return newErr(KindPermissionDenied, fmt.Sprintf(msg, args...), nil)
}

// Busy reports queue/room/provider backpressure. Retry/pacing is the
// connector's responsibility; Busy itself never retries.
func Busy(msg string, args ...any) *Error {
	return newErr(KindBusy, fmt.Sprintf(msg, args...), nil)
}

// RetryableProvider wraps a transient provider fault (timeout, 5xx, reset).
func RetryableProvider(cause error, msg string, args ...any) *Error {
	return newErr(KindRetryableProvider, fmt.Sprintf(msg, args...), cause)
}

// RetryableTool wraps a transient tool-execution fault.
func RetryableTool(cause error, msg string, args ...any) *Error {
	return newErr(KindRetryableTool, fmt.Sprintf(msg, args...), cause)
}

// PermanentProvider wraps a non-retryable provider fault (4xx, schema
// violation). The parent turn records a failure; retrying will not help.
func PermanentProvider(cause error, msg string, args ...any) *Error {
	return newErr(KindPermanentProvider, fmt.Sprintf(msg, args...), cause)
}

// PermanentTool wraps a non-retryable tool fault.
func PermanentTool(cause error, msg string, args ...any) *Error {
	return newErr(KindPermanentTool, fmt.Sprintf(msg, args...), cause)
}

// Corruption reports an unreadable event row or a missing parent reference.
// The affected row is quarantined by the caller; this error must never
// propagate into a process crash.
func Corruption(msg string, args ...any) *Error {
	return newErr(KindCorruption, fmt.Sprintf(msg, args...), nil)
}

// SecurityFlag reports a tripped injection detector or a discovered
// credential. Content is redacted or wrapped by the caller, never used to
// drive autonomous destructive action.
func SecurityFlag(msg string, args ...any) *Error {
	return newErr(KindSecurityFlag, fmt.Sprintf(msg, args...), nil)
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, if any *Error is present in its chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether the error's kind is meant to be retried locally
// with exponential backoff before conversion to a permanent failure.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindRetryableProvider || kind == KindRetryableTool || kind == KindBusy
}

// ExitCode maps a taxonomy member to the CLI exit codes in spec §6:
// 0 success, 2 user error, 3 permission denied, 4 everything else that
// reaches the CLI boundary as a hard failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch k, _ := KindOf(err); k {
	case KindUser:
		return 2
	case KindPermissionDenied:
		return 3
	case "":
		return 4
	default:
		return 4
	}
}

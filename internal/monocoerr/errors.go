// Package monocoerr defines the error taxonomy shared by every component of
// the orchestration daemon. Hook denial, quota exhaustion, and merge
// conflicts are expected outcomes of normal operation, not exceptional
// control flow, so they are represented as a typed error rather than a
// panic or a bespoke error string per call site.
package monocoerr

import (
	"errors"
	"fmt"
)

// Category identifies one of the eight error classes the orchestration
// engine surfaces. Categories are comparable sentinels usable with
// errors.Is.
type Category string

const (
	// ValidationFailure: malformed YAML preamble, unknown enum value,
	// missing required field, lint violation.
	ValidationFailure Category = "validation_failure"
	// PreconditionFailure: dependency not satisfied, illegal stage
	// transition, isolation already exists.
	PreconditionFailure Category = "precondition_failure"
	// HookDenied: a hook returned deny; the reason is propagated verbatim.
	HookDenied Category = "hook_denied"
	// QuotaExhausted: scheduler queue overflow for the target role.
	QuotaExhausted Category = "quota_exhausted"
	// AgentFailed: agent process exited non-zero or timed out.
	AgentFailed Category = "agent_failed"
	// MergeConflict: scoped merge at close conflicts on an in-scope file.
	MergeConflict Category = "merge_conflict"
	// TransientIO: a retryable file operation failure (ENOSPC excluded).
	TransientIO Category = "transient_io"
	// Fatal: disk full, PID file points to a live foreign process,
	// configuration missing — the daemon refuses to start or shuts down.
	Fatal Category = "fatal"
)

// httpStatus maps each category to the HTTP status code the daemon's API
// surface returns for it.
var httpStatus = map[Category]int{
	ValidationFailure:    400,
	PreconditionFailure:  412,
	HookDenied:           403,
	QuotaExhausted:       429,
	AgentFailed:          500,
	MergeConflict:        409,
	TransientIO:          503,
	Fatal:                500,
}

// Error is the concrete error type carried across every package boundary
// in the daemon. Category lets callers branch with errors.Is/errors.As
// without string-matching messages; Fields carries structured context
// (field path, expected value, conflicting file names, ...) for API
// responses and log records.
type Error struct {
	Category Category
	Message  string
	Fields   map[string]any
	Wrapped  error
}

// New constructs an Error with the given category and message.
func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Newf constructs an Error with a formatted message.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an underlying error, preserving it for
// errors.Unwrap.
func Wrap(cat Category, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Message: err.Error(), Wrapped: err}
}

// WithField returns a copy of e with an additional structured field. The
// receiver is not mutated, so WithField can be chained safely on a shared
// sentinel-style Error.
func (e *Error) WithField(key string, value any) *Error {
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap allows errors.Is/errors.As to reach a wrapped underlying error.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target shares this error's category, so that
// errors.Is(err, monocoerr.New(monocoerr.HookDenied, "")) matches any
// HookDenied error regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category
}

// HTTPStatus returns the status code the HTTP surface should use when
// this error escapes a handler.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Category]; ok {
		return s
	}
	return 500
}

// Is family of predicates for concise call sites.
func IsValidation(err error) bool    { return hasCategory(err, ValidationFailure) }
func IsPrecondition(err error) bool  { return hasCategory(err, PreconditionFailure) }
func IsHookDenied(err error) bool    { return hasCategory(err, HookDenied) }
func IsQuotaExhausted(err error) bool { return hasCategory(err, QuotaExhausted) }
func IsAgentFailed(err error) bool   { return hasCategory(err, AgentFailed) }
func IsMergeConflict(err error) bool { return hasCategory(err, MergeConflict) }
func IsTransientIO(err error) bool   { return hasCategory(err, TransientIO) }
func IsFatal(err error) bool         { return hasCategory(err, Fatal) }

func hasCategory(err error, cat Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == cat
}

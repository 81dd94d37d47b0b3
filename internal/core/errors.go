package core

import (
	"errors"
	"fmt"
)

// Error taxonomy (spec-level kinds, not Go types, except where a payload is
// needed). Errors are localized to the failing check wherever possible.
var (
	ErrSessionConflict = errors.New("session already registered with a different handle")
	ErrSessionNotFound = errors.New("session not found")

	// ErrHumanInputPending marks a check suspended on a human-input gate.
	// It is not a failure; the scheduler keeps the check open until resumed.
	ErrHumanInputPending = errors.New("awaiting human input")
)

// ExpressionError wraps any failure inside the expression sandbox: syntax
// errors, blocked host access, or runtime evaluation faults. It never
// propagates out of condition evaluation; callers record it on the result.
type ExpressionError struct {
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("Expression evaluation error: %v", e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// NewExpressionError wraps err, preserving an existing ExpressionError.
func NewExpressionError(expression string, err error) *ExpressionError {
	var ee *ExpressionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExpressionError{Expression: expression, Err: err}
}

// ProviderError classifies provider failures for retry gating.
type ProviderErrorKind string

const (
	ProviderErrTimeout   ProviderErrorKind = "timeout"
	ProviderErrTransient ProviderErrorKind = "transient"
	ProviderErrFatal     ProviderErrorKind = "fatal"
)

type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying with the same
// request. Fatal errors are not; timeouts and transient failures are.
func (e *ProviderError) Retryable() bool {
	return e != nil && e.Kind != ProviderErrFatal
}

// ClassifyProviderError extracts the kind from err, defaulting to fatal so
// unknown failures are never retried blindly.
func ClassifyProviderError(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProviderErrFatal
}

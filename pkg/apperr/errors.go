// Package apperr defines the typed error taxonomy shared across the
// orchestration layer. Every orchestrator- or factory-level failure is
// wrapped into one of these sentinel kinds so the HTTP layer can map it to a
// status code without parsing error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Code discriminates the error taxonomy. Callers use errors.Is against the
// sentinel values below, or inspect CodeOf for the string tag used in
// HTTP error bodies and trace records.
type Code string

const (
	CodeConfigError       Code = "ConfigError"
	CodeUnknownExpert     Code = "UnknownExpert"
	CodeDisabledExpert    Code = "DisabledExpert"
	CodeMaxTurnsExceeded  Code = "MaxTurnsExceeded"
	CodeToolServerError   Code = "ToolServerError"
	CodeCancelled         Code = "Cancelled"
	CodeOrchestratorError Code = "OrchestratorError"
	CodeGuardrailTimeout  Code = "GuardrailTimeout"
)

// Error is the wrapped error type carrying a taxonomy Code plus context
// (expert id, session id, etc.) attached by the caller via fmt.Errorf's
// %w verb.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed error. Use like fmt.Errorf but tagged with a taxonomy code.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a taxonomy code, preserving it for
// errors.Is/As and %w unwrapping.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the taxonomy Code from err, walking the unwrap chain.
// Returns CodeOf=="" ,ok=false if err carries no typed code.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// Is lets errors.Is(err, apperr.ConfigError) work by comparing codes rather
// than pointer identity, since every call site constructs a fresh *Error.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// Sentinel values usable with errors.Is(err, apperr.ConfigError) — they only
// carry a Code, no message, so Is compares codes not identity.
var (
	ConfigError       = &Error{Code: CodeConfigError}
	UnknownExpert     = &Error{Code: CodeUnknownExpert}
	DisabledExpert    = &Error{Code: CodeDisabledExpert}
	MaxTurnsExceeded  = &Error{Code: CodeMaxTurnsExceeded}
	ToolServerError   = &Error{Code: CodeToolServerError}
	Cancelled         = &Error{Code: CodeCancelled}
	OrchestratorError = &Error{Code: CodeOrchestratorError}
	GuardrailTimeout  = &Error{Code: CodeGuardrailTimeout}
)

// HTTPStatus maps a taxonomy code to the status the top-level handler
// should return. GuardrailTimeout never reaches the handler (fail-open).
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnknownExpert, CodeDisabledExpert:
		return 404
	case CodeConfigError, CodeMaxTurnsExceeded:
		return 422
	case CodeToolServerError, CodeOrchestratorError:
		return 500
	case CodeCancelled:
		return 499
	default:
		return 500
	}
}

package services

import (
	"errors"
	"fmt"
)

// Machine-readable error codes returned by the engine. Synchronous API
// calls surface these directly; dispatch-path failures are persisted on
// the escalation event instead.
const (
	CodeValidation        = "VALIDATION"
	CodeDuplicate         = "DUPLICATE"
	CodeCooldownActive    = "COOLDOWN_ACTIVE"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadyTerminal   = "ALREADY_TERMINAL"
	CodeTemplateRequired  = "TEMPLATE_REQUIRED"
	CodeParameterMismatch = "PARAMETER_MISMATCH"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidContact    = "INVALID_CONTACT"
)

// EngineError carries a machine code alongside the message.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two engine errors by code so callers can use errors.Is
// with the sentinel values below.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewEngineError builds a coded error with a formatted message.
func NewEngineError(code, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &EngineError{Code: CodeValidation}
	ErrCooldownActive    = &EngineError{Code: CodeCooldownActive}
	ErrNotFound          = &EngineError{Code: CodeNotFound}
	ErrAlreadyTerminal   = &EngineError{Code: CodeAlreadyTerminal}
	ErrTemplateRequired  = &EngineError{Code: CodeTemplateRequired}
	ErrParameterMismatch = &EngineError{Code: CodeParameterMismatch}
	ErrProviderError     = &EngineError{Code: CodeProviderError}
	ErrRateLimited       = &EngineError{Code: CodeRateLimited}
	ErrInvalidContact    = &EngineError{Code: CodeInvalidContact}
)

// CodeOf extracts the machine code from err, or "" if err carries none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

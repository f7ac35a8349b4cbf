// Package errors implements the error taxonomy of spec §7: every engine
// failure carries a stable machine-readable Type plus a human message.
// Shape and helper names follow the teacher's internal/errors package
// (AppError{Type,Message,Details}, WrapExternalError, LogError); the
// ErrorType enum itself is replaced with the workflow-engine taxonomy.
package errors

import (
	"fmt"
	"log"
)

type ErrorType string

const (
	AuthorizationErr ErrorType = "AUTHORIZATION"
	ValidationErr    ErrorType = "VALIDATION"
	NotFoundErr      ErrorType = "NOT_FOUND"
	InvalidStateErr  ErrorType = "INVALID_STATE"
	ConcurrencyErr   ErrorType = "CONCURRENCY"
	EngineErr        ErrorType = "ENGINE_ERROR"
	ExternalErr      ErrorType = "EXTERNAL_SERVICE"
)

// AppError is the stable, user-visible error shape: a code, a message, and
// optional structural details (never a stack trace, per spec §7).
type AppError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

func NewAuthorizationError(message string) *AppError {
	return &AppError{Type: AuthorizationErr, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Type: NotFoundErr, Message: message}
}

func NewInvalidStateError(message string) *AppError {
	return &AppError{Type: InvalidStateErr, Message: message}
}

func NewConcurrencyError(message string) *AppError {
	return &AppError{Type: ConcurrencyErr, Message: message}
}

func NewEngineError(message string) *AppError {
	return &AppError{Type: EngineErr, Message: message}
}

func NewExternalError(message string, details string) *AppError {
	return &AppError{Type: ExternalErr, Message: message, Details: details}
}

// FieldError is one entry of a ValidationError (spec §7).
type FieldError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// ValidationError is raised when workflow-definition validation fails
// (spec §4.1, §7): it carries every violated rule, not just the first.
type ValidationError struct {
	Errors   []FieldError
	Warnings []FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow definition invalid: %d error(s)", len(e.Errors))
}

func (e *ValidationError) AppError() *AppError {
	return &AppError{Type: ValidationErr, Message: e.Error()}
}

func LogError(err error, context string) {
	if appErr, ok := err.(*AppError); ok {
		log.Printf("[ERROR] %s: %s (type=%s)", context, appErr.Message, appErr.Type)
		if appErr.Details != "" {
			log.Printf("[ERROR] %s: details: %s", context, appErr.Details)
		}
		return
	}
	log.Printf("[ERROR] %s: %s", context, err.Error())
}

func WrapExternalError(err error, service string) *AppError {
	details := fmt.Sprintf("external service %q failed: %s", service, err.Error())
	LogError(err, fmt.Sprintf("external service - %s", service))
	return NewExternalError(fmt.Sprintf("%s unavailable", service), details)
}

package models

import (
	"fmt"
	"time"
)

// ErrorCode is the stable, client-branchable kind of a failure.
type ErrorCode string

const (
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeServerOverload ErrorCode = "SERVER_OVERLOAD"
	CodeServerError    ErrorCode = "SERVER_ERROR"
	CodeSetupError     ErrorCode = "SETUP_ERROR"
	CodeUnknownEvent   ErrorCode = "UNKNOWN_EVENT"
)

// Error is a typed failure that is sent to clients as an error payload.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of e carrying field-level details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// ErrorPayload is the wire form of an Error.
type ErrorPayload struct {
	Error     bool           `json:"error"`
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Payload renders the error for the wire.
func (e *Error) Payload(now time.Time) ErrorPayload {
	return ErrorPayload{
		Error:     true,
		Code:      e.Code,
		Message:   e.Message,
		Timestamp: now.UTC(),
		Details:   e.Details,
	}
}

// Package api provides the standard error envelope and response helpers
// shared by every HTTP handler.
package api

import (
	"fmt"
	"net/http"
	"strings"
)

// Error is the single error type handlers return. The top-level adapter maps
// it onto the wire envelope; handlers never build envelopes themselves.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorCodes maps HTTP status to the generic dotted error code.
var errorCodes = map[int]string{
	http.StatusBadRequest:          "validation.invalid_request",
	http.StatusUnauthorized:        "auth.unauthorized",
	http.StatusForbidden:           "auth.forbidden",
	http.StatusNotFound:            "resource.not_found",
	http.StatusConflict:            "state.conflict",
	http.StatusUnprocessableEntity: "validation.unprocessable_entity",
	http.StatusTooManyRequests:     "rate_limit.exceeded",
	http.StatusInternalServerError: "internal.error",
	http.StatusServiceUnavailable:  "service.unavailable",
}

// specializedCodes override the generic status code when their marker appears
// in the error message.
var specializedCodes = []string{
	"budget.insufficient",
	"idempotency.conflict",
	"auth.invalid_credentials",
	"dlq.already_resolved",
}

// CodeFor resolves the dotted error code for a status/message pair.
// Specialized markers embedded in the message win over the generic mapping.
func CodeFor(status int, message string) string {
	for _, code := range specializedCodes {
		if strings.Contains(message, code) {
			return code
		}
	}
	if code, ok := errorCodes[status]; ok {
		return code
	}
	return "unknown.error"
}

// NewError builds an Error with the code derived from status and message.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Code: CodeFor(status, message), Message: message}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// BadRequest builds a 400 validation error.
func BadRequest(message string) *Error {
	return NewError(http.StatusBadRequest, message)
}

// Unauthorized builds a 401 error.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return NewError(http.StatusUnauthorized, message)
}

// Forbidden builds a 403 error.
func Forbidden(message string) *Error {
	if message == "" {
		message = "Insufficient permissions"
	}
	return NewError(http.StatusForbidden, message)
}

// NotFound builds a 404 error.
func NotFound(message string) *Error {
	return NewError(http.StatusNotFound, message)
}

// Conflict builds a 409 error.
func Conflict(message string) *Error {
	return NewError(http.StatusConflict, message)
}

// Unprocessable builds a 422 validation error with per-field details.
func Unprocessable(message string, fields map[string]any) *Error {
	return NewError(http.StatusUnprocessableEntity, message).WithDetails(fields)
}

// TooManyRequests builds a 429 error.
func TooManyRequests(message string) *Error {
	if message == "" {
		message = "Too many requests. Please try again later."
	}
	return NewError(http.StatusTooManyRequests, message)
}

// Internal builds a 500 error. The underlying cause is logged by the adapter,
// never exposed to the client.
func Internal() *Error {
	return NewError(http.StatusInternalServerError, "An internal error occurred. Please try again later.")
}

// Unavailable builds a 503 error.
func Unavailable(message string) *Error {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	return NewError(http.StatusServiceUnavailable, message)
}

// Package errors defines the typed API errors shared by the Instagram client,
// the retry helpers and the crawler's account bookkeeping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeChallenge   ErrorType = "challenge"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error represents an API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("instagram %s error (code %d): %s", e.Type, e.Code, e.Message)
}

// New builds an *Error
func New(t ErrorType, code int, format string, args ...interface{}) *Error {
	return &Error{Type: t, Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromStatus maps an HTTP status code to an *Error. Status codes below 400
// return nil.
func FromStatus(code int) *Error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return &Error{Type: ErrorTypeAuth, Message: "authentication required", Code: code}
	case code == http.StatusForbidden:
		return &Error{Type: ErrorTypeAuth, Message: "access forbidden", Code: code}
	case code == http.StatusNotFound:
		return &Error{Type: ErrorTypeNotFound, Message: "resource not found", Code: code}
	case code == http.StatusTooManyRequests:
		return &Error{Type: ErrorTypeRateLimit, Message: "rate limit exceeded", Code: code}
	case code >= 500:
		return &Error{Type: ErrorTypeServerError, Message: "server error", Code: code}
	default:
		return &Error{Type: ErrorTypeUnknown, Message: fmt.Sprintf("unexpected status code: %d", code), Code: code}
	}
}

// TypeOf returns the ErrorType of err if it wraps an *Error, otherwise
// ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var apiErr *Error
	if stderrors.As(err, &apiErr) {
		return apiErr.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err wraps an *Error of type t
func Is(err error, t ErrorType) bool {
	var apiErr *Error
	return stderrors.As(err, &apiErr) && apiErr.Type == t
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0, http.StatusTooManyRequests:
		return true
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	default:
		return statusCode >= 500
	}
}

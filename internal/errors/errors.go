// Package errors provides standardized error handling for the vault service.
// Domain packages return *Error values; the HTTP layer renders them with the
// status derived from their code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the vault service.
type ErrorCode string

const (
	// Validation errors
	VAULT_VALIDATION  ErrorCode = "VAULT_VALIDATION"  // Malformed input (ambiguous scope, bad ids)
	VAULT_BAD_REQUEST ErrorCode = "VAULT_BAD_REQUEST" // Unparseable request
	VAULT_MEDIA_SIZE  ErrorCode = "VAULT_MEDIA_SIZE"  // Upload size limit exceeded
	VAULT_MEDIA_TYPE  ErrorCode = "VAULT_MEDIA_TYPE"  // Upload MIME type not allowed

	// Authentication/Authorization errors
	VAULT_AUTHN       ErrorCode = "VAULT_AUTHN"       // Missing or invalid bearer token
	VAULT_PIN_INVALID ErrorCode = "VAULT_PIN_INVALID" // Wrong share or portal PIN
	VAULT_FORBIDDEN   ErrorCode = "VAULT_FORBIDDEN"   // Cross-user access

	// Resource errors
	VAULT_NOT_FOUND        ErrorCode = "VAULT_NOT_FOUND"        // Missing document, version, token or portal
	VAULT_CONFLICT         ErrorCode = "VAULT_CONFLICT"         // Duplicate submission, delete with active links
	VAULT_INCONSISTENT     ErrorCode = "VAULT_INCONSISTENT"     // Document does not match any stored version
	VAULT_LINK_EXPIRED     ErrorCode = "VAULT_LINK_EXPIRED"     // Share link past its expiry (or revoked)
	VAULT_LINK_EXHAUSTED   ErrorCode = "VAULT_LINK_EXHAUSTED"   // Share link download quota used up
	VAULT_LINK_UNAVAILABLE ErrorCode = "VAULT_LINK_UNAVAILABLE" // Any share failure before PIN entry

	// Server errors
	VAULT_INTERNAL    ErrorCode = "VAULT_INTERNAL"    // Internal server error
	VAULT_UNAVAILABLE ErrorCode = "VAULT_UNAVAILABLE" // Dependency unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the ErrorCode from err, or VAULT_INTERNAL when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return VAULT_INTERNAL
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// From converts any error to an *Error, defaulting to VAULT_INTERNAL.
func From(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(VAULT_INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case VAULT_VALIDATION, VAULT_BAD_REQUEST, VAULT_MEDIA_SIZE, VAULT_MEDIA_TYPE:
		return http.StatusBadRequest
	case VAULT_AUTHN, VAULT_PIN_INVALID:
		return http.StatusUnauthorized
	case VAULT_FORBIDDEN:
		return http.StatusForbidden
	case VAULT_NOT_FOUND, VAULT_LINK_UNAVAILABLE:
		return http.StatusNotFound
	case VAULT_CONFLICT, VAULT_INCONSISTENT:
		return http.StatusConflict
	case VAULT_LINK_EXPIRED, VAULT_LINK_EXHAUSTED:
		return http.StatusGone
	case VAULT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

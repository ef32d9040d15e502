// Package domain provides the request-scoped types and the canonical error
// taxonomy shared by every stage of the ingress pipeline.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, client-visible identifier of a gateway rejection.
type ErrorCode string

const (
	// ErrorCodeUnauthorized covers every credential failure. Callers are never
	// told whether the token was missing, malformed or expired.
	ErrorCodeUnauthorized ErrorCode = "AUTH_401"

	ErrorCodeForbidden ErrorCode = "FORBIDDEN"

	ErrorCodeCSRFForbidden ErrorCode = "CSRF_FORBIDDEN"
	ErrorCodeCSRFMismatch  ErrorCode = "CSRF_MISMATCH"

	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeAPIRateLimited ErrorCode = "API_RATE_LIMITED"

	ErrorCodeIdempotentReplay      ErrorCode = "IDEMPOTENT_REPLAY"
	ErrorCodeIdempotencyKeyInvalid ErrorCode = "IDEMPOTENCY_KEY_INVALID"

	ErrorCodeAPIKeyRequired ErrorCode = "API_KEY_REQUIRED"
	ErrorCodeAPIKeyInvalid  ErrorCode = "API_KEY_INVALID"

	ErrorCodeAPIUpstreamError    ErrorCode = "API_UPSTREAM_ERROR"
	ErrorCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"

	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrorCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorCodeInternal        ErrorCode = "INTERNAL"
)

// GatewayError is the structured rejection returned by guards and forwarders.
// It is rendered once, at the pipeline boundary, as a JSON envelope.
type GatewayError struct {
	// Code is the stable error code.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// StatusCode overrides the status derived from Code.
	StatusCode int `json:"-"`

	// Cause is kept for logs only and never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Code {
	case ErrorCodeUnauthorized, ErrorCodeAPIKeyRequired, ErrorCodeAPIKeyInvalid:
		return http.StatusUnauthorized
	case ErrorCodeForbidden, ErrorCodeCSRFForbidden, ErrorCodeCSRFMismatch:
		return http.StatusForbidden
	case ErrorCodeRateLimited, ErrorCodeAPIRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeIdempotentReplay:
		return http.StatusConflict
	case ErrorCodeIdempotencyKeyInvalid, ErrorCodeBadRequest:
		return http.StatusBadRequest
	case ErrorCodeAPIUpstreamError, ErrorCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new gateway error.
func NewError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// WithStatus overrides the HTTP status code.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	e.StatusCode = status
	return e
}

// WithCause attaches an internal cause for logging.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Cause = err
	return e
}

// ErrUnauthorized is the uniform credential failure.
func ErrUnauthorized(cause error) *GatewayError {
	return NewError(ErrorCodeUnauthorized, "authentication required").WithCause(cause)
}

// ErrForbidden is returned when the principal lacks a required role.
func ErrForbidden(message string) *GatewayError {
	return NewError(ErrorCodeForbidden, message)
}

// ErrRateLimited is the global limiter rejection.
func ErrRateLimited() *GatewayError {
	return NewError(ErrorCodeRateLimited, "too many requests")
}

// ErrNotFound is the unroutable-path response.
func ErrNotFound(message string) *GatewayError {
	return NewError(ErrorCodeNotFound, message)
}

// AsGatewayError converts any error into a GatewayError. Errors that are not
// already gateway errors become INTERNAL with the original error as the cause.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewError(ErrorCodeInternal, "internal gateway error").WithCause(err)
}

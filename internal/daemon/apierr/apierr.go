// Package apierr defines the daemon's closed error vocabulary. Every
// failure a client can observe carries one of these codes, reported
// verbatim in the response body, plus the HTTP status it maps to.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure kind.
type Code string

const (
	IdentityInvalid  Code = "IDENTITY_INVALID"
	PIDInvalid       Code = "PID_INVALID"
	ValidationError  Code = "VALIDATION_ERROR"
	MetadataTooLarge Code = "METADATA_TOO_LARGE"
	PortOutOfRange   Code = "PORT_OUT_OF_RANGE"
	PortReserved     Code = "PORT_RESERVED"
	PortExhausted    Code = "PORT_EXHAUSTED"
	ServiceNotFound  Code = "SERVICE_NOT_FOUND"
	LockHeld         Code = "LOCK_HELD"
	LockForbidden    Code = "LOCK_FORBIDDEN"
	QuotaExceeded    Code = "QUOTA_EXCEEDED"
	FileConflict     Code = "FILE_CONFLICT"
	SessionNotFound  Code = "SESSION_NOT_FOUND"
	ChannelInvalid   Code = "CHANNEL_INVALID"
	PayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	RateLimited      Code = "RATE_LIMITED"
	ConnectionLimit  Code = "CONNECTION_LIMIT"
	SSRFBlocked      Code = "SSRF_BLOCKED"
	Timeout          Code = "TIMEOUT"
	Internal         Code = "INTERNAL"
)

// Error is a domain failure with a closed code, an HTTP status, and
// optional structured detail merged into the response body.
type Error struct {
	Code    Code
	Status  int
	Message string
	Detail  map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with an explicit status.
func New(code Code, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// BadRequest creates a 400 Error.
func BadRequest(code Code, format string, args ...interface{}) *Error {
	return New(code, http.StatusBadRequest, format, args...)
}

// NotFound creates a 404 Error.
func NotFound(code Code, format string, args ...interface{}) *Error {
	return New(code, http.StatusNotFound, format, args...)
}

// Conflict creates a 409 Error.
func Conflict(code Code, format string, args ...interface{}) *Error {
	return New(code, http.StatusConflict, format, args...)
}

// Internalf creates a 500 Error.
func Internalf(format string, args ...interface{}) *Error {
	return New(Internal, http.StatusInternalServerError, format, args...)
}

// WithDetail attaches a detail key to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// From converts any error to an *Error, wrapping unknown errors as
// INTERNAL so the taxonomy stays closed at the boundary.
func From(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internalf("%v", err)
}

// Package apperror gives every layer below the HTTP boundary a way to
// carry a status code alongside an error message, instead of writing
// directly to an http.ResponseWriter the way the route handlers do.
package apperror

import (
	"errors"
	"fmt"
)

// Error is a message paired with the HTTP status code it should surface
// as. The pipeline and CRUD engine return these instead of plain errors
// whenever the failure maps to a specific client-visible status.
type Error struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func (e *Error) Error() string {
	return e.Message
}

// New wraps msg with the given status code.
func New(status int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), StatusCode: status}
}

func BadRequest(format string, args ...any) *Error {
	return New(400, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(401, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(404, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(409, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(500, format, args...)
}

// StatusCode extracts the status code carried by err, defaulting to 500
// for any error that isn't one of ours (per spec.md §4.7 step 8: string
// errors are wrapped with a default status of 500).
func StatusCode(err error) int {
	if err == nil {
		return 200
	}
	if ae, ok := err.(*Error); ok {
		return ae.StatusCode
	}
	return 500
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

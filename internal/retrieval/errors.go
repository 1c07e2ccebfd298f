package retrieval

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
)

// Code is the machine-readable error code of the response envelope.
type Code string

const (
	CodeNotFound     Code = "NOT_FOUND"
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrInvalidRequest is wrapped by every validation error.
var ErrInvalidRequest = errors.New("invalid request")

// Error is a retrieval failure carrying its envelope code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an error with the given code. Validation errors wrap
// ErrInvalidRequest.
func NewError(code Code, format string, args ...any) *Error {
	e := &Error{Code: code, Message: fmt.Sprintf(format, args...)}
	if code == CodeValidation {
		e.Err = ErrInvalidRequest
	}
	return e
}

func invalid(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Err: storage.ErrNotFound}
}

// AsError classifies any error returned by the service. Errors that are
// not already an *Error become NOT_FOUND for missing objects and
// INTERNAL_ERROR otherwise.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: "resource not found", Err: err}
	}
	return &Error{Code: CodeInternal, Message: "storage read failed", Err: err}
}

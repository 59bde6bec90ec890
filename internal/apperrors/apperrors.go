// Package apperrors classifies failures into the kinds the API reports to
// callers. Every error surfaced to a user carries exactly one kind; handlers
// map kinds to HTTP statuses in one place.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrPartialFailure     = errors.New("partial failure")
)

type Error struct {
	kind    error
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message is the user-visible text, without internal cause details.
func (e *Error) Message() string { return e.message }

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

func New(kind error, message string) error {
	return &Error{kind: kind, message: message}
}

func Wrap(kind error, message string, cause error) error {
	return &Error{kind: kind, message: message, cause: cause}
}

func NotFound(message string) error        { return New(ErrNotFound, message) }
func Invalid(message string) error         { return New(ErrInvalidOperation, message) }
func Unauthenticated(message string) error { return New(ErrUnauthenticated, message) }

func Unavailable(message string, cause error) error {
	return Wrap(ErrBackendUnavailable, message, cause)
}
func Partial(message string, cause error) error {
	return Wrap(ErrPartialFailure, message, cause)
}

// HTTPStatus maps an error to the status code reported to the caller.
// Unclassified errors count as backend failures.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrPartialFailure):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// UserMessage returns the text shown to the caller. Internal causes are never
// leaked for unclassified errors.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return "internal server error"
}

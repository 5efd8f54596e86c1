// Package apperr defines the error taxonomy shared across the chat
// streaming substrate and maps it to HTTP status codes the way
// internal/api's JSON/Error helpers expect.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Error is an error annotated with a Kind so HTTP handlers can map it to a
// status code without string-sniffing the message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates err with a kind, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound, Forbidden, Validation, Conflict, and Unavailable are
// convenience constructors for the common cases.
func NotFound(message string) *Error    { return New(KindNotFound, message) }
func Forbidden(message string) *Error   { return New(KindForbidden, message) }
func Validation(message string) *Error  { return New(KindValidation, message) }
func Conflict(message string) *Error    { return New(KindConflict, message) }
func Unavailable(message string) *Error { return New(KindUnavailable, message) }

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that were not constructed through this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the conventional HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor returns the HTTP status code for err, defaulting to 500 for
// plain errors.
func StatusFor(err error) int {
	return HTTPStatus(KindOf(err))
}

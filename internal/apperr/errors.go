// Package apperr defines the error taxonomy returned by the approval engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation Kind = "validation"
	KindBadRequest Kind = "bad_request"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindStorage    Kind = "storage"
)

// Error carries a short message that is safe to show to a user.
// Cause is kept for logs and errors.Is/As; it is never part of Message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newError(KindValidation, format, args...) }
func BadRequest(format string, args ...any) *Error { return newError(KindBadRequest, format, args...) }
func NotFound(format string, args ...any) *Error   { return newError(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return newError(KindConflict, format, args...) }
func Forbidden(format string, args ...any) *Error  { return newError(KindForbidden, format, args...) }

// Storage wraps a persistence failure behind a generic message.
func Storage(cause error) *Error {
	return &Error{Kind: KindStorage, Message: "storage operation failed", Cause: cause}
}

// KindOf returns the kind of err, or KindStorage for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code an HTTP layer should answer with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

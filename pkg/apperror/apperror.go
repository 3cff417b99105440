// Package apperror defines the error taxonomy shared by the domain services and
// the HTTP layer.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an application error.
type Kind string

const (
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindValidation Kind = "VALIDATION"
	KindForbidden  Kind = "FORBIDDEN"
	KindStorage    Kind = "STORAGE"
)

// Error is the application error carried from services to handlers.
type Error struct {
	Kind    Kind
	Entity  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind and entity, so sentinel values like
// ErrSlotBooked can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Entity == t.Entity && e.Message == t.Message
}

// NotFound reports a missing entity, e.g. NotFound("doctor") -> "Doctor not found".
func NotFound(entity string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Entity:  entity,
		Message: capitalize(entity) + " not found",
	}
}

// Conflict reports a request that is well formed but clashes with current state.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Validation reports malformed input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...interface{}) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// Forbidden reports a caller acting outside their role's reach.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// Storage wraps an underlying database failure. The cause is kept for logging
// but never rendered to clients.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindStorage when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindStorage
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// ToHTTP converts err into an echo HTTP error. Storage failures are rendered as
// a generic 500 without internal detail.
func ToHTTP(err error) *echo.HTTPError {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	switch ae.Kind {
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, ae.Message)
	case KindConflict:
		return echo.NewHTTPError(http.StatusConflict, ae.Message)
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, ae.Message)
	case KindForbidden:
		return echo.NewHTTPError(http.StatusForbidden, ae.Message)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

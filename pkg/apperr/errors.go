// Package apperr defines the error taxonomy shared by stores, services and
// HTTP handlers. Handlers translate an *Error into a status code through
// httputil.WriteAppError; anything that is not an *Error is Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindValidation
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_failed"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the kind to a status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds per-field messages for validation failures.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
)

func Unauthorized(message string) *Error {
	if message == "" {
		message = "authentication required"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	if message == "" {
		message = "insufficient permissions"
	}
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound reports a missing resource. Resources owned by another tenant use
// the same error.
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

func Validation(message string, fields map[string]string) *Error {
	if message == "" {
		message = "validation failed"
	}
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// FieldError is a Validation error for a single field.
func FieldError(field, message string) *Error {
	return Validation("", map[string]string{field: message})
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func RateLimited(message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message}
}

// Internal wraps an unexpected failure. The message returned to clients is
// always generic.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

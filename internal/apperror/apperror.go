// Package apperror is the error taxonomy shared by server and client.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for callers that decide on retry or rollback
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindConflict     Kind = "CONFLICT"
	KindNotFound     Kind = "NOT_FOUND"
	KindNetwork      Kind = "NETWORK"
	KindInternal     Kind = "INTERNAL"
	KindUnauthorized Kind = "UNAUTHORIZED"
)

// CodeTimeout marks a network error whose outcome is unknown
const CodeTimeout = "TIMEOUT"

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }

func Conflict(code, msg string) *Error { return New(KindConflict, code, msg) }

func NotFound(code, msg string) *Error { return New(KindNotFound, code, msg) }

func Unauthorized(msg string) *Error { return New(KindUnauthorized, "UNAUTHORIZED", msg) }

// Network wraps a transport failure. A deadline is reported with CodeTimeout.
func Network(err error) *Error {
	code := "NETWORK"
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &Error{Kind: KindNetwork, Code: code, Message: "network failure", Err: err}
}

// Timeout reports a call whose outcome is unknown because it ran out of time
func Timeout(err error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeTimeout, Message: "request timed out", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error", Err: err}
}

// As returns the *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, treating unknown errors as internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the wire code of err, or "" when err is not an *Error
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the same request may succeed if sent again
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindInternal:
		return true
	}
	return false
}

// IsTimeout reports a network error with unknown outcome
func IsTimeout(err error) bool {
	return Is(err, KindNetwork) && CodeOf(err) == CodeTimeout
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// FromStore maps a pgx error to the taxonomy. nil stays nil and errors that
// already carry a kind pass through.
func FromStore(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: what + " not found", Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &Error{Kind: KindConflict, Code: "DUPLICATE", Message: what + " already exists", Err: err}
		case "23503":
			return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: what + " not found", Err: err}
		}
	}
	return Internal(err)
}

// Package apperr carries the error kinds the order and payment flows report to their callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindVerification
	KindConflict
	KindGateway
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindVerification:
		return "verification"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is a classified error. Message is safe to show to the caller; Err is the wrapped cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Internal reports a broken invariant.
func Internal(op, format string, args ...any) *Error {
	return newf(KindInternal, op, format, args...)
}

// Validation reports missing or malformed input.
func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

// Unauthorized reports a missing or invalid identity.
func Unauthorized(op, format string, args ...any) *Error {
	return newf(KindUnauthorized, op, format, args...)
}

// Forbidden reports an identity without access to the resource.
func Forbidden(op, format string, args ...any) *Error {
	return newf(KindForbidden, op, format, args...)
}

// NotFound reports an unknown order or payment.
func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

// Verification reports a callback whose signature did not check out.
func Verification(op, format string, args ...any) *Error {
	return newf(KindVerification, op, format, args...)
}

// Conflict reports a state race or a terminal-state mismatch.
func Conflict(op, format string, args ...any) *Error {
	return newf(KindConflict, op, format, args...)
}

// Gateway wraps a failed provider call.
func Gateway(op string, err error) *Error {
	return &Error{Kind: KindGateway, Op: op, Message: "payment gateway request failed", Err: err}
}

// Persistence wraps a storage failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: "storage operation failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

package exam

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-recoverable failure. Anything not wrapped in *Error
// is treated as an internal storage failure by the API layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindForbidden
	KindInvalidState
	KindConflict
)

type Error struct {
	Kind   Kind
	Code   string // stable machine-readable code, e.g. "already_attempted"
	Detail string
}

func (e *Error) Error() string { return e.Detail }

func errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) *Error {
	return errorf(KindValidation, "validation", format, args...)
}

func notFoundf(format string, args ...any) *Error {
	return errorf(KindNotFound, "not_found", format, args...)
}

func forbiddenf(format string, args ...any) *Error {
	return errorf(KindForbidden, "forbidden", format, args...)
}

func invalidStatef(format string, args ...any) *Error {
	return errorf(KindInvalidState, "invalid_state", format, args...)
}

// ErrAlreadyAttempted is returned by Join when an attempt already exists for
// the (exam, student) pair. Clients key off the code to render a specific
// message instead of a generic failure.
var ErrAlreadyAttempted = &Error{Kind: KindConflict, Code: "already_attempted", Detail: "already attempted"}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsValidation(err error) bool   { return kindOf(err) == KindValidation }
func IsNotFound(err error) bool     { return kindOf(err) == KindNotFound }
func IsForbidden(err error) bool    { return kindOf(err) == KindForbidden }
func IsInvalidState(err error) bool { return kindOf(err) == KindInvalidState }
func IsConflict(err error) bool     { return kindOf(err) == KindConflict }

// CodeOf extracts the stable error code, or "" for internal errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

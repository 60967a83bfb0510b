// Package errs defines the error taxonomy shared by the job system.
//
// Callers branch on the code, not the message: auth_required is terminal
// (the user must reconnect the account), transient is retryable, conflict
// maps to HTTP 409, validation to 400, not_found to 404.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Code string

const (
	CodeAuthRequired Code = "auth_required"
	CodeTransient    Code = "transient"
	CodeConflict     Code = "conflict"
	CodeValidation   Code = "validation"
	CodeNotFound     Code = "not_found"
)

// Error carries a machine-readable code alongside the wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AuthRequired(msg string, cause error) *Error {
	return &Error{Code: CodeAuthRequired, Msg: msg, Err: cause}
}

func Transient(msg string, cause error) *Error {
	return &Error{Code: CodeTransient, Msg: msg, Err: cause}
}

func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Msg: msg}
}

func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Msg: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Msg: msg}
}

// CodeOf extracts the taxonomy code from err, classifying untyped errors
// conservatively: network failures and timeouts count as transient,
// everything else is unknown ("").
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if IsRetryable(err) {
		return CodeTransient
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable determines if an untyped error is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation is a shutdown signal, not a provider fault.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return false
}

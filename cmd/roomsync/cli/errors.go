// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomsync/lib/netutil"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

// ErrorCategory classifies command errors so scripts can react to the
// exit code without parsing messages.
type ErrorCategory string

const (
	// CategoryValidation: bad flags, arguments or configuration.
	CategoryValidation ErrorCategory = "validation"

	// CategoryNotFound: a referenced room, file or session does not exist.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryForbidden: the homeserver refused the operation.
	CategoryForbidden ErrorCategory = "forbidden"

	// CategoryAuth: the session is missing or its token was revoked.
	// Run login again.
	CategoryAuth ErrorCategory = "auth"

	// CategoryTransient: the homeserver was unreachable or overloaded.
	// Retrying later may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryInternal: anything else.
	CategoryInternal ErrorCategory = "internal"
)

// ExitCode is the process exit status for the category.
func (c ErrorCategory) ExitCode() int {
	switch c {
	case CategoryValidation:
		return 2
	case CategoryAuth:
		return 3
	case CategoryTransient:
		return 4
	case CategoryNotFound:
		return 5
	case CategoryForbidden:
		return 6
	default:
		return 1
	}
}

// Error is a categorized error returned by commands. It wraps the
// underlying error so errors.Is and errors.As still see the chain.
type Error struct {
	Category ErrorCategory
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}

// Auth creates an authentication error.
func Auth(format string, args ...any) *Error {
	return &Error{Category: CategoryAuth, Err: fmt.Errorf(format, args...)}
}

// Transient creates a transient error.
func Transient(format string, args ...any) *Error {
	return &Error{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// Internal creates an internal error.
func Internal(format string, args ...any) *Error {
	return &Error{Category: CategoryInternal, Err: fmt.Errorf(format, args...)}
}

// Classify wraps err with a category derived from the transport and
// homeserver error types in its chain. Errors that are already
// categorized pass through unchanged. Nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var categorized *Error
	if errors.As(err, &categorized) {
		return err
	}
	return &Error{Category: categoryOf(err), Err: err}
}

func categoryOf(err error) ErrorCategory {
	if transport.IsAuthError(err) || messaging.IsAuthError(err) {
		return CategoryAuth
	}
	if transport.IsNetworkError(err) || netutil.IsConnectionError(err) {
		return CategoryTransient
	}
	var matrixErr *messaging.MatrixError
	if errors.As(err, &matrixErr) {
		switch {
		case matrixErr.Code == messaging.ErrCodeForbidden:
			return CategoryForbidden
		case matrixErr.Code == messaging.ErrCodeNotFound:
			return CategoryNotFound
		case messaging.IsTransient(matrixErr):
			return CategoryTransient
		}
	}
	return CategoryInternal
}

// ExitCodeOf returns the exit status for an error returned by a
// command: 0 for nil, the category's code for a categorized error, and
// 1 otherwise.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// ExitCode satisfies the interface ExitCodeOf looks for.
func (e *Error) ExitCode() int { return e.Category.ExitCode() }

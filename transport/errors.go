// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisconnected is returned by every operation after Disconnect.
	ErrDisconnected = errors.New("transport: session disconnected")

	// ErrNotConnected is returned when an operation needs Connect first.
	ErrNotConnected = errors.New("transport: session not connected")
)

// NetworkError is a transient failure: the homeserver could not be
// reached, or answered with 429 or 5xx.
type NetworkError struct {
	Op  string
	Err error
	// RetryAfter is the server-requested delay on rate limiting, zero
	// otherwise.
	RetryAfter time.Duration
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the access token was rejected. The session cannot
// recover without a new login.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("transport: %s: authentication rejected: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

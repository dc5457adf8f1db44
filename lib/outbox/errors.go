// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

var (
	// ErrQueueClosed is returned after Close, and is the failure
	// recorded on echoes Close interrupted.
	ErrQueueClosed = errors.New("outbox: queue closed")

	// ErrUnknownEcho means no queued echo has the given local ID.
	ErrUnknownEcho = errors.New("outbox: no such local echo")

	// ErrNotFailed means Retry was called on an echo that has not
	// failed.
	ErrNotFailed = errors.New("outbox: echo has not failed")
)

// DeliveryFailure reports that one message will not be delivered
// without user action.
type DeliveryFailure struct {
	LocalID  string
	RoomID   ref.RoomID
	Attempts int
	Err      error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("outbox: delivering %s to %s failed after %d attempt(s): %v", f.LocalID, f.RoomID, f.Attempts, f.Err)
}

func (f *DeliveryFailure) Unwrap() error { return f.Err }

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"time"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
)

// EchoState is the delivery state of a local echo.
type EchoState int

const (
	// EchoPending is queued or waiting out a retry delay.
	EchoPending EchoState = iota
	// EchoSent has a send request in flight.
	EchoSent
	// EchoFailed will not be retried unless the user asks.
	EchoFailed
)

func (s EchoState) String() string {
	switch s {
	case EchoPending:
		return "pending"
	case EchoSent:
		return "sent"
	case EchoFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one timeline entry: a server-confirmed event, or a local
// echo of a message not yet confirmed (Echo true, ID zero).
type Event struct {
	ID        ref.EventID     `cbor:"id,omitempty"`
	RoomID    ref.RoomID      `cbor:"room_id"`
	Sender    ref.UserID      `cbor:"sender"`
	Type      ref.EventType   `cbor:"type"`
	Payload   payload.Payload `cbor:"payload"`
	Timestamp time.Time       `cbor:"timestamp"`

	// Provisional marks a confirmed event whose Timestamp is the local
	// echo's creation time rather than the server's. A later merge of
	// the same event ID replaces it in place.
	Provisional bool `cbor:"provisional,omitempty"`

	Echo      bool      `cbor:"echo,omitempty"`
	LocalID   string    `cbor:"local_id,omitempty"`
	TxnID     string    `cbor:"txn_id,omitempty"`
	EchoState EchoState `cbor:"echo_state,omitempty"`

	// Error describes why delivery failed, for EchoFailed echoes.
	Error string `cbor:"error,omitempty"`

	// position is the timestamp the event was ordered by, when that
	// differs from Timestamp: a provisional event updated in place
	// keeps the slot its local time gave it.
	position time.Time
}

// orderKey is the time the timeline sorts e by.
func (e Event) orderKey() time.Time {
	if !e.position.IsZero() {
		return e.position
	}
	return e.Timestamp
}

// Key identifies the event within its timeline: the event ID for
// confirmed events, the local ID for echoes.
func (e Event) Key() string {
	if e.Echo {
		return "local:" + e.LocalID
	}
	return e.ID.String()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"time"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

// Record is the persisted form of an undelivered echo. Media bytes are
// kept until the upload succeeds, then replaced by the content URI.
type Record struct {
	LocalID   string             `cbor:"local_id"`
	TxnID     string             `cbor:"txn_id"`
	RoomID    ref.RoomID         `cbor:"room_id"`
	Sender    ref.UserID         `cbor:"sender"`
	Payload   payload.Payload    `cbor:"payload"`
	CreatedAt time.Time          `cbor:"created_at"`
	State     timeline.EchoState `cbor:"state"`
	Attempts  int                `cbor:"attempts"`
	Error     string             `cbor:"error,omitempty"`
}

// echo renders the record as a timeline echo. The echo never carries
// media bytes.
func (r Record) echo() timeline.Event {
	displayed := r.Payload
	if displayed.Media != nil {
		media := *displayed.Media
		media.Data = nil
		displayed.Media = &media
	}
	return timeline.Event{
		RoomID:    r.RoomID,
		Sender:    r.Sender,
		Type:      ref.EventTypeMessage,
		Payload:   displayed,
		Timestamp: r.CreatedAt,
		Echo:      true,
		LocalID:   r.LocalID,
		TxnID:     r.TxnID,
		EchoState: r.State,
		Error:     r.Error,
	}
}

// Persister stores undelivered echoes so they survive a restart. A nil
// Persister in Config disables persistence.
type Persister interface {
	SaveEcho(ctx context.Context, record Record) error
	DeleteEcho(ctx context.Context, localID string) error
	LoadEchoes(ctx context.Context) ([]Record, error)
}

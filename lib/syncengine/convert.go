// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/messaging"
)

// ConvertEvent turns a wire event into a confirmed timeline event. The
// transaction ID the homeserver echoes to the sending device is kept
// so the outbox can match it to a local echo.
func ConvertEvent(roomID ref.RoomID, event messaging.Event) timeline.Event {
	converted := timeline.Event{
		ID:        event.EventID,
		RoomID:    roomID,
		Sender:    event.Sender,
		Type:      event.Type,
		Payload:   payload.FromContent(event.Type, event.Content),
		Timestamp: time.UnixMilli(event.OriginServerTS).UTC(),
	}
	if event.Unsigned != nil {
		converted.TxnID = event.Unsigned.TransactionID
	}
	return converted
}

// ConvertEvents converts a slice of wire events, dropping any without
// an event ID.
func ConvertEvents(roomID ref.RoomID, events []messaging.Event) []timeline.Event {
	converted := make([]timeline.Event, 0, len(events))
	for _, event := range events {
		if event.EventID.IsZero() {
			continue
		}
		converted = append(converted, ConvertEvent(roomID, event))
	}
	return converted
}

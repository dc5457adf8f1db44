// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"

	"github.com/bureau-foundation/roomsync/lib/coordinator"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/transport"
)

// Source is what the chat view reads and drives. *coordinator.Coordinator
// implements it.
type Source interface {
	Rooms() []ref.RoomID
	Timeline(roomID ref.RoomID) *timeline.Snapshot
	UserID() ref.UserID
	ConnectionState() transport.State
	EnqueueText(roomID ref.RoomID, body string) (string, error)
	Retry(localID string) error
	Discard(localID string) error
	Backfill(ctx context.Context, roomID ref.RoomID, limit int) (int, error)
}

var _ Source = (*coordinator.Coordinator)(nil)

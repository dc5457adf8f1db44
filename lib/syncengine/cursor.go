// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// Cursor is a resumable position in a room's sync stream.
type Cursor struct {
	// Token is the opaque next_batch value. Empty means no sync has
	// completed: the next one is an initial sync.
	Token string `cbor:"token"`

	// Sequence increases by one with every committed sync. Stores use
	// it to reject a cursor older than the one they hold.
	Sequence uint64 `cbor:"sequence"`
}

// IsZero reports whether the cursor predates the first sync.
func (c Cursor) IsZero() bool { return c.Token == "" }

// ErrStaleCursor is returned by CursorStore.Save for a cursor whose
// Sequence is not greater than the stored one.
var ErrStaleCursor = errors.New("syncengine: cursor is not newer than the stored cursor")

// CursorStore persists one cursor per room.
type CursorStore interface {
	// Load returns the room's cursor, or the zero Cursor if none is
	// stored.
	Load(ctx context.Context, roomID ref.RoomID) (Cursor, error)

	// Save stores cursor for the room. It returns ErrStaleCursor
	// (wrapped) if the stored cursor's Sequence is not lower.
	Save(ctx context.Context, roomID ref.RoomID, cursor Cursor) error
}

// MemoryCursors is a CursorStore that keeps cursors in memory.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[ref.RoomID]Cursor
}

// NewMemoryCursors returns an empty in-memory store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[ref.RoomID]Cursor)}
}

// Load implements CursorStore.
func (m *MemoryCursors) Load(_ context.Context, roomID ref.RoomID) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[roomID], nil
}

// Save implements CursorStore.
func (m *MemoryCursors) Save(_ context.Context, roomID ref.RoomID, cursor Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.cursors[roomID]; ok && cursor.Sequence <= stored.Sequence {
		return fmt.Errorf("save cursor for %s (sequence %d, stored %d): %w", roomID, cursor.Sequence, stored.Sequence, ErrStaleCursor)
	}
	m.cursors[roomID] = cursor
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomsync/lib/codec"
	"github.com/bureau-foundation/roomsync/lib/compress"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

// SaveTimeline replaces roomID's cached timeline with the confirmed
// events in events. Echoes are dropped: the outbox persists those.
// Saving no confirmed events removes the cache.
func (s *Store) SaveTimeline(ctx context.Context, roomID ref.RoomID, events []timeline.Event) error {
	confirmed := make([]timeline.Event, 0, len(events))
	for _, event := range events {
		if !event.Echo {
			confirmed = append(confirmed, event)
		}
	}

	var frame []byte
	if len(confirmed) > 0 {
		encoded, err := codec.Marshal(confirmed)
		if err != nil {
			return fmt.Errorf("syncstore: encoding timeline for %s: %w", roomID, err)
		}
		frame, err = compress.Pack(encoded, compress.TagZstd)
		if err != nil {
			return fmt.Errorf("syncstore: compressing timeline for %s: %w", roomID, err)
		}
	}

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if frame == nil {
			return sqlitex.Execute(conn, "DELETE FROM timeline_cache WHERE room_id = ?",
				&sqlitex.ExecOptions{Args: []any{roomID.String()}})
		}
		if err := s.ensureRoom(conn, roomID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			INSERT INTO timeline_cache (room_id, saved_at, event_count, events) VALUES (?, ?, ?, ?)
			ON CONFLICT (room_id) DO UPDATE SET
				saved_at = excluded.saved_at,
				event_count = excluded.event_count,
				events = excluded.events`,
			&sqlitex.ExecOptions{Args: []any{roomID.String(), s.now(), len(confirmed), frame}})
	})
	if err != nil {
		return fmt.Errorf("syncstore: saving timeline for %s: %w", roomID, err)
	}
	return nil
}

// LoadTimeline returns roomID's cached events in timeline order, or
// nil if none are cached. A cache that cannot be decoded is logged and
// treated as empty.
func (s *Store) LoadTimeline(ctx context.Context, roomID ref.RoomID) ([]timeline.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	defer s.pool.Put(conn)

	var frame []byte
	err = sqlitex.Execute(conn, "SELECT events FROM timeline_cache WHERE room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				frame = columnBlob(stmt, 0)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("syncstore: loading timeline for %s: %w", roomID, err)
	}
	if frame == nil {
		return nil, nil
	}

	events, err := decodeTimeline(frame)
	if err != nil {
		s.logger.Warn("ignoring unreadable timeline cache", "room_id", roomID.String(), "error", err)
		return nil, nil
	}
	return events, nil
}

func decodeTimeline(frame []byte) ([]timeline.Event, error) {
	encoded, err := compress.Unpack(frame)
	if err != nil {
		return nil, err
	}
	var events []timeline.Event
	if err := codec.Unmarshal(encoded, &events); err != nil {
		return nil, err
	}
	return events, nil
}

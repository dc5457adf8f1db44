// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/syncengine"
)

// Load implements syncengine.CursorStore.
func (s *Store) Load(ctx context.Context, roomID ref.RoomID) (syncengine.Cursor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return syncengine.Cursor{}, fmt.Errorf("syncstore: %w", err)
	}
	defer s.pool.Put(conn)

	var cursor syncengine.Cursor
	err = sqlitex.Execute(conn,
		"SELECT cursor_token, cursor_sequence FROM rooms WHERE room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor.Token = stmt.ColumnText(0)
				cursor.Sequence = uint64(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return syncengine.Cursor{}, fmt.Errorf("syncstore: loading cursor for %s: %w", roomID, err)
	}
	return cursor, nil
}

// Save implements syncengine.CursorStore. The row is replaced only if
// the stored sequence is lower.
func (s *Store) Save(ctx context.Context, roomID ref.RoomID, cursor syncengine.Cursor) error {
	var stored uint64
	var changed bool
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO rooms (room_id, cursor_token, cursor_sequence, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (room_id) DO UPDATE SET
				cursor_token = excluded.cursor_token,
				cursor_sequence = excluded.cursor_sequence,
				updated_at = excluded.updated_at
			WHERE excluded.cursor_sequence > rooms.cursor_sequence`,
			&sqlitex.ExecOptions{Args: []any{roomID.String(), cursor.Token, int64(cursor.Sequence), s.now()}})
		if err != nil {
			return err
		}
		changed = conn.Changes() > 0
		if changed {
			return nil
		}
		return sqlitex.Execute(conn, "SELECT cursor_sequence FROM rooms WHERE room_id = ?", &sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	})
	if err != nil {
		return fmt.Errorf("syncstore: saving cursor for %s: %w", roomID, err)
	}
	if !changed {
		return fmt.Errorf("syncstore: save cursor for %s (sequence %d, stored %d): %w",
			roomID, cursor.Sequence, stored, syncengine.ErrStaleCursor)
	}
	return nil
}

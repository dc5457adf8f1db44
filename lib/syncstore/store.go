// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomsync/lib/clock"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/sqlitepool"
	"github.com/bureau-foundation/roomsync/lib/syncengine"
)

// migrations[i] upgrades the schema from version i to i+1. Append
// only: released migrations never change.
var migrations = []string{
	`
	CREATE TABLE rooms (
		room_id         TEXT PRIMARY KEY,
		cursor_token    TEXT NOT NULL DEFAULT '',
		cursor_sequence INTEGER NOT NULL DEFAULT 0,
		updated_at      INTEGER NOT NULL
	);
	CREATE TABLE outbox (
		local_id   TEXT PRIMARY KEY,
		room_id    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		record     BLOB NOT NULL
	);
	CREATE INDEX outbox_by_created ON outbox (created_at, local_id);
	`,
	`
	CREATE TABLE timeline_cache (
		room_id     TEXT PRIMARY KEY REFERENCES rooms (room_id) ON DELETE CASCADE,
		saved_at    INTEGER NOT NULL,
		event_count INTEGER NOT NULL,
		events      BLOB NOT NULL
	);
	`,
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. Its parent directory must exist.
	Path string

	// Clock stamps row update times. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the SQLite-backed client state. It is safe for concurrent
// use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) and migrates the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	if err := pool.Migrate(ctx, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("syncstore: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// RoomState summarizes what the store holds for one room.
type RoomState struct {
	RoomID       ref.RoomID
	Cursor       syncengine.Cursor
	CachedEvents int
	UpdatedAt    time.Time
}

// Rooms lists every room with stored state, ordered by room ID.
func (s *Store) Rooms(ctx context.Context) ([]RoomState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	defer s.pool.Put(conn)

	var rooms []RoomState
	err = sqlitex.Execute(conn, `
		SELECT rooms.room_id, rooms.cursor_token, rooms.cursor_sequence,
		       rooms.updated_at, COALESCE(timeline_cache.event_count, 0)
		FROM rooms
		LEFT JOIN timeline_cache USING (room_id)
		ORDER BY rooms.room_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				rooms = append(rooms, RoomState{
					RoomID: roomID,
					Cursor: syncengine.Cursor{
						Token:    stmt.ColumnText(1),
						Sequence: uint64(stmt.ColumnInt64(2)),
					},
					UpdatedAt:    time.UnixMilli(stmt.ColumnInt64(3)),
					CachedEvents: stmt.ColumnInt(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("syncstore: listing rooms: %w", err)
	}
	return rooms, nil
}

// Reset deletes all stored state. Used on logout, when cursors and
// undelivered messages belong to a session that no longer exists.
func (s *Store) Reset(ctx context.Context) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			DELETE FROM outbox;
			DELETE FROM timeline_cache;
			DELETE FROM rooms;
		`, nil)
	})
	if err != nil {
		return fmt.Errorf("syncstore: reset: %w", err)
	}
	s.logger.Info("sync state cleared")
	return nil
}

// ensureRoom inserts an empty rooms row if roomID has none.
func (s *Store) ensureRoom(conn *sqlite.Conn, roomID ref.RoomID) error {
	return sqlitex.Execute(conn, `
		INSERT INTO rooms (room_id, updated_at) VALUES (?, ?)
		ON CONFLICT (room_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), s.now()}})
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

// columnBlob copies column col of the current row.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	data := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, data)
	return data
}

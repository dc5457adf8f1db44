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
	"github.com/bureau-foundation/roomsync/lib/outbox"
)

// SaveEcho implements outbox.Persister.
func (s *Store) SaveEcho(ctx context.Context, record outbox.Record) error {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("syncstore: encoding echo %s: %w", record.LocalID, err)
	}
	frame, err := compress.Pack(encoded, compress.TagLZ4)
	if err != nil {
		return fmt.Errorf("syncstore: compressing echo %s: %w", record.LocalID, err)
	}

	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO outbox (local_id, room_id, created_at, record) VALUES (?, ?, ?, ?)
			ON CONFLICT (local_id) DO UPDATE SET record = excluded.record`,
			&sqlitex.ExecOptions{Args: []any{
				record.LocalID,
				record.RoomID.String(),
				record.CreatedAt.UnixMilli(),
				frame,
			}})
	})
	if err != nil {
		return fmt.Errorf("syncstore: saving echo %s: %w", record.LocalID, err)
	}
	return nil
}

// DeleteEcho implements outbox.Persister. Deleting an absent echo is
// not an error.
func (s *Store) DeleteEcho(ctx context.Context, localID string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM outbox WHERE local_id = ?",
			&sqlitex.ExecOptions{Args: []any{localID}})
	})
	if err != nil {
		return fmt.Errorf("syncstore: deleting echo %s: %w", localID, err)
	}
	return nil
}

// LoadEchoes implements outbox.Persister, returning records in the
// order they were created. A row that cannot be decoded is logged and
// skipped.
func (s *Store) LoadEchoes(ctx context.Context) ([]outbox.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	defer s.pool.Put(conn)

	var records []outbox.Record
	err = sqlitex.Execute(conn, "SELECT local_id, record FROM outbox ORDER BY created_at, local_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				localID := stmt.ColumnText(0)
				record, err := decodeRecord(columnBlob(stmt, 1))
				if err != nil {
					s.logger.Warn("skipping unreadable outbox record", "local_id", localID, "error", err)
					return nil
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("syncstore: loading echoes: %w", err)
	}
	return records, nil
}

func decodeRecord(frame []byte) (outbox.Record, error) {
	var record outbox.Record
	encoded, err := compress.Unpack(frame)
	if err != nil {
		return record, err
	}
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return record, err
	}
	return record, nil
}

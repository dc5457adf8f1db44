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
)

// Blob describes one stored blob for debugging.
type Blob struct {
	// Table is "outbox" or "timeline_cache".
	Table string
	// Key is the row's local ID or room ID.
	Key         string
	Compression compress.Tag
	StoredBytes int
	RawBytes    int
	// Notation is the decoded CBOR in diagnostic notation. Empty if
	// the blob could not be decoded; Error says why.
	Notation string
	Error    string
}

// Inspect decodes every stored blob.
func (s *Store) Inspect(ctx context.Context) ([]Blob, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	defer s.pool.Put(conn)

	var blobs []Blob
	err = sqlitex.Execute(conn, `
		SELECT 'outbox', local_id, record FROM outbox
		UNION ALL
		SELECT 'timeline_cache', room_id, events FROM timeline_cache
		ORDER BY 1, 2`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blobs = append(blobs, inspectBlob(stmt.ColumnText(0), stmt.ColumnText(1), columnBlob(stmt, 2)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("syncstore: inspecting blobs: %w", err)
	}
	return blobs, nil
}

func inspectBlob(table, key string, frame []byte) Blob {
	blob := Blob{Table: table, Key: key, StoredBytes: len(frame)}
	tag, err := compress.FrameTag(frame)
	if err != nil {
		blob.Error = err.Error()
		return blob
	}
	blob.Compression = tag

	encoded, err := compress.Unpack(frame)
	if err != nil {
		blob.Error = err.Error()
		return blob
	}
	blob.RawBytes = len(encoded)

	notation, err := codec.Diagnose(encoded)
	if err != nil {
		blob.Error = err.Error()
		return blob
	}
	blob.Notation = notation
	return blob
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database roomsync keeps its local
// state in. It wraps zombiezen.com/go/sqlite's sqlitex.Pool with a
// fixed set of pragmas and a user_version based schema migrator.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. A connection is not safe for concurrent use. Multi-statement
// writes go through [Pool.Write], which holds an IMMEDIATE transaction.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=NORMAL: commits survive a process crash. The homeserver
//     is the source of truth for everything except the outbox, and an
//     outbox row lost to a power failure is a message the user sees
//     failing to appear, not corruption.
//   - busy_timeout=5000: wait for the write lock instead of failing.
//   - foreign_keys=ON: cached timelines reference their room row and
//     go away with it.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(stateDir, "roomsync.db"),
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//	if err := pool.Migrate(ctx, migrations); err != nil {
//	    return err
//	}
package sqlitepool

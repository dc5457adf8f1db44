// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncstore is the client's on-disk state: one SQLite database
// holding sync cursors, undelivered outbox echoes and a cache of each
// room's recent timeline.
//
// [Store] implements [syncengine.CursorStore] and [outbox.Persister],
// so a coordinator can hand the same value to every engine and to the
// delivery queue. Cursor saves are monotonic: the upsert only replaces
// a row whose sequence is lower, and a stale save reports
// [syncengine.ErrStaleCursor].
//
// Outbox records and cached timelines are stored as CBOR blobs framed
// by [compress]. Outbox rows are small and rewritten on every state
// change, so they use LZ4; timeline caches are larger and written
// rarely, so they use zstd. [Store.Inspect] decodes every blob to CBOR
// diagnostic notation for debugging.
package syncstore

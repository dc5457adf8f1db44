// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline holds the ordered, deduplicated per-room event list
// that UI layers read.
//
// Each [Timeline] publishes an immutable [Snapshot] through an atomic
// pointer. Writers (the sync engine merging server events, the outbox
// appending and reconciling local echoes) serialize on a per-room
// mutex and swap in a new snapshot; readers load the current one and
// never block.
//
// Confirmed events are ordered by server timestamp, ties keeping
// arrival order, and are unique by event ID. A merge only inserts: it
// never moves an event already delivered. Local echoes live after the
// confirmed events until [Timeline.Reconcile] replaces one with its
// server-confirmed counterpart.
package timeline

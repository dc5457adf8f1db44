// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine pulls one room's events from the homeserver into
// its [timeline.Timeline].
//
// An [Engine] owns a per-room /sync stream: each request carries an
// inline filter naming only that room, and the stream's next_batch
// token is the room's [Cursor]. A [Engine.Step] fetches one delta,
// hands it to the [Reconciler] (the outbox, which consumes events that
// confirm local echoes), merges the rest, persists the new cursor and
// only then advances the in-memory cursor. A failure anywhere leaves
// the cursor where it was; re-fetching from it is harmless because
// merges deduplicate by event ID.
//
// [Engine.Run] loops Steps with long-polling. Network errors back off
// exponentially on the injected clock and reset on success. An auth
// error, or a permanent error from the homeserver, stops the loop.
package syncengine

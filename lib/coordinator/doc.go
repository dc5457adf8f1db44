// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator is the consumer-facing side of roomsync. A
// [Coordinator] owns one transport session, a sync engine per room, the
// outbound delivery queue and the room timelines, and tells
// subscribers when any of them changes.
//
// Consumers read timelines through [Coordinator.Timeline] snapshots and
// write through the Enqueue methods. Notifications delivered through a
// [Subscription] are hints to re-read a snapshot: a slow subscriber
// loses notifications rather than stalling sync, and learns that it
// did from [Subscription.Missed].
//
// Lifecycle:
//
//	c, err := coordinator.New(config)
//	...
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close()
//
// [Coordinator.Logout] ends the server session and clears persisted
// state; [Coordinator.Close] stops everything but keeps cursors,
// undelivered messages and timeline caches for the next Start.
package coordinator

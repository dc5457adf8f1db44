// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox delivers locally composed messages with optimistic
// local echoes.
//
// [Queue.Enqueue] appends a pending echo to the room's timeline and
// returns at once; a goroutine per echo uploads any media, then sends
// the event with a transaction ID fixed at enqueue time, so a retry
// after an ambiguous failure cannot duplicate the message. Transient
// failures retry on an exponential schedule up to a bounded number of
// attempts; anything else fails the echo immediately and is reported as
// a [*DeliveryFailure].
//
// An echo leaves the queue exactly once: reconciled by its send
// acknowledgment, reconciled by sync ([Queue.Reconcile]) when the
// confirming event arrives first, discarded, or never (failed echoes
// stay visible until retried or discarded). Whichever path removes the
// echo from the queue first owns the timeline update; the other finds
// nothing to do.
package outbox

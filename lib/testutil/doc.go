// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests of asynchronous code (sync loops, delivery
// goroutines, notification fan-out) do not each carry their own
// time.After. [Eventually] polls a condition for state that is not
// signalled on a channel, such as a timeline snapshot catching up.
// These are the only places tests use wall-clock timeouts; scheduling
// under test runs on lib/clock's fake clock.
//
// [UniqueID] generates distinguishable message bodies and transaction
// IDs.
//
// All helpers call t.Fatalf on failure.
package testutil

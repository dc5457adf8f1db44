// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that schedule work (sync backoff, delivery retries) take a
// Clock instead of calling the time package directly. Production code
// passes Real(); tests pass Fake() and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker.Run(ctx) // registers a backoff timer
//	c.WaitForTimers(1)
//	c.Advance(2 * time.Second)
//
// WaitForTimers removes the race between a goroutine registering a
// timer and the test advancing past it.
package clock

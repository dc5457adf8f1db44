// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes exponential retry delays and waits them out
// on a [clock.Clock], so retry loops run under a fake clock in tests.
package backoff

import (
	"context"
	"time"

	"github.com/bureau-foundation/roomsync/lib/clock"
)

// Policy is an exponential backoff schedule: Initial, then multiplied
// by Multiplier after each failure, capped at Max.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// MaxAttempts bounds the total number of attempts (the first try
	// included). Zero means unbounded.
	MaxAttempts int
}

// Sync is the schedule for the /sync long-poll loop: 1s doubling to
// 30s, retrying forever.
var Sync = Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}

// Delivery is the schedule for outbound messages: three attempts with
// 1s and 2s between them.
var Delivery = Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 3}

// Delay returns how long to wait after the failed attempt numbered
// attempt (1 for the first try).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := p.Initial
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted reports whether no attempt may follow attempt.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Wait blocks for d on clk. It returns ctx.Err() if ctx ends first.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

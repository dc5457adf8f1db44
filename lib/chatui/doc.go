// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui is the interactive terminal view behind "roomsync
// chat". It renders one room's timeline (confirmed events followed by
// local echoes) in a scrollable viewport, composes messages in a
// textarea, and re-reads the timeline snapshot whenever the
// coordinator signals a change. Notifications only trigger redraws;
// the snapshot is always what gets rendered.
//
// Keys: enter sends, alt+enter inserts a newline, tab switches room,
// ctrl+k opens a fuzzy room finder, pgup/pgdown scroll (scrolling past the top loads older history),
// ctrl+r retries and ctrl+x discards the newest failed message, esc or
// ctrl+c quits.
package chatui

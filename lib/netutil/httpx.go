// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body reads and network error
// classification.
//
// ReadResponse bounds JSON API body reads at MaxResponseSize so a
// misbehaving homeserver cannot exhaust memory. IsConnectionError
// separates "the request never got an answer" from errors that carry a
// server response.
package netutil

import (
	"io"
	"unicode/utf8"
)

// MaxResponseSize bounds JSON API response reads: 64 MB. A /sync
// response with a large timeline limit is far below this.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// Truncate shortens s to at most limit bytes on a rune boundary,
// appending "..." when anything was cut. Used for error messages that
// quote response bodies.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

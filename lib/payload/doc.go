// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload defines the content carried by a timeline event: a
// tagged variant of text, audio or other media, plus a catch-all for
// event types the client only displays.
//
// [Payload.Content] renders the m.room.message content sent to the
// homeserver (markdown text gains an org.matrix.custom.html
// formatted_body); [FromContent] is the inverse for events arriving via
// sync. [Payload.Fingerprint] hashes the parts of a payload that survive
// the round trip, which lets a local echo be matched to its
// server-confirmed event when no transaction ID comes back.
package payload

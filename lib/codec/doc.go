// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for everything roomsync
// keeps on disk: sync cursors, queued outbound messages, and cached
// room timelines.
//
// JSON stays on the wire (the Matrix Client-Server API) and in CLI
// output. CBOR is for local state only, where compact deterministic
// bytes matter more than readability.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever stored locally. Examples:
//     outbox records and cached timeline events.
//   - `json` tag: the type also crosses a JSON boundary (Matrix
//     content, CLI output). fxamacker/cbor falls back to `json` tags
//     when `cbor` tags are absent, so one tag names the field for both
//     formats. Example: message payloads.
//
// Never put both tags on the same field.
package codec

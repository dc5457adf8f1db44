// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated Matrix identifier types.
//
// Identifiers arrive as strings from the homeserver, configuration and
// command-line flags. They are parsed into these types at the boundary
// so that a room ID cannot be passed where a user ID is expected, and
// so that malformed identifiers are rejected before they reach a
// request path.
//
// All types are immutable values. The zero value means "unset" and is
// reported by IsZero. Each type implements encoding.TextMarshaler and
// encoding.TextUnmarshaler, so it can be used directly in JSON, CBOR and
// YAML structures.
package ref

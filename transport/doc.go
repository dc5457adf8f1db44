// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport maintains the authenticated connection to a Matrix
// homeserver that the sync engine and the outbound delivery queue share.
//
// A [Session] is created once per login. Connect authenticates, either
// with a password or by restoring a stored access token, and verifies
// the token with /account/whoami. After that, Send, Sync, RoomMessages
// and UploadMedia are bound to the session lifetime: Disconnect cancels
// every request still in flight, waits for them to return, drops pooled
// connections and releases the token memory. Disconnect is idempotent,
// and every call after it fails with [ErrDisconnected].
//
// Failures are classified at this boundary:
//
//   - [*NetworkError]: the request did not get a usable answer
//     (connection refused or reset, timeout, HTTP 429, HTTP 5xx).
//     Retrying later may succeed.
//   - [*AuthError]: the homeserver rejected the access token
//     (M_UNKNOWN_TOKEN, M_MISSING_TOKEN, HTTP 401). Fatal until the user
//     logs in again; the session state becomes [AuthFailed].
//   - anything else is returned wrapped and is permanent for that request
//     (e.g. M_FORBIDDEN when sending to a room the user left).
package transport

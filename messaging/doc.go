// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API a
// chat client needs to stay in sync with its rooms and deliver messages.
//
// [Client] is unauthenticated: it holds the homeserver URL and the HTTP
// transport, checks server versions, and logs in. Login (or
// [Client.SessionFromToken] for a stored token) yields a
// [DirectSession], which performs authenticated calls: whoami, /sync
// long-polling, idempotent event sends keyed by a caller-chosen
// transaction ID, /messages pagination, media upload and logout.
//
// The access token lives in a secret.Buffer. Call DirectSession.Close
// to release it.
//
// Every non-2xx response is returned as a [*MatrixError] carrying the
// Matrix errcode and HTTP status. [IsAuthError] and [IsTransient]
// classify errors for callers that decide between re-login, retry and
// giving up. Request URLs are built by string concatenation with
// url.PathEscape on each segment, which avoids url.URL re-encoding
// already escaped room IDs.
package messaging

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds access tokens and passwords outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes, unlocks and
// unmaps it. The transport session keeps its access token in a Buffer
// for the lifetime of the connection and closes it on disconnect, so a
// logged-out token does not linger in process memory.
//
// Depends on golang.org/x/sys/unix.
package secret

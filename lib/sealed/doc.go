// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small files with age so that the CLI's saved
// Matrix session (user ID, device ID, access token) never sits on disk
// in plaintext.
//
// A local x25519 [Identity] is generated on first login and written
// next to the state database with mode 0600. [Seal] encrypts to one or
// more age recipients and produces ASCII-armored ciphertext; [Open]
// decrypts with an identity and returns the plaintext in a
// [secret.Buffer].
//
// Depends on lib/secret for locked memory.
package sealed

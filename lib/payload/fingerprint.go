// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// fingerprintKey domain-separates echo fingerprints from any other
// BLAKE3 use. Exactly 32 bytes.
var fingerprintKey = [32]byte([]byte("roomsync.echo-fingerprint.v1...."))

// Fingerprint identifies what a user sent to a room, independent of
// delivery details: room, sender, msgtype, body, and for media the file
// name and size. The mxc:// URI is excluded because a local echo may not
// have one yet.
type Fingerprint [32]byte

// String returns the hex encoding.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Fingerprint computes the payload's fingerprint as sent by sender to
// roomID.
func (p Payload) Fingerprint(roomID ref.RoomID, sender ref.UserID) Fingerprint {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("payload: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	writeField := func(value string) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(value)))
		hasher.Write(length[:])
		hasher.Write([]byte(value))
	}

	writeField(roomID.String())
	writeField(sender.String())
	writeField(p.MsgType)
	writeField(p.Body)
	if p.Media != nil {
		writeField(p.Media.Filename)
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(p.Media.Size))
		hasher.Write(size[:])
	}

	var fingerprint Fingerprint
	copy(fingerprint[:], hasher.Sum(nil))
	return fingerprint
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// State is the connection state reported to consumers.
type State int32

const (
	// Disconnected: never connected, or Disconnect was called.
	Disconnected State = iota
	// Connecting: Connect is authenticating.
	Connecting
	// Connected: the last request reached the homeserver.
	Connected
	// Offline: the last request failed with a network error. The
	// session is still usable and returns to Connected on the next
	// successful request.
	Offline
	// AuthFailed: the homeserver rejected the access token.
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Offline:
		return "offline"
	case AuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

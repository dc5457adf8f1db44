// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a validated Matrix event ID (e.g., "$abc123xyz").
//
// Modern room versions use "$base64hash" with no server suffix; older
// ones use "$opaque:server". Both are accepted: the ID is opaque beyond
// its '$' sigil.
type EventID struct {
	id string
}

// ParseEventID validates a raw event ID.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	}
	if len(raw) < 2 {
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the full event ID.
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is unset. Local echoes carry a
// zero EventID until the homeserver acknowledges them.
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) { return marshalID(e.id) }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// EventType identifies a Matrix event type ("m.room.message").
// Event types are opaque, so this is a named string rather than a
// validated struct.
type EventType string

// String returns the event type string.
func (t EventType) String() string { return string(t) }

// Event types this module reads and writes.
const (
	EventTypeMessage   EventType = "m.room.message"
	EventTypeRedaction EventType = "m.room.redaction"
	EventTypeMember    EventType = "m.room.member"
	EventTypeName      EventType = "m.room.name"
	EventTypeTopic     EventType = "m.room.topic"
)

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// RoomFilter narrows a /sync stream to one room.
type RoomFilter struct {
	// TimelineTypes restricts timeline events to these types. Empty
	// means all types.
	TimelineTypes []string `json:"types,omitempty"`
	// TimelineLimit caps the timeline events returned per response.
	// Zero uses the server default.
	TimelineLimit int `json:"limit,omitempty"`
	// ExcludeState suppresses the room state section.
	ExcludeState bool `json:"exclude_state,omitempty"`
	// LazyLoadMembers asks for only the member events relevant to the
	// returned timeline.
	LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
}

// InlineFilter renders the filter as the JSON accepted by the /sync and
// /messages "filter" query parameter. Presence and account data are
// always excluded; the room list is always exactly roomID.
func (f RoomFilter) InlineFilter(roomID ref.RoomID) string {
	timeline := map[string]any{}
	if len(f.TimelineTypes) > 0 {
		timeline["types"] = f.TimelineTypes
	}
	if f.TimelineLimit > 0 {
		timeline["limit"] = f.TimelineLimit
	}

	room := map[string]any{
		"rooms":        []string{roomID.String()},
		"account_data": map[string]any{"types": []string{}},
		"ephemeral":    map[string]any{"types": []string{}},
	}
	if len(timeline) > 0 {
		room["timeline"] = timeline
	}
	switch {
	case f.ExcludeState:
		room["state"] = map[string]any{"types": []string{}}
	case f.LazyLoadMembers:
		room["state"] = map[string]any{"lazy_load_members": true}
	}

	top := map[string]any{
		"room":         room,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}

// EventFilter renders the RoomEventFilter accepted by /messages.
func (f RoomFilter) EventFilter() string {
	filter := map[string]any{}
	if len(f.TimelineTypes) > 0 {
		filter["types"] = f.TimelineTypes
	}
	if f.LazyLoadMembers {
		filter["lazy_load_members"] = true
	}
	if len(filter) == 0 {
		return ""
	}
	data, _ := json.Marshal(filter)
	return string(data)
}

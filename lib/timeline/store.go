// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"slices"
	"sync"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// Store holds one Timeline per room, created on first use.
type Store struct {
	onChange func(ref.RoomID)

	mu    sync.RWMutex
	rooms map[ref.RoomID]*Timeline
}

// NewStore creates an empty store. onChange, if non-nil, is called
// with the room ID after any timeline in the store changes.
func NewStore(onChange func(ref.RoomID)) *Store {
	return &Store{
		onChange: onChange,
		rooms:    make(map[ref.RoomID]*Timeline),
	}
}

// Room returns the timeline for roomID, creating it if needed.
func (s *Store) Room(roomID ref.RoomID) *Timeline {
	s.mu.RLock()
	timeline, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return timeline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timeline, ok := s.rooms[roomID]; ok {
		return timeline
	}
	timeline = New(roomID, s.onChange)
	s.rooms[roomID] = timeline
	return timeline
}

// Lookup returns the timeline for roomID without creating one.
func (s *Store) Lookup(roomID ref.RoomID) (*Timeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timeline, ok := s.rooms[roomID]
	return timeline, ok
}

// Snapshot returns the current snapshot of roomID's timeline, or an
// empty snapshot if the room has none.
func (s *Store) Snapshot(roomID ref.RoomID) *Snapshot {
	if timeline, ok := s.Lookup(roomID); ok {
		return timeline.Snapshot()
	}
	return &Snapshot{roomID: roomID}
}

// Rooms returns the IDs of every room with a timeline, sorted.
func (s *Store) Rooms() []ref.RoomID {
	s.mu.RLock()
	rooms := make([]ref.RoomID, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	s.mu.RUnlock()
	slices.SortFunc(rooms, func(a, b ref.RoomID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})
	return rooms
}

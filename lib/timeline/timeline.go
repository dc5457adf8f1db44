// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// Snapshot is an immutable view of one room's timeline.
type Snapshot struct {
	roomID  ref.RoomID
	version uint64
	events  []Event
	echoes  []Event
}

// RoomID returns the room the snapshot belongs to.
func (s *Snapshot) RoomID() ref.RoomID { return s.roomID }

// Version increases with every change to the timeline.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of confirmed events.
func (s *Snapshot) Len() int { return len(s.events) }

// Events returns the confirmed events in timeline order.
func (s *Snapshot) Events() []Event { return slices.Clone(s.events) }

// Echoes returns the local echoes in enqueue order.
func (s *Snapshot) Echoes() []Event { return slices.Clone(s.echoes) }

// All returns confirmed events followed by local echoes: the order a
// UI displays them.
func (s *Snapshot) All() []Event {
	all := make([]Event, 0, len(s.events)+len(s.echoes))
	all = append(all, s.events...)
	return append(all, s.echoes...)
}

// Get returns the confirmed event with the given ID.
func (s *Snapshot) Get(id ref.EventID) (Event, bool) {
	if index := indexByID(s.events, id); index >= 0 {
		return s.events[index], true
	}
	return Event{}, false
}

// Echo returns the local echo with the given local ID.
func (s *Snapshot) Echo(localID string) (Event, bool) {
	if index := indexByLocalID(s.echoes, localID); index >= 0 {
		return s.echoes[index], true
	}
	return Event{}, false
}

// Timeline is one room's event list.
type Timeline struct {
	roomID   ref.RoomID
	onChange func(ref.RoomID)

	// mu serializes writers. ids is the dedup set for confirmed
	// events; it is only touched under mu.
	mu  sync.Mutex
	ids map[ref.EventID]struct{}

	current atomic.Pointer[Snapshot]
}

// New creates an empty timeline. onChange, if non-nil, is called after
// every change, outside the write lock.
func New(roomID ref.RoomID, onChange func(ref.RoomID)) *Timeline {
	timeline := &Timeline{
		roomID:   roomID,
		onChange: onChange,
		ids:      make(map[ref.EventID]struct{}),
	}
	timeline.current.Store(&Snapshot{roomID: roomID})
	return timeline
}

// RoomID returns the timeline's room.
func (t *Timeline) RoomID() ref.RoomID { return t.roomID }

// Snapshot returns the current immutable view.
func (t *Timeline) Snapshot() *Snapshot { return t.current.Load() }

// Append inserts one confirmed event. It returns false when the event
// is already present.
func (t *Timeline) Append(event Event) bool {
	return t.Merge([]Event{event}) == 1
}

// Merge inserts confirmed events in timestamp order and returns how
// many were new. Events already present are skipped, except that a
// provisional event is updated in place with the server's copy; it
// keeps its position, and later inserts sort against the time it was
// placed at rather than the server's timestamp. Local
// echoes and events without an ID are ignored.
func (t *Timeline) Merge(events []Event) int {
	t.mu.Lock()
	previous := t.current.Load()
	merged := previous.events
	cloned := false
	inserted, updated := 0, 0

	for _, event := range events {
		if event.Echo || event.ID.IsZero() {
			continue
		}
		event.RoomID = t.roomID
		if !cloned {
			merged = slices.Clone(merged)
			cloned = true
		}
		if _, exists := t.ids[event.ID]; exists {
			index := indexByID(merged, event.ID)
			if index >= 0 && merged[index].Provisional && !event.Provisional {
				event.position = merged[index].orderKey()
				merged[index] = event
				updated++
			}
			continue
		}
		merged = insertOrdered(merged, event)
		t.ids[event.ID] = struct{}{}
		inserted++
	}

	if inserted == 0 && updated == 0 {
		t.mu.Unlock()
		return 0
	}
	t.publishLocked(previous, merged, previous.echoes)
	t.mu.Unlock()
	t.notify()
	return inserted
}

// AppendEcho adds a local echo at the tail.
func (t *Timeline) AppendEcho(echo Event) error {
	if !echo.Echo || echo.LocalID == "" {
		return errors.New("timeline: AppendEcho requires an echo with a local ID")
	}
	echo.RoomID = t.roomID

	t.mu.Lock()
	previous := t.current.Load()
	if indexByLocalID(previous.echoes, echo.LocalID) >= 0 {
		t.mu.Unlock()
		return fmt.Errorf("timeline: echo %s already present", echo.LocalID)
	}
	echoes := append(slices.Clone(previous.echoes), echo)
	t.publishLocked(previous, previous.events, echoes)
	t.mu.Unlock()
	t.notify()
	return nil
}

// UpdateEcho sets the delivery state of a local echo. failure is
// recorded for EchoFailed and cleared otherwise. It returns false if
// the echo is gone (reconciled or discarded).
func (t *Timeline) UpdateEcho(localID string, state EchoState, failure string) bool {
	t.mu.Lock()
	previous := t.current.Load()
	index := indexByLocalID(previous.echoes, localID)
	if index < 0 {
		t.mu.Unlock()
		return false
	}
	if state != EchoFailed {
		failure = ""
	}
	echo := previous.echoes[index]
	if echo.EchoState == state && echo.Error == failure {
		t.mu.Unlock()
		return true
	}
	echo.EchoState = state
	echo.Error = failure
	echoes := slices.Clone(previous.echoes)
	echoes[index] = echo
	t.publishLocked(previous, previous.events, echoes)
	t.mu.Unlock()
	t.notify()
	return true
}

// Reconcile replaces the local echo localID with the confirmed event.
// If the event is already in the timeline the echo is simply dropped,
// so exactly one copy remains either way. It returns false, changing
// nothing, when the echo is gone.
func (t *Timeline) Reconcile(localID string, confirmed Event) bool {
	if confirmed.ID.IsZero() {
		return false
	}
	confirmed.Echo = false
	confirmed.EchoState = EchoPending
	confirmed.Error = ""
	confirmed.RoomID = t.roomID

	t.mu.Lock()
	previous := t.current.Load()
	index := indexByLocalID(previous.echoes, localID)
	if index < 0 {
		t.mu.Unlock()
		return false
	}
	echoes := slices.Delete(slices.Clone(previous.echoes), index, index+1)
	events := previous.events
	if _, exists := t.ids[confirmed.ID]; !exists {
		events = insertOrdered(slices.Clone(events), confirmed)
		t.ids[confirmed.ID] = struct{}{}
	}
	t.publishLocked(previous, events, echoes)
	t.mu.Unlock()
	t.notify()
	return true
}

// RemoveEcho drops a local echo. It returns false if it was not
// present.
func (t *Timeline) RemoveEcho(localID string) bool {
	t.mu.Lock()
	previous := t.current.Load()
	index := indexByLocalID(previous.echoes, localID)
	if index < 0 {
		t.mu.Unlock()
		return false
	}
	echoes := slices.Delete(slices.Clone(previous.echoes), index, index+1)
	t.publishLocked(previous, previous.events, echoes)
	t.mu.Unlock()
	t.notify()
	return true
}

func (t *Timeline) publishLocked(previous *Snapshot, events, echoes []Event) {
	t.current.Store(&Snapshot{
		roomID:  t.roomID,
		version: previous.version + 1,
		events:  events,
		echoes:  echoes,
	})
}

func (t *Timeline) notify() {
	if t.onChange != nil {
		t.onChange(t.roomID)
	}
}

// insertOrdered places event after every event whose order key is not
// later than its own. events must be owned by the caller.
func insertOrdered(events []Event, event Event) []Event {
	key := event.orderKey()
	position := sort.Search(len(events), func(i int) bool {
		return events[i].orderKey().After(key)
	})
	return slices.Insert(events, position, event)
}

// indexByID searches from the end; lookups are almost always for
// recent events.
func indexByID(events []Event, id ref.EventID) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByLocalID(echoes []Event, localID string) int {
	for i := range echoes {
		if echoes[i].LocalID == localID {
			return i
		}
	}
	return -1
}

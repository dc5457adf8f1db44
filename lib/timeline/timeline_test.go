// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
)

var (
	testRoom  = ref.MustParseRoomID("!room:test.local")
	testAlice = ref.MustParseUserID("@alice:test.local")
	testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func confirmed(id string, offset time.Duration, body string) Event {
	return Event{
		ID:        ref.MustParseEventID(id),
		Sender:    testAlice,
		Type:      ref.EventTypeMessage,
		Payload:   payload.Text(body),
		Timestamp: testEpoch.Add(offset),
	}
}

func echo(localID, body string) Event {
	return Event{
		Echo:      true,
		LocalID:   localID,
		TxnID:     "txn-" + localID,
		Sender:    testAlice,
		Type:      ref.EventTypeMessage,
		Payload:   payload.Text(body),
		Timestamp: testEpoch.Add(time.Hour),
	}
}

func ids(events []Event) []string {
	keys := make([]string, len(events))
	for i, event := range events {
		keys[i] = event.Key()
	}
	return keys
}

func assertOrder(t *testing.T, events []Event, want ...string) {
	t.Helper()
	got := ids(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("timeline order = %v, want %v", got, want)
	}
}

func TestMergeInsertsBetweenDeliveredEvents(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	if n := timeline.Merge([]Event{
		confirmed("$e1", 1*time.Second, "one"),
		confirmed("$e3", 3*time.Second, "three"),
	}); n != 2 {
		t.Fatalf("first merge inserted %d, want 2", n)
	}
	if n := timeline.Merge([]Event{confirmed("$e2", 2*time.Second, "two")}); n != 1 {
		t.Fatalf("second merge inserted %d, want 1", n)
	}

	assertOrder(t, timeline.Snapshot().Events(), "$e1", "$e2", "$e3")
}

func TestMergeTiesKeepArrivalOrder(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	timeline.Merge([]Event{confirmed("$b", time.Second, "b"), confirmed("$a", time.Second, "a")})
	timeline.Merge([]Event{confirmed("$c", time.Second, "c")})

	assertOrder(t, timeline.Snapshot().Events(), "$b", "$a", "$c")
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	batch := []Event{
		confirmed("$e1", 1*time.Second, "one"),
		confirmed("$e2", 2*time.Second, "two"),
	}
	timeline := New(testRoom, nil)
	timeline.Merge(batch)
	before := timeline.Snapshot()

	if n := timeline.Merge(batch); n != 0 {
		t.Fatalf("re-merge inserted %d, want 0", n)
	}
	after := timeline.Snapshot()
	if after != before {
		t.Error("re-merging an identical batch published a new snapshot")
	}
	assertOrder(t, after.Events(), "$e1", "$e2")
}

func TestMergeNeverDuplicates(t *testing.T) {
	t.Parallel()

	random := rand.New(rand.NewPCG(1, 2))
	timeline := New(testRoom, nil)
	for round := 0; round < 200; round++ {
		batch := make([]Event, random.IntN(8))
		for i := range batch {
			n := random.IntN(50)
			batch[i] = confirmed(fmt.Sprintf("$e%d", n), time.Duration(random.IntN(20))*time.Second, "x")
		}
		timeline.Merge(batch)
	}

	seen := make(map[ref.EventID]bool)
	events := timeline.Snapshot().Events()
	for i, event := range events {
		if seen[event.ID] {
			t.Fatalf("duplicate event %s", event.ID)
		}
		seen[event.ID] = true
		if i > 0 && event.Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("event %s at %v precedes %s at %v", event.ID, event.Timestamp, events[i-1].ID, events[i-1].Timestamp)
		}
	}
}

func TestMergeSkipsEchoesAndUnidentified(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	if n := timeline.Merge([]Event{echo("l1", "hi"), {Timestamp: testEpoch}}); n != 0 {
		t.Fatalf("Merge inserted %d, want 0", n)
	}
	if timeline.Snapshot().Version() != 0 {
		t.Error("no-op merge changed the version")
	}
}

func TestMergeUpdatesProvisionalInPlace(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	timeline.Merge([]Event{confirmed("$e1", 1*time.Second, "one")})

	provisional := confirmed("$mine", 2*time.Second, "hi")
	provisional.Provisional = true
	timeline.Merge([]Event{provisional})
	timeline.Merge([]Event{confirmed("$e3", 3*time.Second, "three")})

	server := confirmed("$mine", 5*time.Second, "hi")
	if n := timeline.Merge([]Event{server}); n != 0 {
		t.Fatalf("update counted as insert: %d", n)
	}

	snapshot := timeline.Snapshot()
	assertOrder(t, snapshot.Events(), "$e1", "$mine", "$e3")
	got, _ := snapshot.Get(ref.MustParseEventID("$mine"))
	if got.Provisional || !got.Timestamp.Equal(testEpoch.Add(5*time.Second)) {
		t.Errorf("provisional event not updated: %+v", got)
	}

	// A confirmed event is not overwritten by another copy.
	timeline.Merge([]Event{confirmed("$mine", 9*time.Second, "hi")})
	got, _ = timeline.Snapshot().Get(ref.MustParseEventID("$mine"))
	if !got.Timestamp.Equal(testEpoch.Add(5 * time.Second)) {
		t.Errorf("confirmed event overwritten: %v", got.Timestamp)
	}
}

func TestMergeAfterProvisionalWithEarlierServerTime(t *testing.T) {
	t.Parallel()

	// The local clock ran ahead of the server: the provisional copy was
	// placed at 10s, the server stamped it 1s.
	timeline := New(testRoom, nil)
	provisional := confirmed("$own", 10*time.Second, "mine")
	provisional.Provisional = true
	timeline.Merge([]Event{provisional})
	timeline.Merge([]Event{confirmed("$bob", 5*time.Second, "bob")})
	timeline.Merge([]Event{confirmed("$own", 1*time.Second, "mine")})
	assertOrder(t, timeline.Snapshot().Events(), "$bob", "$own")

	timeline.Merge([]Event{confirmed("$carol", 3*time.Second, "carol")})
	timeline.Merge([]Event{confirmed("$dave", 7*time.Second, "dave")})
	timeline.Merge([]Event{confirmed("$erin", 11*time.Second, "erin")})

	events := timeline.Snapshot().Events()
	assertOrder(t, events, "$carol", "$bob", "$dave", "$own", "$erin")
	for i := 1; i < len(events); i++ {
		if events[i].orderKey().Before(events[i-1].orderKey()) {
			t.Fatalf("order keys not monotonic at %d: %v", i, ids(events))
		}
	}
	got, _ := timeline.Snapshot().Get(ref.MustParseEventID("$own"))
	if got.Provisional || !got.Timestamp.Equal(testEpoch.Add(time.Second)) {
		t.Errorf("server copy not applied: %+v", got)
	}
}

func TestEchoLifecycle(t *testing.T) {
	t.Parallel()

	var changes atomic.Int32
	timeline := New(testRoom, func(ref.RoomID) { changes.Add(1) })
	timeline.Merge([]Event{confirmed("$e1", time.Second, "one")})

	if err := timeline.AppendEcho(echo("l1", "hi")); err != nil {
		t.Fatalf("AppendEcho: %v", err)
	}
	if err := timeline.AppendEcho(echo("l1", "again")); err == nil {
		t.Fatal("duplicate AppendEcho succeeded")
	}
	if err := timeline.AppendEcho(Event{LocalID: "x"}); err == nil {
		t.Fatal("AppendEcho accepted a non-echo")
	}

	// Echoes stay at the tail even when later events arrive.
	timeline.Merge([]Event{confirmed("$e2", 2*time.Second, "two")})
	assertOrder(t, timeline.Snapshot().All(), "$e1", "$e2", "local:l1")

	if !timeline.UpdateEcho("l1", EchoFailed, "offline") {
		t.Fatal("UpdateEcho returned false")
	}
	failed, _ := timeline.Snapshot().Echo("l1")
	if failed.EchoState != EchoFailed || failed.Error != "offline" {
		t.Errorf("echo after failure = %+v", failed)
	}
	timeline.UpdateEcho("l1", EchoPending, "ignored")
	pending, _ := timeline.Snapshot().Echo("l1")
	if pending.Error != "" {
		t.Errorf("pending echo kept error %q", pending.Error)
	}

	result := confirmed("$mine", time.Hour, "hi")
	if !timeline.Reconcile("l1", result) {
		t.Fatal("Reconcile returned false")
	}
	if timeline.Reconcile("l1", result) {
		t.Fatal("second Reconcile returned true")
	}
	snapshot := timeline.Snapshot()
	assertOrder(t, snapshot.All(), "$e1", "$e2", "$mine")
	if len(snapshot.Echoes()) != 0 {
		t.Errorf("echoes remain: %v", ids(snapshot.Echoes()))
	}

	if timeline.UpdateEcho("l1", EchoSent, "") {
		t.Error("UpdateEcho on a reconciled echo returned true")
	}
	if got := changes.Load(); got != 6 {
		t.Errorf("change notifications = %d, want 6", got)
	}
}

func TestReconcileWhenEventAlreadyMerged(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	timeline.AppendEcho(echo("l1", "hi"))
	timeline.Merge([]Event{confirmed("$mine", time.Second, "hi")})

	if !timeline.Reconcile("l1", confirmed("$mine", 2*time.Second, "hi")) {
		t.Fatal("Reconcile returned false")
	}
	snapshot := timeline.Snapshot()
	assertOrder(t, snapshot.All(), "$mine")
}

func TestRemoveEcho(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	timeline.AppendEcho(echo("l1", "a"))
	timeline.AppendEcho(echo("l2", "b"))

	if !timeline.RemoveEcho("l1") {
		t.Fatal("RemoveEcho returned false")
	}
	if timeline.RemoveEcho("l1") {
		t.Fatal("second RemoveEcho returned true")
	}
	assertOrder(t, timeline.Snapshot().All(), "local:l2")
}

func TestSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	timeline.Merge([]Event{confirmed("$e1", time.Second, "one")})
	old := timeline.Snapshot()

	events := old.Events()
	events[0].Payload = payload.Text("mutated")
	timeline.Merge([]Event{confirmed("$e0", 0, "zero")})

	if old.Len() != 1 {
		t.Errorf("old snapshot grew to %d events", old.Len())
	}
	kept, _ := old.Get(ref.MustParseEventID("$e1"))
	if kept.Payload.Body != "one" {
		t.Errorf("old snapshot mutated through Events(): %q", kept.Payload.Body)
	}
}

func TestConcurrentReadersDuringMerges(t *testing.T) {
	t.Parallel()

	timeline := New(testRoom, nil)
	const writers, perWriter = 4, 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var readerErr atomic.Value

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastVersion uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snapshot := timeline.Snapshot()
				if snapshot.Version() < lastVersion {
					readerErr.Store(fmt.Sprintf("version went backwards: %d -> %d", lastVersion, snapshot.Version()))
					return
				}
				lastVersion = snapshot.Version()
				seen := make(map[ref.EventID]bool, snapshot.Len())
				for _, event := range snapshot.Events() {
					if seen[event.ID] {
						readerErr.Store("duplicate in snapshot: " + event.ID.String())
						return
					}
					seen[event.ID] = true
				}
			}
		}()
	}

	var writersDone sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersDone.Add(1)
		go func() {
			defer writersDone.Done()
			for i := 0; i < perWriter; i++ {
				// Writers overlap on IDs so dedup is exercised.
				id := fmt.Sprintf("$e%d", (w*perWriter/2)+i)
				timeline.Merge([]Event{confirmed(id, time.Duration(i)*time.Millisecond, "x")})
			}
		}()
	}
	writersDone.Wait()
	close(stop)
	wg.Wait()

	if message := readerErr.Load(); message != nil {
		t.Fatal(message)
	}
	want := (writers-1)*perWriter/2 + perWriter
	if got := timeline.Snapshot().Len(); got != want {
		t.Errorf("Len = %d, want %d", got, want)
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	var notified []ref.RoomID
	var mu sync.Mutex
	store := NewStore(func(roomID ref.RoomID) {
		mu.Lock()
		notified = append(notified, roomID)
		mu.Unlock()
	})

	roomB := ref.MustParseRoomID("!b:test.local")
	roomA := ref.MustParseRoomID("!a:test.local")
	if _, ok := store.Lookup(roomA); ok {
		t.Fatal("Lookup found a room before creation")
	}
	if store.Snapshot(roomA).Len() != 0 {
		t.Fatal("missing room snapshot not empty")
	}

	store.Room(roomB).Append(confirmed("$x", 0, "x"))
	store.Room(roomA).Append(confirmed("$y", 0, "y"))
	if store.Room(roomA) != store.Room(roomA) {
		t.Fatal("Room returned different timelines for the same room")
	}

	rooms := store.Rooms()
	if len(rooms) != 2 || rooms[0] != roomA || rooms[1] != roomB {
		t.Errorf("Rooms = %v, want [%s %s]", rooms, roomA, roomB)
	}
	if store.Snapshot(roomA).Len() != 1 {
		t.Error("room A snapshot missing its event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 || notified[0] != roomB || notified[1] != roomA {
		t.Errorf("notifications = %v", notified)
	}
}

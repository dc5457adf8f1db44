// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/lib/backoff"
	"github.com/bureau-foundation/roomsync/lib/matrixtest"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/syncstore"
	"github.com/bureau-foundation/roomsync/lib/testutil"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

const waitTimeout = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func textContent(body string) map[string]any {
	return map[string]any{"msgtype": "m.text", "body": body}
}

// newCoordinator builds an unstarted coordinator for userID with a
// fresh access token. The coordinator is closed when the test ends.
func newCoordinator(t *testing.T, homeserver *matrixtest.Homeserver, userID ref.UserID, configure func(*Config)) *Coordinator {
	t.Helper()
	token, deviceID := homeserver.IssueToken(userID)
	config := Config{
		Client: homeserver.Client(t),
		Credentials: transport.Credentials{
			UserID:      userID,
			DeviceID:    deviceID,
			AccessToken: token,
		},
		PollTimeout: 200 * time.Millisecond,
		Logger:      quietLogger(),
	}
	if configure != nil {
		configure(&config)
	}
	c, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func openStore(t *testing.T, path string) *syncstore.Store {
	t.Helper()
	store, err := syncstore.Open(context.Background(), syncstore.Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("syncstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// waitFor reads notifications until one of kind arrives.
func waitFor(t *testing.T, subscription *Subscription, kind Kind) Notification {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case notification, ok := <-subscription.C():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", kind)
			}
			if notification.Kind == kind {
				return notification
			}
		case <-deadline:
			t.Fatalf("no %s notification within %v", kind, waitTimeout)
		}
	}
}

func bodies(events []timeline.Event) []string {
	result := make([]string, len(events))
	for i, event := range events {
		result[i] = event.Payload.Body
	}
	return result
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted a config without a client")
	}
}

func TestStartSyncsJoinedRooms(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)
	homeserver.Post(room, bob, textContent("first"), time.Time{})
	homeserver.Post(room, bob, textContent("second"), time.Time{})

	c := newCoordinator(t, homeserver, alice, nil)
	subscription := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rooms := c.Rooms()
	if len(rooms) != 1 || rooms[0] != room {
		t.Fatalf("Rooms = %v, want [%s]", rooms, room)
	}
	if state := c.ConnectionState(); state != transport.Connected {
		t.Errorf("ConnectionState = %s, want connected", state)
	}

	notification := waitFor(t, subscription, TimelineChanged)
	if notification.RoomID != room {
		t.Errorf("timeline notification for %s, want %s", notification.RoomID, room)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return c.Timeline(room).Len() == 2
	}, "initial sync")
	got := bodies(c.Timeline(room).Events())
	if got[0] != "first" || got[1] != "second" {
		t.Errorf("timeline = %v", got)
	}
}

func TestEnqueueTextDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)

	c := newCoordinator(t, homeserver, alice, func(config *Config) {
		config.Rooms = []ref.RoomID{room}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	body := testutil.UniqueID("hello")
	localID, err := c.EnqueueText(room, body)
	if err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	if localID == "" {
		t.Fatal("EnqueueText returned an empty local ID")
	}

	testutil.Eventually(t, waitTimeout, func() bool {
		snapshot := c.Timeline(room)
		return snapshot.Len() == 1 && len(snapshot.Echoes()) == 0
	}, "echo reconciled")

	// Another message forces a sync that also carries the echo's event.
	homeserver.Post(room, bob, textContent("reply"), time.Time{})
	testutil.Eventually(t, waitTimeout, func() bool {
		return c.Timeline(room).Len() == 2
	}, "reply synced")

	events := c.Timeline(room).Events()
	if got := bodies(events); got[0] != body || got[1] != "reply" {
		t.Errorf("timeline = %v, want [%s reply]", got, body)
	}
	if events[0].Sender != alice || events[0].Echo {
		t.Errorf("delivered message = %+v", events[0])
	}
	sent := 0
	for _, event := range homeserver.Events(room) {
		if event.Sender == alice {
			sent++
		}
	}
	if sent != 1 {
		t.Errorf("homeserver holds %d messages from alice, want 1", sent)
	}
}

func TestDeliveryFailureNotifiesAndRetries(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	room := homeserver.CreateRoom(alice)

	c := newCoordinator(t, homeserver, alice, nil)
	subscription := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	homeserver.FailNext(matrixtest.EndpointSend, 1, http.StatusForbidden, messaging.ErrCodeForbidden)
	localID, err := c.EnqueueText(room, "denied")
	if err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}

	notification := waitFor(t, subscription, DeliveryFailed)
	if notification.Failure == nil || notification.Failure.LocalID != localID {
		t.Fatalf("failure notification = %+v, want local ID %s", notification, localID)
	}
	echo, ok := c.Timeline(room).Echo(localID)
	if !ok || echo.EchoState != timeline.EchoFailed {
		t.Fatalf("echo after failure = %+v (present %v)", echo, ok)
	}

	if err := c.Retry(localID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		snapshot := c.Timeline(room)
		return snapshot.Len() == 1 && len(snapshot.Echoes()) == 0
	}, "retried message delivered")
}

func TestAuthLossIsReported(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)

	c := newCoordinator(t, homeserver, alice, nil)
	subscription := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	homeserver.RevokeTokens()
	homeserver.Post(room, bob, textContent("wake the long poll"), time.Time{})

	waitFor(t, subscription, AuthLost)
	if state := c.ConnectionState(); state != transport.AuthFailed {
		t.Errorf("ConnectionState = %s, want auth_failed", state)
	}
}

func TestAuthLossStopsSyncAndDelivery(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	general := homeserver.CreateRoom(alice, bob)
	quiet := homeserver.CreateRoom(alice, bob)

	c := newCoordinator(t, homeserver, alice, nil)
	subscription := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	homeserver.RevokeTokens()
	homeserver.Post(general, bob, textContent("wake the long poll"), time.Time{})
	waitFor(t, subscription, AuthLost)

	testutil.Eventually(t, waitTimeout, func() bool {
		_, err := c.EnqueueText(quiet, "after revocation")
		return errors.Is(err, ErrAuthLost)
	}, "Enqueue still accepted after the token was rejected")
	if c.lifetime.Err() == nil {
		t.Error("sync loops still running after auth loss")
	}
	if _, err := c.Backfill(context.Background(), quiet, 10); !errors.Is(err, ErrAuthLost) {
		t.Errorf("Backfill after auth loss = %v, want ErrAuthLost", err)
	}
	if err := c.Retry("anything"); !errors.Is(err, ErrAuthLost) {
		t.Errorf("Retry after auth loss = %v, want ErrAuthLost", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close after auth loss: %v", err)
	}
	if _, err := c.EnqueueText(quiet, "after close"); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueueText after Close = %v, want ErrClosed", err)
	}
}

func TestCloseKeepsStateForNextStart(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)
	for i := range 3 {
		homeserver.Post(room, bob, textContent(fmt.Sprintf("message %d", i+1)), time.Time{})
	}
	store := openStore(t, filepath.Join(t.TempDir(), "roomsync.db"))

	first := newCoordinator(t, homeserver, alice, func(config *Config) { config.Store = store })
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return first.Timeline(room).Len() == 3
	}, "first sync")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rooms, err := store.Rooms(context.Background())
	if err != nil {
		t.Fatalf("store.Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Cursor.IsZero() || rooms[0].CachedEvents != 3 {
		t.Fatalf("stored state = %+v", rooms)
	}

	second := newCoordinator(t, homeserver, alice, func(config *Config) { config.Store = store })
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := second.Timeline(room).Len(); got != 3 {
		t.Errorf("cached timeline has %d events at start, want 3", got)
	}

	homeserver.Post(room, bob, textContent("message 4"), time.Time{})
	testutil.Eventually(t, waitTimeout, func() bool {
		return second.Timeline(room).Len() == 4
	}, "incremental sync after restart")
}

func TestUndeliveredMessageSurvivesRestart(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	room := homeserver.CreateRoom(alice)
	store := openStore(t, filepath.Join(t.TempDir(), "roomsync.db"))

	slowRetry := func(config *Config) {
		config.Store = store
		config.DeliveryRetry = backoff.Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 2, MaxAttempts: 3}
	}
	first := newCoordinator(t, homeserver, alice, slowRetry)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	homeserver.FailNext(matrixtest.EndpointSend, 1, http.StatusServiceUnavailable, messaging.ErrCodeUnknown)
	if _, err := first.EnqueueText(room, "eventually"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return homeserver.Requests(matrixtest.EndpointSend) == 1
	}, "first send attempt")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(homeserver.Events(room)) != 0 {
		t.Fatal("message reached the homeserver despite the injected failure")
	}

	second := newCoordinator(t, homeserver, alice, slowRetry)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		snapshot := second.Timeline(room)
		return snapshot.Len() == 1 && len(snapshot.Echoes()) == 0
	}, "restored message delivered")
	if got := bodies(second.Timeline(room).Events()); got[0] != "eventually" {
		t.Errorf("timeline = %v", got)
	}
	if echoes, _ := store.LoadEchoes(context.Background()); len(echoes) != 0 {
		t.Errorf("%d echoes still persisted after delivery", len(echoes))
	}
}

func TestLogoutClearsState(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)
	homeserver.Post(room, bob, textContent("hi"), time.Time{})
	store := openStore(t, filepath.Join(t.TempDir(), "roomsync.db"))

	c := newCoordinator(t, homeserver, alice, func(config *Config) { config.Store = store })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return c.Timeline(room).Len() == 1
	}, "sync before logout")

	subscription := c.Subscribe()
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if homeserver.Requests(matrixtest.EndpointLogout) != 1 {
		t.Error("token was not invalidated on the homeserver")
	}
	if state := c.ConnectionState(); state != transport.Disconnected {
		t.Errorf("ConnectionState = %s, want disconnected", state)
	}
	if rooms, _ := store.Rooms(context.Background()); len(rooms) != 0 {
		t.Errorf("store still holds %+v", rooms)
	}
	if _, err := c.EnqueueText(room, "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueueText after logout = %v, want ErrClosed", err)
	}
	if err := c.Logout(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Logout = %v, want ErrClosed", err)
	}

	deadline := time.After(waitTimeout)
	for open := true; open; {
		select {
		case _, open = <-subscription.C():
		case <-deadline:
			t.Fatal("subscription not closed by logout")
		}
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	room := homeserver.CreateRoom(alice)
	elsewhere := ref.MustParseRoomID("!elsewhere:test.local")

	c := newCoordinator(t, homeserver, alice, nil)
	if _, err := c.EnqueueText(room, "early"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("EnqueueText before Start = %v, want ErrNotStarted", err)
	}
	if _, err := c.Backfill(context.Background(), room, 10); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Backfill before Start = %v, want ErrNotStarted", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if _, err := c.EnqueueText(elsewhere, "lost"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("EnqueueText to unsynced room = %v, want ErrUnknownRoom", err)
	}
	if _, err := c.Backfill(context.Background(), elsewhere, 10); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("Backfill of unsynced room = %v, want ErrUnknownRoom", err)
	}
	if err := c.Discard("no-such-echo"); err == nil {
		t.Error("Discard of an unknown echo succeeded")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	testutil.RequireClosed(t, c.Subscribe().C(), waitTimeout, "subscription after Close")
}

func TestFailedStartCanBeRetried(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	homeserver.CreateRoom(alice)

	c := newCoordinator(t, homeserver, alice, nil)
	homeserver.FailNext(matrixtest.EndpointJoined, 1, http.StatusBadGateway, messaging.ErrCodeUnknown)
	err := c.Start(context.Background())
	if !transport.IsNetworkError(err) {
		t.Fatalf("Start = %v, want a network error", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("retried Start: %v", err)
	}
	if len(c.Rooms()) != 1 {
		t.Errorf("Rooms = %v after retried Start", c.Rooms())
	}
}

func TestBackfillLoadsOlderHistory(t *testing.T) {
	t.Parallel()

	homeserver := matrixtest.New(t)
	alice := homeserver.AddUser("alice", "pw")
	bob := homeserver.AddUser("bob", "pw")
	room := homeserver.CreateRoom(alice, bob)
	for i := range 25 {
		homeserver.Post(room, bob, textContent(fmt.Sprintf("message %d", i+1)), time.Time{})
	}

	c := newCoordinator(t, homeserver, alice, func(config *Config) {
		config.Filter = messaging.RoomFilter{TimelineLimit: 10}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return c.Timeline(room).Len() == 10
	}, "limited initial sync")

	// Backfill has nothing to page from until the first sync commits.
	inserted := 0
	testutil.Eventually(t, waitTimeout, func() bool {
		n, err := c.Backfill(context.Background(), room, 50)
		if err != nil {
			t.Fatalf("Backfill: %v", err)
		}
		inserted += n
		return c.Timeline(room).Len() == 25
	}, "backfill")
	if inserted != 15 {
		t.Errorf("Backfill inserted %d, want 15", inserted)
	}
	events := c.Timeline(room).Events()
	if len(events) != 25 || events[0].Payload.Body != "message 1" || events[24].Payload.Body != "message 25" {
		t.Errorf("timeline after backfill = %v", bodies(events))
	}
}

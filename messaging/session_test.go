// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// newTestSession creates a Client and DirectSession pointing at a test
// server.
func newTestSession(t *testing.T, handler http.Handler) (*Client, *DirectSession) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@test:local"), "DEV1", "test-token")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return client, session
}

func TestWhoAmI(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, WhoAmIResponse{UserID: ref.MustParseUserID("@test:local"), DeviceID: "DEV1"})
	}))

	response, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if response.UserID.String() != "@test:local" || response.DeviceID != "DEV1" {
		t.Errorf("unexpected whoami response: %+v", response)
	}
}

func TestWhoAmIUnknownToken(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		writeJSON(writer, MatrixError{Code: ErrCodeUnknownToken, Message: "Invalid access token"})
	}))

	_, err := session.WhoAmI(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("WhoAmI error = %v, want auth error", err)
	}
}

func TestSendEvent(t *testing.T) {
	var paths []string
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		paths = append(paths, request.URL.EscapedPath())

		var content map[string]any
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Errorf("decoding content: %v", err)
		}
		if content["body"] != "hello" {
			t.Errorf("body = %v", content["body"])
		}
		writeJSON(writer, SendEventResponse{EventID: ref.MustParseEventID("$sent1")})
	}))

	roomID := ref.MustParseRoomID("!room1:local")
	content := map[string]any{"msgtype": "m.text", "body": "hello"}
	for range 2 {
		eventID, err := session.SendEvent(context.Background(), roomID, ref.EventTypeMessage, "txn-abc", content)
		if err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
		if eventID.String() != "$sent1" {
			t.Errorf("event ID = %s", eventID)
		}
	}

	want := "/_matrix/client/v3/rooms/%21room1:local/send/m.room.message/txn-abc"
	if len(paths) != 2 || paths[0] != want || paths[1] != want {
		t.Errorf("paths = %v, want two requests to %s with the same transaction ID", paths, want)
	}
}

func TestSendEventRequiresTransactionID(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		t.Error("no request expected")
	}))
	_, err := session.SendEvent(context.Background(), ref.MustParseRoomID("!r:local"), ref.EventTypeMessage, "", nil)
	if err == nil {
		t.Fatal("expected error for empty transaction ID")
	}
}

func TestSync(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		query := request.URL.Query()
		if query.Get("since") != "s123" {
			t.Errorf("since = %q", query.Get("since"))
		}
		if query.Get("timeout") != "30000" {
			t.Errorf("timeout = %q", query.Get("timeout"))
		}
		if !strings.Contains(query.Get("filter"), "!room1:local") {
			t.Errorf("filter = %q, want room-scoped", query.Get("filter"))
		}
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{
			"next_batch": "s456",
			"rooms": {"join": {"!room1:local": {"timeline": {
				"events": [{
					"event_id": "$evt1",
					"type": "m.room.message",
					"sender": "@test:local",
					"origin_server_ts": 1700000000000,
					"content": {"msgtype": "m.text", "body": "hi"},
					"unsigned": {"transaction_id": "txn-1"}
				}],
				"prev_batch": "p1",
				"limited": true
			}}}}
		}`)
	}))

	roomID := ref.MustParseRoomID("!room1:local")
	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "s123",
		Timeout:    30000,
		SetTimeout: true,
		Filter:     RoomFilter{TimelineLimit: 20}.InlineFilter(roomID),
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "s456" {
		t.Errorf("next_batch = %s", response.NextBatch)
	}
	room, ok := response.Rooms.Join[roomID]
	if !ok {
		t.Fatal("expected room !room1:local in sync response")
	}
	if len(room.Timeline.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(room.Timeline.Events))
	}
	event := room.Timeline.Events[0]
	if event.Unsigned == nil || event.Unsigned.TransactionID != "txn-1" {
		t.Errorf("unsigned = %+v, want transaction_id txn-1", event.Unsigned)
	}
	if !room.Timeline.Limited || room.Timeline.PrevBatch != "p1" {
		t.Errorf("timeline limited/prev_batch = %v/%q", room.Timeline.Limited, room.Timeline.PrevBatch)
	}
}

func TestRoomMessages(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/rooms/!room1:local/messages" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		query := request.URL.Query()
		if query.Get("from") != "p1" || query.Get("dir") != "b" || query.Get("limit") != "10" {
			t.Errorf("query = %v", query)
		}
		writeJSON(writer, RoomMessagesResponse{
			Start: "p1",
			End:   "p0",
			Chunk: []Event{{EventID: ref.MustParseEventID("$old"), Type: ref.EventTypeMessage}},
		})
	}))

	response, err := session.RoomMessages(context.Background(), ref.MustParseRoomID("!room1:local"),
		RoomMessagesOptions{From: "p1", Limit: 10})
	if err != nil {
		t.Fatalf("RoomMessages failed: %v", err)
	}
	if response.End != "p0" || len(response.Chunk) != 1 {
		t.Errorf("unexpected response: %+v", response)
	}
}

func TestUploadMedia(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/media/v3/upload" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if request.Header.Get("Content-Type") != "audio/ogg" {
			t.Errorf("content type = %q", request.Header.Get("Content-Type"))
		}
		if request.URL.Query().Get("filename") != "note.ogg" {
			t.Errorf("filename = %q", request.URL.Query().Get("filename"))
		}
		data, _ := io.ReadAll(request.Body)
		if string(data) != "OggS" {
			t.Errorf("body = %q", data)
		}
		writeJSON(writer, UploadResponse{ContentURI: "mxc://local/abc"})
	}))

	uri, err := session.UploadMedia(context.Background(), "audio/ogg", "note.ogg", strings.NewReader("OggS"))
	if err != nil {
		t.Fatalf("UploadMedia failed: %v", err)
	}
	if uri != "mxc://local/abc" {
		t.Errorf("uri = %s", uri)
	}
}

func TestJoinedRooms(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		io.WriteString(writer, `{"joined_rooms": ["!a:local", "!b:local"]}`)
	}))
	rooms, err := session.JoinedRooms(context.Background())
	if err != nil {
		t.Fatalf("JoinedRooms failed: %v", err)
	}
	if len(rooms) != 2 || rooms[1].String() != "!b:local" {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestLogout(t *testing.T) {
	called := false
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.Method != http.MethodPost || request.URL.Path != "/_matrix/client/v3/logout" {
			t.Errorf("unexpected request: %s %s", request.Method, request.URL.Path)
		}
		called = true
		writeJSON(writer, map[string]any{})
	}))

	if err := session.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if !called {
		t.Error("logout endpoint not called")
	}
}

func TestClosedSessionRefusesRequests(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		t.Error("no request expected after Close")
	}))
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := session.WhoAmI(context.Background()); err == nil {
		t.Fatal("WhoAmI after Close succeeded")
	}
}

func TestRoomFilterInlineFilter(t *testing.T) {
	roomID := ref.MustParseRoomID("!room1:local")
	raw := RoomFilter{
		TimelineTypes: []string{"m.room.message"},
		TimelineLimit: 50,
		ExcludeState:  true,
	}.InlineFilter(roomID)

	var decoded struct {
		Room struct {
			Rooms    []string `json:"rooms"`
			Timeline struct {
				Types []string `json:"types"`
				Limit int      `json:"limit"`
			} `json:"timeline"`
			State struct {
				Types []string `json:"types"`
			} `json:"state"`
		} `json:"room"`
		Presence struct {
			Types []string `json:"types"`
		} `json:"presence"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("filter is not JSON: %v", err)
	}
	if len(decoded.Room.Rooms) != 1 || decoded.Room.Rooms[0] != "!room1:local" {
		t.Errorf("rooms = %v", decoded.Room.Rooms)
	}
	if decoded.Room.Timeline.Limit != 50 || len(decoded.Room.Timeline.Types) != 1 {
		t.Errorf("timeline = %+v", decoded.Room.Timeline)
	}
	if decoded.Room.State.Types == nil || len(decoded.Room.State.Types) != 0 {
		t.Errorf("state types = %v, want empty list", decoded.Room.State.Types)
	}
	if decoded.Presence.Types == nil || len(decoded.Presence.Types) != 0 {
		t.Errorf("presence types = %v, want empty list", decoded.Presence.Types)
	}
}

func assertAuth(t *testing.T, request *http.Request, expectedToken string) {
	t.Helper()
	auth := request.Header.Get("Authorization")
	if expected := "Bearer " + expectedToken; auth != expected {
		t.Errorf("unexpected auth header: got %q, want %q", auth, expected)
	}
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrixtest runs an in-memory Matrix homeserver for tests.
//
// [Homeserver] implements the client-server endpoints the sync and
// delivery code uses: login, whoami, /sync (room-scoped filters,
// since-token long-polling), idempotent sends, /messages, media upload,
// joined_rooms and logout. Failures are injected per endpoint with
// [Homeserver.FailNext], and tokens can be revoked to exercise auth
// loss.
package matrixtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/messaging"
)

// Endpoint names accepted by FailNext and counted by Requests.
const (
	EndpointLogin    = "login"
	EndpointWhoAmI   = "whoami"
	EndpointSync     = "sync"
	EndpointSend     = "send"
	EndpointMessages = "messages"
	EndpointUpload   = "upload"
	EndpointLogout   = "logout"
	EndpointJoined   = "joined_rooms"
	EndpointVersions = "versions"
)

// ServerName is the server part of every ID the fake mints.
const ServerName = "test.local"

// Homeserver is an in-memory Matrix homeserver on an httptest server.
type Homeserver struct {
	server *httptest.Server

	mu        sync.Mutex
	passwords map[string]string // localpart -> password
	tokens    map[string]device // access token -> device
	rooms     map[ref.RoomID]*room
	events    []storedEvent // global stream, index+1 is the stream position
	txns      map[string]ref.EventID
	uploads   map[string][]byte
	failures  map[string][]failure
	requests  map[string]int
	timestamp int64
	changed   chan struct{}
	nextID    int
}

type device struct {
	userID   ref.UserID
	deviceID string
}

type room struct {
	members map[ref.UserID]bool
}

type storedEvent struct {
	event    messaging.Event
	roomID   ref.RoomID
	deviceID string
	txnID    string
}

type failure struct {
	status  int
	errcode string
	drop    bool
}

// New starts a Homeserver that shuts down when the test ends.
func New(t testing.TB) *Homeserver {
	t.Helper()
	h := &Homeserver{
		passwords: make(map[string]string),
		tokens:    make(map[string]device),
		rooms:     make(map[ref.RoomID]*room),
		txns:      make(map[string]ref.EventID),
		uploads:   make(map[string][]byte),
		failures:  make(map[string][]failure),
		requests:  make(map[string]int),
		timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		changed:   make(chan struct{}),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.serveHTTP))
	t.Cleanup(h.server.Close)
	return h
}

// URL returns the homeserver base URL.
func (h *Homeserver) URL() string { return h.server.URL }

// Client returns a messaging.Client pointed at the homeserver.
func (h *Homeserver) Client(t testing.TB) *messaging.Client {
	t.Helper()
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: h.URL()})
	if err != nil {
		t.Fatalf("matrixtest: NewClient: %v", err)
	}
	return client
}

// AddUser registers an account and returns its user ID.
func (h *Homeserver) AddUser(localpart, password string) ref.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passwords[localpart] = password
	return ref.MustParseUserID("@" + localpart + ":" + ServerName)
}

// IssueToken creates an access token for userID on a new device.
func (h *Homeserver) IssueToken(userID ref.UserID) (token, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.issueTokenLocked(userID, "")
}

func (h *Homeserver) issueTokenLocked(userID ref.UserID, deviceID string) (string, string) {
	h.nextID++
	if deviceID == "" {
		deviceID = fmt.Sprintf("DEVICE%d", h.nextID)
	}
	token := fmt.Sprintf("syt_%s_%d", userID.Localpart(), h.nextID)
	h.tokens[token] = device{userID: userID, deviceID: deviceID}
	return token, deviceID
}

// RevokeTokens invalidates every access token, as a server-side
// logout-all or password reset would.
func (h *Homeserver) RevokeTokens() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = make(map[string]device)
}

// CreateRoom creates a room joined by members and returns its ID.
func (h *Homeserver) CreateRoom(members ...ref.UserID) ref.RoomID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	roomID := ref.MustParseRoomID(fmt.Sprintf("!room%d:%s", h.nextID, ServerName))
	joined := make(map[ref.UserID]bool)
	for _, member := range members {
		joined[member] = true
	}
	h.rooms[roomID] = &room{members: joined}
	return roomID
}

// Post appends a message from sender to the room, as if sent by
// another client, and returns its event ID. A zero timestamp uses the
// homeserver's clock.
func (h *Homeserver) Post(roomID ref.RoomID, sender ref.UserID, content map[string]any, timestamp time.Time) ref.EventID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ts int64
	if !timestamp.IsZero() {
		ts = timestamp.UnixMilli()
	}
	return h.appendLocked(roomID, sender, "", "", ref.EventTypeMessage, content, ts)
}

// Events returns the room's events in stream order.
func (h *Homeserver) Events(roomID ref.RoomID) []messaging.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var events []messaging.Event
	for _, stored := range h.events {
		if stored.roomID == roomID {
			events = append(events, stored.event)
		}
	}
	return events
}

// Upload returns uploaded media by mxc:// URI.
func (h *Homeserver) Upload(uri string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.uploads[uri]
	return data, ok
}

// FailNext makes the next n requests to endpoint fail with the given
// HTTP status and errcode.
func (h *Homeserver) FailNext(endpoint string, n, status int, errcode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for range n {
		h.failures[endpoint] = append(h.failures[endpoint], failure{status: status, errcode: errcode})
	}
}

// DropNext makes the next n requests to endpoint fail at the
// connection level: the server hijacks and closes the connection
// without answering.
func (h *Homeserver) DropNext(endpoint string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for range n {
		h.failures[endpoint] = append(h.failures[endpoint], failure{drop: true})
	}
}

// DropNextAfterCommit makes the next n sends store the event and then
// drop the connection, so the client never sees the acknowledgment.
func (h *Homeserver) DropNextAfterCommit(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for range n {
		h.failures["send-commit"] = append(h.failures["send-commit"], failure{drop: true})
	}
}

// Requests returns how many requests endpoint has received, including
// failed ones.
func (h *Homeserver) Requests(endpoint string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[endpoint]
}

func (h *Homeserver) appendLocked(roomID ref.RoomID, sender ref.UserID, deviceID, txnID string, eventType ref.EventType, content map[string]any, ts int64) ref.EventID {
	h.nextID++
	if ts == 0 {
		h.timestamp += 1000
		ts = h.timestamp
	}
	eventID := ref.MustParseEventID(fmt.Sprintf("$event%d", h.nextID))
	h.events = append(h.events, storedEvent{
		event: messaging.Event{
			EventID:        eventID,
			Type:           eventType,
			Sender:         sender,
			OriginServerTS: ts,
			Content:        content,
			RoomID:         roomID,
		},
		roomID:   roomID,
		deviceID: deviceID,
		txnID:    txnID,
	})
	close(h.changed)
	h.changed = make(chan struct{})
	return eventID
}

func (h *Homeserver) serveHTTP(w http.ResponseWriter, r *http.Request) {
	rawPath := r.URL.EscapedPath()
	endpoint, roomID, segments := route(r.Method, rawPath)
	if endpoint == "" {
		writeError(w, http.StatusNotFound, messaging.ErrCodeUnrecognized, "unrecognized request")
		return
	}

	h.mu.Lock()
	h.requests[endpoint]++
	var injected *failure
	if queue := h.failures[endpoint]; len(queue) > 0 {
		injected = &queue[0]
		h.failures[endpoint] = queue[1:]
	}
	h.mu.Unlock()

	if injected != nil {
		if injected.drop {
			dropConnection(w)
			return
		}
		writeError(w, injected.status, injected.errcode, "injected failure")
		return
	}

	switch endpoint {
	case EndpointVersions:
		writeJSON(w, messaging.ServerVersionsResponse{Versions: []string{"v1.11"}})
		return
	case EndpointLogin:
		h.handleLogin(w, r)
		return
	}

	caller, ok := h.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, messaging.ErrCodeUnknownToken, "Unknown access token")
		return
	}

	switch endpoint {
	case EndpointWhoAmI:
		writeJSON(w, messaging.WhoAmIResponse{UserID: caller.userID, DeviceID: caller.deviceID})
	case EndpointLogout:
		h.mu.Lock()
		for token, dev := range h.tokens {
			if dev == caller {
				delete(h.tokens, token)
			}
		}
		h.mu.Unlock()
		writeJSON(w, map[string]any{})
	case EndpointJoined:
		h.handleJoinedRooms(w, caller)
	case EndpointSync:
		h.handleSync(w, r, caller)
	case EndpointSend:
		h.handleSend(w, r, caller, roomID, segments)
	case EndpointMessages:
		h.handleMessages(w, r, caller, roomID)
	case EndpointUpload:
		h.handleUpload(w, r)
	}
}

// route maps a request onto an endpoint name. For room-scoped
// endpoints it also returns the decoded room ID and the path segments
// after it.
func route(method, rawPath string) (string, ref.RoomID, []string) {
	switch {
	case rawPath == "/_matrix/client/versions":
		return EndpointVersions, ref.RoomID{}, nil
	case rawPath == "/_matrix/client/v3/login" && method == http.MethodPost:
		return EndpointLogin, ref.RoomID{}, nil
	case rawPath == "/_matrix/client/v3/account/whoami":
		return EndpointWhoAmI, ref.RoomID{}, nil
	case rawPath == "/_matrix/client/v3/logout" && method == http.MethodPost:
		return EndpointLogout, ref.RoomID{}, nil
	case rawPath == "/_matrix/client/v3/joined_rooms":
		return EndpointJoined, ref.RoomID{}, nil
	case rawPath == "/_matrix/client/v3/sync":
		return EndpointSync, ref.RoomID{}, nil
	case rawPath == "/_matrix/media/v3/upload" && method == http.MethodPost:
		return EndpointUpload, ref.RoomID{}, nil
	}

	const roomsPrefix = "/_matrix/client/v3/rooms/"
	if !strings.HasPrefix(rawPath, roomsPrefix) {
		return "", ref.RoomID{}, nil
	}
	parts := strings.Split(rawPath[len(roomsPrefix):], "/")
	rawRoom, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", ref.RoomID{}, nil
	}
	roomID, err := ref.ParseRoomID(rawRoom)
	if err != nil {
		return "", ref.RoomID{}, nil
	}
	rest := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return "", ref.RoomID{}, nil
		}
		rest = append(rest, decoded)
	}
	switch {
	case len(rest) == 3 && rest[0] == "send" && method == http.MethodPut:
		return EndpointSend, roomID, rest
	case len(rest) == 1 && rest[0] == "messages" && method == http.MethodGet:
		return EndpointMessages, roomID, rest
	}
	return "", ref.RoomID{}, nil
}

func (h *Homeserver) authenticate(r *http.Request) (device, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return device{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.tokens[token]
	return dev, ok
}

func (h *Homeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request messaging.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeBadJSON, err.Error())
		return
	}
	if request.Identifier == nil {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeInvalidParam, "identifier required")
		return
	}
	localpart := request.Identifier.User
	if userID, err := ref.ParseUserID(localpart); err == nil {
		localpart = userID.Localpart()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	password, ok := h.passwords[localpart]
	if !ok || password != request.Password {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "Invalid username or password")
		return
	}
	userID := ref.MustParseUserID("@" + localpart + ":" + ServerName)
	token, deviceID := h.issueTokenLocked(userID, request.DeviceID)
	writeJSON(w, messaging.AuthResponse{UserID: userID, AccessToken: token, DeviceID: deviceID})
}

func (h *Homeserver) handleJoinedRooms(w http.ResponseWriter, caller device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	response := messaging.JoinedRoomsResponse{JoinedRooms: []ref.RoomID{}}
	for roomID, room := range h.rooms {
		if room.members[caller.userID] {
			response.JoinedRooms = append(response.JoinedRooms, roomID)
		}
	}
	writeJSON(w, response)
}

func (h *Homeserver) handleSend(w http.ResponseWriter, r *http.Request, caller device, roomID ref.RoomID, segments []string) {
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeBadJSON, err.Error())
		return
	}
	eventType, txnID := ref.EventType(segments[1]), segments[2]

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok || !room.members[caller.userID] {
		h.mu.Unlock()
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "not in room")
		return
	}
	key := caller.deviceID + "\x00" + txnID
	eventID, seen := h.txns[key]
	if !seen {
		eventID = h.appendLocked(roomID, caller.userID, caller.deviceID, txnID, eventType, content, 0)
		h.txns[key] = eventID
	}
	var commitFailure *failure
	if queue := h.failures["send-commit"]; len(queue) > 0 {
		commitFailure = &queue[0]
		h.failures["send-commit"] = queue[1:]
	}
	h.mu.Unlock()

	if commitFailure != nil {
		dropConnection(w)
		return
	}
	writeJSON(w, messaging.SendEventResponse{EventID: eventID})
}

// syncFilter is the part of an inline filter the fake honours.
type syncFilter struct {
	Room struct {
		Rooms    []ref.RoomID `json:"rooms"`
		Timeline struct {
			Limit int `json:"limit"`
		} `json:"timeline"`
	} `json:"room"`
}

func (h *Homeserver) handleSync(w http.ResponseWriter, r *http.Request, caller device) {
	query := r.URL.Query()
	var filter syncFilter
	if raw := query.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			writeError(w, http.StatusBadRequest, messaging.ErrCodeBadJSON, "filter: "+err.Error())
			return
		}
	}
	limit := filter.Room.Timeline.Limit
	if limit <= 0 {
		limit = 10
	}
	since := -1
	if raw := query.Get("since"); raw != "" {
		position, err := strconv.Atoi(strings.TrimPrefix(raw, "s"))
		if err != nil || !strings.HasPrefix(raw, "s") {
			writeError(w, http.StatusBadRequest, messaging.ErrCodeInvalidParam, "bad since token")
			return
		}
		since = position
	}
	timeoutMS, _ := strconv.Atoi(query.Get("timeout"))
	deadline := time.After(time.Duration(timeoutMS) * time.Millisecond) //nolint:realclock long-poll emulation

	for {
		h.mu.Lock()
		response, empty := h.buildSyncLocked(caller, filter.Room.Rooms, since, limit)
		changed := h.changed
		h.mu.Unlock()

		if !empty || since < 0 || timeoutMS <= 0 {
			writeJSON(w, response)
			return
		}
		select {
		case <-changed:
		case <-deadline:
			writeJSON(w, response)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Homeserver) buildSyncLocked(caller device, rooms []ref.RoomID, since, limit int) (messaging.SyncResponse, bool) {
	response := messaging.SyncResponse{
		NextBatch: "s" + strconv.Itoa(len(h.events)),
		Rooms:     messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{}},
	}
	wanted := func(roomID ref.RoomID) bool {
		if len(rooms) == 0 {
			return true
		}
		for _, candidate := range rooms {
			if candidate == roomID {
				return true
			}
		}
		return false
	}

	perRoom := map[ref.RoomID][]int{}
	start := since
	if start < 0 {
		start = 0
	}
	for index := start; index < len(h.events); index++ {
		stored := h.events[index]
		room := h.rooms[stored.roomID]
		if room == nil || !room.members[caller.userID] || !wanted(stored.roomID) {
			continue
		}
		perRoom[stored.roomID] = append(perRoom[stored.roomID], index)
	}

	empty := true
	for roomID, indexes := range perRoom {
		limited := false
		if len(indexes) > limit {
			indexes = indexes[len(indexes)-limit:]
			limited = true
		}
		events := make([]messaging.Event, 0, len(indexes))
		for _, index := range indexes {
			events = append(events, h.eventForLocked(index, caller))
		}
		response.Rooms.Join[roomID] = messaging.JoinedRoom{
			Timeline: messaging.TimelineSection{
				Events:    events,
				PrevBatch: "t" + strconv.Itoa(indexes[0]),
				Limited:   limited,
			},
		}
		empty = false
	}
	return response, empty
}

// eventForLocked returns the stored event as seen by caller: the
// transaction ID is visible only to the device that sent it.
func (h *Homeserver) eventForLocked(index int, caller device) messaging.Event {
	stored := h.events[index]
	event := stored.event
	if stored.txnID != "" && stored.deviceID == caller.deviceID && stored.event.Sender == caller.userID {
		event.Unsigned = &messaging.EventUnsigned{TransactionID: stored.txnID}
	}
	return event
}

func (h *Homeserver) handleMessages(w http.ResponseWriter, r *http.Request, caller device, roomID ref.RoomID) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok || !room.members[caller.userID] {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "not in room")
		return
	}

	from := len(h.events)
	if raw := query.Get("from"); raw != "" {
		position, err := strconv.Atoi(strings.TrimLeft(raw, "st"))
		if err != nil {
			writeError(w, http.StatusBadRequest, messaging.ErrCodeInvalidParam, "bad from token")
			return
		}
		from = position
	}

	response := messaging.RoomMessagesResponse{Start: "t" + strconv.Itoa(from), Chunk: []messaging.Event{}}
	index := from - 1
	for ; index >= 0 && len(response.Chunk) < limit; index-- {
		if h.events[index].roomID == roomID {
			response.Chunk = append(response.Chunk, h.eventForLocked(index, caller))
		}
	}
	for ; index >= 0; index-- {
		if h.events[index].roomID == roomID {
			response.End = "t" + strconv.Itoa(index+1)
			break
		}
	}
	writeJSON(w, response)
}

func (h *Homeserver) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeUnknown, err.Error())
		return
	}
	h.mu.Lock()
	h.nextID++
	uri := fmt.Sprintf("mxc://%s/media%d", ServerName, h.nextID)
	h.uploads[uri] = data
	h.mu.Unlock()
	writeJSON(w, messaging.UploadResponse{ContentURI: uri})
}

func dropConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		panic("matrixtest: response writer cannot be hijacked")
	}
	connection, _, err := hijacker.Hijack()
	if err != nil {
		panic(fmt.Sprintf("matrixtest: hijack: %v", err))
	}
	connection.Close()
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(messaging.MatrixError{Code: errcode, Message: message})
}

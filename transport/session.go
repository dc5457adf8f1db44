// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/secret"
	"github.com/bureau-foundation/roomsync/messaging"
)

// Credentials select how Connect authenticates. Set AccessToken (with
// UserID) to restore a stored session, or Username and Password to log
// in.
type Credentials struct {
	UserID      ref.UserID
	DeviceID    string
	AccessToken string

	Username string
	// Password is read during Connect and never closed by the session.
	Password *secret.Buffer

	// DeviceDisplayName names the device a password login creates.
	DeviceDisplayName string
}

// Config holds configuration for a Session.
type Config struct {
	Client      *messaging.Client
	Credentials Credentials
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// OnStateChange, if set, is called after every state transition. It
	// must not block and must not call back into the Session.
	OnStateChange func(State)
}

// Ack is the homeserver's acknowledgment of a sent event.
type Ack struct {
	EventID       ref.EventID
	TransactionID string
}

// Session is an authenticated homeserver connection. All methods are
// safe for concurrent use.
type Session struct {
	client        *messaging.Client
	credentials   Credentials
	logger        *slog.Logger
	onStateChange func(State)

	state atomic.Int32

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	direct   *messaging.DirectSession
	closed   bool
	inflight sync.WaitGroup
}

// New creates a disconnected Session. Call Connect before use.
func New(config Config) (*Session, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("transport: Client is required")
	}
	credentials := config.Credentials
	if credentials.AccessToken == "" && (credentials.Username == "" || credentials.Password == nil) {
		return nil, fmt.Errorf("transport: either an access token or a username and password are required")
	}
	if credentials.AccessToken != "" && credentials.UserID.IsZero() {
		return nil, fmt.Errorf("transport: restoring an access token requires the user ID")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Session{
		client:        config.Client,
		credentials:   credentials,
		logger:        logger,
		onStateChange: config.OnStateChange,
		lifetime:      lifetime,
		cancel:        cancel,
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Disconnect is called.
func (s *Session) Done() <-chan struct{} { return s.lifetime.Done() }

// UserID returns the authenticated user, zero before Connect.
func (s *Session) UserID() ref.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direct == nil {
		return s.credentials.UserID
	}
	return s.direct.UserID()
}

// DeviceID returns the device ID, empty if unknown.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direct == nil {
		return s.credentials.DeviceID
	}
	return s.direct.DeviceID()
}

// AccessToken returns a heap copy of the token for persisting the
// session.
func (s *Session) AccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrDisconnected
	}
	if s.direct == nil {
		return "", ErrNotConnected
	}
	return s.direct.AccessToken()
}

// Connect authenticates and verifies the token. Calling Connect on a
// connected session re-verifies the token.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.inflight.Add(1)
	direct := s.direct
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, release := s.bind(ctx)
	defer release()

	s.setState(Connecting)

	if direct == nil {
		var err error
		direct, err = s.authenticate(ctx)
		if err != nil {
			return s.connectFailed(err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			direct.Close()
			return ErrDisconnected
		}
		s.direct = direct
		s.mu.Unlock()
	}

	whoami, err := direct.WhoAmI(ctx)
	if err != nil {
		return s.connectFailed(err)
	}
	if whoami.UserID != direct.UserID() {
		s.setState(AuthFailed)
		return &AuthError{
			Op:  "connect",
			Err: fmt.Errorf("token belongs to %s, expected %s", whoami.UserID, direct.UserID()),
		}
	}

	s.setState(Connected)
	s.logger.Info("matrix session connected",
		"user_id", whoami.UserID,
		"device_id", whoami.DeviceID,
		"homeserver", s.client.HomeserverURL(),
	)
	return nil
}

func (s *Session) authenticate(ctx context.Context) (*messaging.DirectSession, error) {
	if s.credentials.AccessToken != "" {
		return s.client.SessionFromToken(s.credentials.UserID, s.credentials.DeviceID, s.credentials.AccessToken)
	}
	return s.client.Login(ctx, s.credentials.Username, s.credentials.Password, messaging.LoginOptions{
		DeviceID:          s.credentials.DeviceID,
		DeviceDisplayName: s.credentials.DeviceDisplayName,
	})
}

// connectFailed classifies a Connect error and leaves the Connecting
// state.
func (s *Session) connectFailed(err error) error {
	err = s.classify("connect", err)
	next := Disconnected
	if IsNetworkError(err) {
		next = Offline
	}
	if s.state.CompareAndSwap(int32(Connecting), int32(next)) {
		s.notify(next)
	}
	return err
}

// Send delivers one timeline event. transactionID makes the send
// idempotent: resending with the same ID after an ambiguous failure
// returns the original event ID instead of duplicating the message.
func (s *Session) Send(ctx context.Context, roomID ref.RoomID, transactionID string, eventType ref.EventType, content any) (Ack, error) {
	ctx, direct, release, err := s.begin(ctx)
	if err != nil {
		return Ack{}, err
	}
	defer release()

	eventID, err := direct.SendEvent(ctx, roomID, eventType, transactionID, content)
	if err != nil {
		return Ack{}, s.classify("send", err)
	}
	s.markReachable()
	return Ack{EventID: eventID, TransactionID: transactionID}, nil
}

// Sync performs one /sync request.
func (s *Session) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	ctx, direct, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	response, err := direct.Sync(ctx, options)
	if err != nil {
		return nil, s.classify("sync", err)
	}
	s.markReachable()
	return response, nil
}

// RoomMessages pages through room history.
func (s *Session) RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error) {
	ctx, direct, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	response, err := direct.RoomMessages(ctx, roomID, options)
	if err != nil {
		return nil, s.classify("room messages", err)
	}
	s.markReachable()
	return response, nil
}

// UploadMedia stores content in the media repository and returns its
// mxc:// URI.
func (s *Session) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (string, error) {
	ctx, direct, release, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	uri, err := direct.UploadMedia(ctx, contentType, filename, body)
	if err != nil {
		return "", s.classify("upload", err)
	}
	s.markReachable()
	return uri, nil
}

// JoinedRooms lists the rooms the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	ctx, direct, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rooms, err := direct.JoinedRooms(ctx)
	if err != nil {
		return nil, s.classify("joined rooms", err)
	}
	s.markReachable()
	return rooms, nil
}

// Logout invalidates the access token on the homeserver, then
// disconnects. A token the server already rejects counts as logged out.
func (s *Session) Logout(ctx context.Context) error {
	requestCtx, direct, release, err := s.begin(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return s.Disconnect()
		}
		return err
	}
	logoutErr := direct.Logout(requestCtx)
	release()

	if logoutErr != nil && !messaging.IsAuthError(logoutErr) {
		return s.classify("logout", logoutErr)
	}
	return s.Disconnect()
}

// Disconnect cancels in-flight requests, waits for them to return,
// drops pooled connections and releases the access token. It is
// idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()

	var err error
	s.mu.Lock()
	direct := s.direct
	s.mu.Unlock()
	if direct != nil {
		direct.CloseIdleConnections()
		err = direct.Close()
	}
	s.setState(Disconnected)
	s.logger.Info("matrix session disconnected")
	return err
}

// begin registers an in-flight request and returns a context that is
// cancelled when either ctx or the session lifetime ends.
func (s *Session) begin(ctx context.Context) (context.Context, *messaging.DirectSession, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, nil, ErrDisconnected
	}
	if s.direct == nil {
		s.mu.Unlock()
		return nil, nil, nil, ErrNotConnected
	}
	direct := s.direct
	s.inflight.Add(1)
	s.mu.Unlock()

	bound, release := s.bind(ctx)
	return bound, direct, func() {
		release()
		s.inflight.Done()
	}, nil
}

func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.lifetime, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

// classify maps a messaging error onto the transport taxonomy and
// updates the connection state.
func (s *Session) classify(op string, err error) error {
	if s.lifetime.Err() != nil {
		return fmt.Errorf("transport: %s: %w", op, ErrDisconnected)
	}
	if messaging.IsAuthError(err) {
		s.setState(AuthFailed)
		s.logger.Warn("homeserver rejected access token", "op", op, "error", err)
		return &AuthError{Op: op, Err: err}
	}
	if messaging.IsTransient(err) {
		networkErr := &NetworkError{Op: op, Err: err}
		var matrixErr *messaging.MatrixError
		if errors.As(err, &matrixErr) {
			networkErr.RetryAfter = matrixErr.RetryAfter()
		} else {
			// No HTTP response at all: a pooled connection may be dead.
			s.client.CloseIdleConnections()
			s.setState(Offline)
		}
		return networkErr
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

// markReachable records a successful round trip.
func (s *Session) markReachable() {
	for {
		current := State(s.state.Load())
		if current != Offline && current != Connecting {
			return
		}
		if s.state.CompareAndSwap(int32(current), int32(Connected)) {
			s.notify(Connected)
			return
		}
	}
}

func (s *Session) setState(state State) {
	if State(s.state.Swap(int32(state))) != state {
		s.notify(state)
	}
}

func (s *Session) notify(state State) {
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

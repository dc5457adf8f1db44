// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/roomsync/lib/backoff"
	"github.com/bureau-foundation/roomsync/lib/clock"
	"github.com/bureau-foundation/roomsync/lib/metrics"
	"github.com/bureau-foundation/roomsync/lib/outbox"
	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/syncengine"
	"github.com/bureau-foundation/roomsync/lib/syncstore"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

// DefaultCacheEvents is how many recent events per room are written
// to the timeline cache on Close.
const DefaultCacheEvents = 200

// cacheSaveTimeout bounds the timeline cache writes during Close.
const cacheSaveTimeout = 10 * time.Second

var (
	// ErrNotStarted is returned by operations that need a started
	// coordinator.
	ErrNotStarted = errors.New("coordinator: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator: already started")

	// ErrClosed is returned after Close or Logout.
	ErrClosed = errors.New("coordinator: closed")

	// ErrUnknownRoom means the room is not one the coordinator syncs.
	ErrUnknownRoom = errors.New("coordinator: room is not synced")

	// ErrAuthLost is returned once the homeserver has rejected the
	// access token. Sync and delivery have stopped; only Close and
	// Logout remain useful.
	ErrAuthLost = errors.New("coordinator: access token rejected")
)

// Config configures a Coordinator.
type Config struct {
	Client      *messaging.Client
	Credentials transport.Credentials

	// Rooms to sync. Empty means every room the user has joined when
	// Start runs.
	Rooms []ref.RoomID

	// Store persists cursors, undelivered echoes and timeline caches.
	// Nil keeps everything in memory. The caller closes it after the
	// coordinator.
	Store *syncstore.Store

	Filter        messaging.RoomFilter
	PollTimeout   time.Duration
	SyncBackoff   backoff.Policy
	DeliveryRetry backoff.Policy

	SendRate          rate.Limit
	SendBurst         int
	MaxMediaBytes     int64
	FingerprintWindow time.Duration

	// CacheEvents is the per-room timeline cache size. Zero means
	// DefaultCacheEvents; negative disables the cache.
	CacheEvents int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator ties one session's sync engines, delivery queue and
// timelines together. All methods are safe for concurrent use.
type Coordinator struct {
	config    Config
	session   *transport.Session
	timelines *timeline.Store
	store     *syncstore.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics

	lifetime context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	authLost bool
	queue   *outbox.Queue
	engines map[ref.RoomID]*syncengine.Engine
	rooms   []ref.RoomID

	subscriberMu sync.RWMutex
	subscribers  map[*Subscription]struct{}
}

// New creates a coordinator and its (unconnected) transport session.
func New(config Config) (*Coordinator, error) {
	if config.Client == nil {
		return nil, errors.New("coordinator: Client is required")
	}
	if config.CacheEvents == 0 {
		config.CacheEvents = DefaultCacheEvents
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:      config,
		store:       config.Store,
		logger:      config.Logger,
		metrics:     config.Metrics,
		lifetime:    lifetime,
		cancel:      cancel,
		subscribers: make(map[*Subscription]struct{}),
	}
	c.timelines = timeline.NewStore(c.timelineChanged)

	session, err := transport.New(transport.Config{
		Client:        config.Client,
		Credentials:   config.Credentials,
		Logger:        config.Logger,
		OnStateChange: c.stateChanged,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.session = session
	return c, nil
}

// Start connects, loads cached timelines, restores undelivered
// messages and starts one sync loop per room. A failed Start may be
// retried.
func (c *Coordinator) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	var queue *outbox.Queue
	defer func() {
		if err == nil {
			return
		}
		if queue != nil {
			queue.Close()
		}
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
	}()

	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("coordinator: connect: %w", err)
	}

	rooms := slices.Clone(c.config.Rooms)
	if len(rooms) == 0 {
		joined, err := c.session.JoinedRooms(ctx)
		if err != nil {
			return fmt.Errorf("coordinator: listing joined rooms: %w", err)
		}
		rooms = joined
	}
	rooms = uniqueRooms(rooms)

	var persister outbox.Persister
	var cursors syncengine.CursorStore = syncengine.NewMemoryCursors()
	if c.store != nil {
		persister = c.store
		cursors = c.store
	}

	queue, err = outbox.New(outbox.Config{
		Sender:            c.session,
		Timelines:         c.timelines,
		UserID:            c.session.UserID(),
		Persister:         persister,
		Retry:             c.config.DeliveryRetry,
		SendRate:          c.config.SendRate,
		SendBurst:         c.config.SendBurst,
		MaxMediaBytes:     c.config.MaxMediaBytes,
		FingerprintWindow: c.config.FingerprintWindow,
		OnFailure:         c.deliveryFailed,
		Clock:             c.config.Clock,
		Logger:            c.logger,
		Metrics:           c.metrics,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	engines := make(map[ref.RoomID]*syncengine.Engine, len(rooms))
	for _, roomID := range rooms {
		c.loadCache(ctx, roomID)
		engine, err := syncengine.New(syncengine.Config{
			RoomID:      roomID,
			Transport:   c.session,
			Timeline:    c.timelines.Room(roomID),
			Cursors:     cursors,
			Reconciler:  queue,
			Filter:      c.config.Filter,
			PollTimeout: c.config.PollTimeout,
			Backoff:     c.config.SyncBackoff,
			Clock:       c.config.Clock,
			Logger:      c.logger,
			Metrics:     c.metrics,
		})
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		engines[roomID] = engine
	}

	restored, err := queue.Restore(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = queue
	c.engines = engines
	c.rooms = rooms
	for _, roomID := range rooms {
		c.workers.Add(1)
		go c.runEngine(engines[roomID])
	}
	c.mu.Unlock()

	c.logger.Info("coordinator started",
		"user_id", c.session.UserID().String(),
		"rooms", len(rooms),
		"restored_messages", restored,
	)
	return nil
}

func (c *Coordinator) runEngine(engine *syncengine.Engine) {
	defer c.workers.Done()
	err := engine.Run(c.lifetime)
	if err == nil {
		return
	}
	c.logger.Warn("room sync stopped", "room_id", engine.RoomID().String(), "error", err)
	if transport.IsAuthError(err) {
		c.stopForAuth(err)
	}
}

// stopForAuth stops every sync loop and the delivery queue once the
// token is rejected. Undelivered messages stay persisted. Close or
// Logout still completes the shutdown.
func (c *Coordinator) stopForAuth(cause error) {
	c.mu.Lock()
	if c.closed || c.authLost {
		c.mu.Unlock()
		return
	}
	c.authLost = true
	queue := c.queue
	c.mu.Unlock()

	c.cancel()
	if queue != nil {
		queue.Close()
	}
	c.logger.Error("sync and delivery stopped until the next login", "error", cause)
}

// loadCache merges the room's cached timeline so history shows before
// the first sync completes.
func (c *Coordinator) loadCache(ctx context.Context, roomID ref.RoomID) {
	if c.store == nil || c.config.CacheEvents < 0 {
		return
	}
	events, err := c.store.LoadTimeline(ctx, roomID)
	if err != nil {
		c.logger.Warn("loading timeline cache failed", "room_id", roomID.String(), "error", err)
		return
	}
	if len(events) > 0 {
		inserted := c.timelines.Room(roomID).Merge(events)
		c.logger.Debug("timeline cache loaded", "room_id", roomID.String(), "events", inserted)
	}
}

func (c *Coordinator) saveCaches(rooms []ref.RoomID) {
	if c.store == nil || c.config.CacheEvents < 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheSaveTimeout)
	defer cancel()
	for _, roomID := range rooms {
		events := c.timelines.Snapshot(roomID).Events()
		if len(events) > c.config.CacheEvents {
			events = events[len(events)-c.config.CacheEvents:]
		}
		if err := c.store.SaveTimeline(ctx, roomID, events); err != nil {
			c.logger.Warn("saving timeline cache failed", "room_id", roomID.String(), "error", err)
		}
	}
}

// Timeline returns the current snapshot of roomID's timeline. Rooms
// the coordinator does not sync have an empty snapshot.
func (c *Coordinator) Timeline(roomID ref.RoomID) *timeline.Snapshot {
	return c.timelines.Snapshot(roomID)
}

// Rooms returns the synced rooms, empty before Start.
func (c *Coordinator) Rooms() []ref.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rooms)
}

// UserID returns the local user, zero before a password login
// completes.
func (c *Coordinator) UserID() ref.UserID { return c.session.UserID() }

// ConnectionState returns the transport's state.
func (c *Coordinator) ConnectionState() transport.State { return c.session.State() }

// Session returns the underlying transport session, for persisting its
// access token after a password login.
func (c *Coordinator) Session() *transport.Session { return c.session }

// Enqueue queues content for delivery to roomID and returns the local
// echo ID.
func (c *Coordinator) Enqueue(roomID ref.RoomID, content payload.Payload) (string, error) {
	queue, err := c.activeQueue()
	if err != nil {
		return "", err
	}
	if !c.syncs(roomID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return queue.Enqueue(roomID, content)
}

// EnqueueText queues a text message. Markdown in body is rendered to
// HTML.
func (c *Coordinator) EnqueueText(roomID ref.RoomID, body string) (string, error) {
	return c.Enqueue(roomID, payload.Text(body))
}

// EnqueueMedia queues an attachment. The message type follows
// contentType (guessed from filename when empty).
func (c *Coordinator) EnqueueMedia(roomID ref.RoomID, filename, contentType string, data []byte) (string, error) {
	return c.Enqueue(roomID, payload.File(filename, contentType, data))
}

// EnqueueAudio queues a recorded audio clip of the given duration.
func (c *Coordinator) EnqueueAudio(roomID ref.RoomID, filename, contentType string, data []byte, duration time.Duration) (string, error) {
	return c.Enqueue(roomID, payload.Audio(filename, contentType, data, duration))
}

// Retry re-queues a failed echo with a fresh attempt budget.
func (c *Coordinator) Retry(localID string) error {
	queue, err := c.activeQueue()
	if err != nil {
		return err
	}
	return queue.Retry(localID)
}

// Discard drops a pending or failed echo.
func (c *Coordinator) Discard(localID string) error {
	queue, err := c.activeQueue()
	if err != nil {
		return err
	}
	return queue.Discard(localID)
}

// Pending returns how many echoes are awaiting delivery.
func (c *Coordinator) Pending() int {
	queue, err := c.activeQueue()
	if err != nil {
		return 0
	}
	return queue.Pending()
}

// Backfill loads up to limit older events into roomID's timeline and
// returns how many were new.
func (c *Coordinator) Backfill(ctx context.Context, roomID ref.RoomID, limit int) (int, error) {
	c.mu.Lock()
	closed, authLost, started := c.closed, c.authLost, c.engines != nil
	engine, ok := c.engines[roomID]
	c.mu.Unlock()
	switch {
	case closed:
		return 0, ErrClosed
	case authLost:
		return 0, ErrAuthLost
	case !started:
		return 0, ErrNotStarted
	case !ok:
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return engine.Backfill(ctx, limit)
}

// Close stops sync and delivery, writes the timeline caches and
// disconnects. Undelivered messages stay persisted for the next Start.
// Subscription channels are closed. Close is idempotent.
func (c *Coordinator) Close() error {
	queue, rooms, ok := c.shutdown()
	if !ok {
		return nil
	}
	if queue != nil {
		queue.Close()
	}
	c.saveCaches(rooms)

	err := c.session.Disconnect()
	c.closeSubscriptions()
	if err != nil {
		return fmt.Errorf("coordinator: disconnect: %w", err)
	}
	c.logger.Info("coordinator closed")
	return nil
}

// Logout stops sync and delivery, invalidates the access token on the
// homeserver and deletes all persisted state. The session is
// disconnected even if the homeserver cannot be reached, in which case
// the error says so and the token may remain valid server-side.
func (c *Coordinator) Logout(ctx context.Context) error {
	queue, _, ok := c.shutdown()
	if !ok {
		return ErrClosed
	}
	if queue != nil {
		queue.Close()
	}

	var errs []error
	if err := c.session.Logout(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: logout: %w", err))
		if err := c.session.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: disconnect: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}
	c.closeSubscriptions()

	c.logger.Info("logged out", "user_id", c.session.UserID().String())
	return errors.Join(errs...)
}

// shutdown marks the coordinator closed, stops the sync loops and
// waits for them. ok is false if it was already closed.
func (c *Coordinator) shutdown() (queue *outbox.Queue, rooms []ref.RoomID, ok bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, false
	}
	c.closed = true
	queue = c.queue
	rooms = slices.Clone(c.rooms)
	c.mu.Unlock()

	c.cancel()
	c.workers.Wait()
	return queue, rooms, true
}

func (c *Coordinator) activeQueue() (*outbox.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.authLost:
		return nil, ErrAuthLost
	case c.queue == nil:
		return nil, ErrNotStarted
	}
	return c.queue, nil
}

func (c *Coordinator) syncs(roomID ref.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.engines[roomID]
	return ok
}

func (c *Coordinator) timelineChanged(roomID ref.RoomID) {
	c.broadcast(Notification{Kind: TimelineChanged, RoomID: roomID})
}

func (c *Coordinator) deliveryFailed(failure *outbox.DeliveryFailure) {
	c.broadcast(Notification{Kind: DeliveryFailed, RoomID: failure.RoomID, Failure: failure})
}

func (c *Coordinator) stateChanged(state transport.State) {
	c.metrics.SetConnectionState(int(state))
	c.broadcast(Notification{Kind: ConnectionChanged, State: state})
	if state == transport.AuthFailed {
		c.logger.Error("homeserver rejected the access token")
		c.broadcast(Notification{Kind: AuthLost, State: state})
	}
}

func uniqueRooms(rooms []ref.RoomID) []ref.RoomID {
	seen := make(map[ref.RoomID]bool, len(rooms))
	unique := rooms[:0]
	for _, roomID := range rooms {
		if !roomID.IsZero() && !seen[roomID] {
			seen[roomID] = true
			unique = append(unique, roomID)
		}
	}
	return unique
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/roomsync/lib/backoff"
	"github.com/bureau-foundation/roomsync/lib/clock"
	"github.com/bureau-foundation/roomsync/lib/metrics"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

// DefaultPollTimeout is how long the homeserver holds an incremental
// /sync open when nothing is new.
const DefaultPollTimeout = 30 * time.Second

// DefaultPollGrace is how long past the poll timeout a /sync may run
// before the engine gives up on the connection.
const DefaultPollGrace = 15 * time.Second

// DefaultTimelineLimit caps events per room in one sync response.
const DefaultTimelineLimit = 50

// Transport is the part of a transport session the engine needs.
// *transport.Session implements it.
type Transport interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error)
}

// Reconciler consumes events that confirm local echoes and returns the
// rest for merging.
type Reconciler interface {
	Reconcile(roomID ref.RoomID, events []timeline.Event) []timeline.Event
}

// Config configures an Engine.
type Config struct {
	RoomID    ref.RoomID
	Transport Transport
	Timeline  *timeline.Timeline
	Cursors   CursorStore

	// Reconciler, if set, sees every batch before it is merged.
	Reconciler Reconciler

	// Filter shapes the room's inline sync filter. A zero TimelineLimit
	// becomes DefaultTimelineLimit.
	Filter messaging.RoomFilter

	// PollTimeout is the long-poll timeout. Default DefaultPollTimeout.
	PollTimeout time.Duration

	// PollGrace is added to PollTimeout to bound each /sync request.
	// Default DefaultPollGrace.
	PollGrace time.Duration

	// Backoff schedules retries after failed steps. Default
	// backoff.Sync.
	Backoff backoff.Policy

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Batch is one fetched delta for the room.
type Batch struct {
	Events []timeline.Event

	// Next is the cursor to commit once Events are merged.
	Next Cursor

	// PrevBatch is the pagination token for history before Events.
	PrevBatch string

	// Limited reports that the server omitted events between the
	// previous cursor and Events.
	Limited bool

	// Left reports that the user is no longer joined to the room.
	Left bool
}

// Engine syncs one room.
type Engine struct {
	roomID      ref.RoomID
	transport   Transport
	timeline    *timeline.Timeline
	cursors     CursorStore
	reconciler  Reconciler
	filter      string
	eventFilter string
	pollTimeout time.Duration
	pollGrace   time.Duration
	policy      backoff.Policy
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// stepMu serializes Steps so cursor commits are ordered.
	// backfillMu serializes Backfill calls; a backfill never waits
	// behind a long-poll.
	stepMu     sync.Mutex
	backfillMu sync.Mutex

	mu          sync.Mutex
	loaded      bool
	cursor      Cursor
	prevBatch   string
	historyDone bool
}

// New validates config and creates an Engine. The stored cursor is
// loaded on the first Step.
func New(config Config) (*Engine, error) {
	var errs []error
	if config.RoomID.IsZero() {
		errs = append(errs, errors.New("RoomID is required"))
	}
	if config.Transport == nil {
		errs = append(errs, errors.New("Transport is required"))
	}
	if config.Timeline == nil {
		errs = append(errs, errors.New("Timeline is required"))
	} else if !config.RoomID.IsZero() && config.Timeline.RoomID() != config.RoomID {
		errs = append(errs, fmt.Errorf("Timeline belongs to %s, not %s", config.Timeline.RoomID(), config.RoomID))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("syncengine: invalid config: %w", err)
	}

	if config.Cursors == nil {
		config.Cursors = NewMemoryCursors()
	}
	if config.Filter.TimelineLimit == 0 {
		config.Filter.TimelineLimit = DefaultTimelineLimit
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.PollGrace <= 0 {
		config.PollGrace = DefaultPollGrace
	}
	if config.Backoff == (backoff.Policy{}) {
		config.Backoff = backoff.Sync
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Engine{
		roomID:      config.RoomID,
		transport:   config.Transport,
		timeline:    config.Timeline,
		cursors:     config.Cursors,
		reconciler:  config.Reconciler,
		filter:      config.Filter.InlineFilter(config.RoomID),
		eventFilter: config.Filter.EventFilter(),
		pollTimeout: config.PollTimeout,
		pollGrace:   config.PollGrace,
		policy:      config.Backoff,
		clock:       config.Clock,
		logger:      config.Logger.With("room_id", config.RoomID.String()),
		metrics:     config.Metrics,
	}, nil
}

// RoomID returns the engine's room.
func (e *Engine) RoomID() ref.RoomID { return e.roomID }

// Cursor returns the last committed cursor.
func (e *Engine) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Fetch performs one /sync from cursor. It changes nothing: the caller
// decides whether to merge the batch and commit batch.Next. A request
// still open a grace period past the poll timeout is abandoned with a
// *transport.NetworkError, so a silently dead connection is retried.
func (e *Engine) Fetch(ctx context.Context, cursor Cursor) (Batch, error) {
	options := messaging.SyncOptions{
		Since:      cursor.Token,
		SetTimeout: true,
		Filter:     e.filter,
	}
	if !cursor.IsZero() {
		options.Timeout = int(e.pollTimeout.Milliseconds())
	}

	requestCtx, cancel := context.WithTimeout(ctx, e.pollTimeout+e.pollGrace)
	defer cancel()
	response, err := e.transport.Sync(requestCtx, options)
	if err != nil {
		if ctx.Err() == nil && requestCtx.Err() != nil && !transport.IsNetworkError(err) {
			err = &transport.NetworkError{Op: "sync", Err: fmt.Errorf("no response within %s: %w", e.pollTimeout+e.pollGrace, err)}
		}
		return Batch{}, fmt.Errorf("syncengine: sync %s: %w", e.roomID, err)
	}
	if response.NextBatch == "" {
		return Batch{}, fmt.Errorf("syncengine: sync %s: response has no next_batch", e.roomID)
	}

	batch := Batch{Next: Cursor{Token: response.NextBatch, Sequence: cursor.Sequence + 1}}
	if joined, ok := response.Rooms.Join[e.roomID]; ok {
		batch.Events = ConvertEvents(e.roomID, joined.Timeline.Events)
		batch.PrevBatch = joined.Timeline.PrevBatch
		batch.Limited = joined.Timeline.Limited
	}
	if left, ok := response.Rooms.Leave[e.roomID]; ok {
		batch.Events = append(batch.Events, ConvertEvents(e.roomID, left.Timeline.Events)...)
		batch.Left = true
	}
	return batch, nil
}

// Step fetches one delta, merges it and commits the new cursor. On
// error the committed cursor is unchanged.
func (e *Engine) Step(ctx context.Context) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if err := e.load(ctx); err != nil {
		return err
	}
	cursor := e.Cursor()

	batch, err := e.Fetch(ctx, cursor)
	if err != nil {
		e.metrics.ObserveSync(resultOf(ctx, err), 0)
		return err
	}

	events := batch.Events
	if e.reconciler != nil && len(events) > 0 {
		events = e.reconciler.Reconcile(e.roomID, events)
	}
	inserted := e.timeline.Merge(events)

	if err := e.cursors.Save(ctx, e.roomID, batch.Next); err != nil {
		e.metrics.ObserveSync(metrics.ResultPermanent, inserted)
		return fmt.Errorf("syncengine: persist cursor for %s: %w", e.roomID, err)
	}

	e.mu.Lock()
	e.cursor = batch.Next
	if e.prevBatch == "" && !e.historyDone {
		e.prevBatch = batch.PrevBatch
	}
	e.mu.Unlock()

	e.metrics.ObserveSync(metrics.ResultOK, inserted)
	e.metrics.SetTimelineSize(e.roomID.String(), e.timeline.Snapshot().Len())
	if inserted > 0 || batch.Limited {
		e.logger.Debug("sync merged",
			"inserted", inserted,
			"received", len(batch.Events),
			"limited", batch.Limited,
			"sequence", batch.Next.Sequence,
		)
	}
	if batch.Left {
		e.logger.Info("no longer joined to room")
	}
	return nil
}

func (e *Engine) load(ctx context.Context) error {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if loaded {
		return nil
	}

	cursor, err := e.cursors.Load(ctx, e.roomID)
	if err != nil {
		return fmt.Errorf("syncengine: load cursor for %s: %w", e.roomID, err)
	}
	e.mu.Lock()
	e.cursor = cursor
	e.loaded = true
	e.mu.Unlock()
	if !cursor.IsZero() {
		e.logger.Debug("resuming sync", "sequence", cursor.Sequence)
	}
	return nil
}

// Run syncs until ctx ends, the transport disconnects, or an error
// that retrying cannot fix. It returns nil on cancellation or
// disconnect and the error otherwise (always for an auth error).
func (e *Engine) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := e.Step(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		if ctx.Err() != nil || errors.Is(err, transport.ErrDisconnected) {
			return nil
		}
		if fatal(err) {
			e.logger.Error("sync stopped", "error", err)
			return err
		}

		attempt++
		delay := e.policy.Delay(attempt)
		var networkErr *transport.NetworkError
		if errors.As(err, &networkErr) && networkErr.RetryAfter > delay {
			delay = networkErr.RetryAfter
		}
		e.logger.Warn("sync failed, retrying", "error", err, "attempt", attempt, "backoff", delay)
		if err := backoff.Wait(ctx, e.clock, delay); err != nil {
			return nil
		}
	}
}

// fatal reports errors a retry cannot fix: rejected credentials, a
// session that was never connected, and homeserver errors outside the
// transient class.
func fatal(err error) bool {
	if transport.IsAuthError(err) || errors.Is(err, transport.ErrNotConnected) {
		return true
	}
	if transport.IsNetworkError(err) {
		return false
	}
	var matrixErr *messaging.MatrixError
	return errors.As(err, &matrixErr)
}

func resultOf(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil || errors.Is(err, transport.ErrDisconnected):
		return metrics.ResultCanceled
	case transport.IsAuthError(err):
		return metrics.ResultAuth
	case transport.IsNetworkError(err):
		return metrics.ResultTransient
	default:
		return metrics.ResultPermanent
	}
}

// Backfill pages up to limit older events into the timeline, starting
// from the earliest point reached so far. It returns how many were
// new; zero with a nil error means history is exhausted or no sync has
// completed yet.
func (e *Engine) Backfill(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	e.backfillMu.Lock()
	defer e.backfillMu.Unlock()

	e.mu.Lock()
	from := e.prevBatch
	e.mu.Unlock()
	if from == "" {
		return 0, nil
	}

	response, err := e.transport.RoomMessages(ctx, e.roomID, messaging.RoomMessagesOptions{
		From:      from,
		Direction: "b",
		Limit:     limit,
		Filter:    e.eventFilter,
	})
	if err != nil {
		return 0, fmt.Errorf("syncengine: backfill %s: %w", e.roomID, err)
	}

	// /messages returns newest first when paging backwards.
	chunk := slices.Clone(response.Chunk)
	slices.Reverse(chunk)
	inserted := e.timeline.Merge(ConvertEvents(e.roomID, chunk))

	e.mu.Lock()
	e.prevBatch = response.End
	e.historyDone = response.End == ""
	e.mu.Unlock()

	e.logger.Debug("backfilled history", "inserted", inserted, "exhausted", response.End == "")
	return inserted, nil
}

// HistoryExhausted reports whether Backfill has reached the start of
// the room.
func (e *Engine) HistoryExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyDone
}

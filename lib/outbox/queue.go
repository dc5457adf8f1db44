// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/roomsync/lib/backoff"
	"github.com/bureau-foundation/roomsync/lib/clock"
	"github.com/bureau-foundation/roomsync/lib/metrics"
	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/transport"
)

// DefaultFingerprintWindow bounds how far apart an echo's creation
// time and a synced event's server timestamp may be for the fallback
// fingerprint match.
const DefaultFingerprintWindow = 10 * time.Minute

// DefaultClockSkew is how far a synced event's server timestamp may
// precede the echo's local creation time and still match it by
// fingerprint.
const DefaultClockSkew = 10 * time.Second

// Sender is the part of a transport session the queue needs.
// *transport.Session implements it.
type Sender interface {
	Send(ctx context.Context, roomID ref.RoomID, transactionID string, eventType ref.EventType, content any) (transport.Ack, error)
	UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (string, error)
}

// Config configures a Queue.
type Config struct {
	Sender    Sender
	Timelines *timeline.Store

	// UserID is the local user: the sender of every echo.
	UserID ref.UserID

	// Persister, if set, stores undelivered echoes for Restore.
	Persister Persister

	// Retry schedules attempts after transient failures. Default
	// backoff.Delivery (three attempts).
	Retry backoff.Policy

	// SendRate and SendBurst configure the token bucket every send
	// passes through. Defaults: 5 per second, burst 10.
	SendRate  rate.Limit
	SendBurst int

	// MaxMediaBytes rejects larger attachments at Enqueue. Zero means
	// no limit.
	MaxMediaBytes int64

	// FingerprintWindow defaults to DefaultFingerprintWindow.
	FingerprintWindow time.Duration

	// ClockSkew defaults to DefaultClockSkew.
	ClockSkew time.Duration

	// OnFailure, if set, is called once for every echo that fails. It
	// must not block.
	OnFailure func(*DeliveryFailure)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Queue is the outbound delivery queue. All methods are safe for
// concurrent use.
type Queue struct {
	sender        Sender
	timelines     *timeline.Store
	userID        ref.UserID
	persister     Persister
	policy        backoff.Policy
	limiter       *rate.Limiter
	maxMediaBytes int64
	window        time.Duration
	skew          time.Duration
	onFailure     func(*DeliveryFailure)
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	lifetime context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup

	// persistMu orders writes to the persister, so a record saved
	// after its entry was claimed cannot outlive the claim's delete.
	// It is taken before mu, never while holding it.
	persistMu sync.Mutex

	mu     sync.Mutex
	closed bool
	echoes map[string]*entry
	byTxn  map[string]*entry
}

// entry is a queued echo. Fields are guarded by Queue.mu.
type entry struct {
	record      Record
	fingerprint payload.Fingerprint

	// inFlight is set while a delivery goroutine owns the entry;
	// stop cancels that goroutine. generation identifies the owning
	// goroutine so a finished one cannot release its successor.
	inFlight   bool
	stop       context.CancelFunc
	generation uint64

	// sendIssued is set once a send request has been handed to the
	// transport. Only such echoes can be confirmed by fingerprint.
	sendIssued bool
}

// New validates config and creates a Queue.
func New(config Config) (*Queue, error) {
	var errs []error
	if config.Sender == nil {
		errs = append(errs, errors.New("Sender is required"))
	}
	if config.Timelines == nil {
		errs = append(errs, errors.New("Timelines is required"))
	}
	if config.UserID.IsZero() {
		errs = append(errs, errors.New("UserID is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("outbox: invalid config: %w", err)
	}

	if config.Retry == (backoff.Policy{}) {
		config.Retry = backoff.Delivery
	}
	if config.SendRate == 0 {
		config.SendRate = 5
	}
	if config.SendBurst <= 0 {
		config.SendBurst = 10
	}
	if config.FingerprintWindow <= 0 {
		config.FingerprintWindow = DefaultFingerprintWindow
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = DefaultClockSkew
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:        config.Sender,
		timelines:     config.Timelines,
		userID:        config.UserID,
		persister:     config.Persister,
		policy:        config.Retry,
		limiter:       rate.NewLimiter(config.SendRate, config.SendBurst),
		maxMediaBytes: config.MaxMediaBytes,
		window:        config.FingerprintWindow,
		skew:          config.ClockSkew,
		onFailure:     config.OnFailure,
		clock:         config.Clock,
		logger:        config.Logger,
		metrics:       config.Metrics,
		lifetime:      lifetime,
		cancel:        cancel,
		echoes:        make(map[string]*entry),
		byTxn:         make(map[string]*entry),
	}, nil
}

// Enqueue validates the payload, appends a pending echo to the room's
// timeline and starts delivery. It returns the echo's local ID without
// waiting for the network.
func (q *Queue) Enqueue(roomID ref.RoomID, content payload.Payload) (string, error) {
	if roomID.IsZero() {
		return "", errors.New("outbox: room ID is required")
	}
	if err := content.Validate(q.maxMediaBytes); err != nil {
		return "", err
	}

	record := Record{
		LocalID:   uuid.Must(uuid.NewV7()).String(),
		TxnID:     "roomsync." + uuid.NewString(),
		RoomID:    roomID,
		Sender:    q.userID,
		Payload:   content,
		CreatedAt: q.clock.Now().UTC(),
		State:     timeline.EchoPending,
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	if q.persister != nil {
		if err := q.persister.SaveEcho(q.lifetime, record); err != nil {
			return "", fmt.Errorf("outbox: persist echo: %w", err)
		}
	}
	if err := q.timelines.Room(roomID).AppendEcho(record.echo()); err != nil {
		q.forget(record.LocalID)
		return "", fmt.Errorf("outbox: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.timelines.Room(roomID).RemoveEcho(record.LocalID)
		q.forget(record.LocalID)
		return "", ErrQueueClosed
	}
	e := q.addLocked(record)
	q.metrics.EchoQueued()
	q.startLocked(e)
	q.mu.Unlock()

	q.logger.Debug("message queued",
		"local_id", record.LocalID,
		"room_id", roomID.String(),
		"kind", string(content.Kind),
	)
	return record.LocalID, nil
}

// Retry re-queues a failed echo with a fresh attempt budget.
func (q *Queue) Retry(localID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	e, ok := q.echoes[localID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEcho, localID)
	}
	if e.record.State != timeline.EchoFailed || e.inFlight {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFailed, localID)
	}
	e.record.State = timeline.EchoPending
	e.record.Attempts = 0
	e.record.Error = ""
	record := e.record
	q.metrics.EchoRequeued()
	q.timelines.Room(record.RoomID).UpdateEcho(localID, timeline.EchoPending, "")
	q.startLocked(e)
	q.mu.Unlock()

	q.persist(e)
	q.logger.Info("retrying message", "local_id", localID, "room_id", record.RoomID.String())
	return nil
}

// Discard drops a pending or failed echo from the queue and the
// timeline. A send already in flight may still reach the homeserver;
// the event then arrives through sync as an ordinary message.
func (q *Queue) Discard(localID string) error {
	q.mu.Lock()
	e, ok := q.echoes[localID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEcho, localID)
	}
	record := e.record
	q.claimLocked(e)
	q.mu.Unlock()

	if record.State != timeline.EchoFailed {
		q.metrics.EchoFinished(metrics.OutcomeDiscarded)
	}
	q.timelines.Room(record.RoomID).RemoveEcho(localID)
	q.forget(localID)
	q.logger.Info("message discarded", "local_id", localID, "room_id", record.RoomID.String())
	return nil
}

// Pending returns the number of echoes in the queue, failed ones
// included.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.echoes)
}

// Reconcile consumes the events that confirm queued echoes, replacing
// each echo in the timeline, and returns the others. Events carrying a
// transaction ID match on it alone; events without one fall back to the
// oldest echo with the same fingerprint whose send has been issued and
// whose creation time the event's timestamp follows, within the clock
// skew allowance and the fingerprint window.
func (q *Queue) Reconcile(roomID ref.RoomID, events []timeline.Event) []timeline.Event {
	type claim struct {
		localID string
		failed  bool
		event   timeline.Event
	}
	var claims []claim
	rest := make([]timeline.Event, 0, len(events))

	q.mu.Lock()
	for _, event := range events {
		if event.Sender != q.userID || event.Type != ref.EventTypeMessage {
			rest = append(rest, event)
			continue
		}
		e := q.matchLocked(roomID, event)
		if e == nil {
			rest = append(rest, event)
			continue
		}
		q.claimLocked(e)
		claims = append(claims, claim{
			localID: e.record.LocalID,
			failed:  e.record.State == timeline.EchoFailed,
			event:   event,
		})
	}
	q.mu.Unlock()

	for _, c := range claims {
		q.timelines.Room(roomID).Reconcile(c.localID, c.event)
		q.forget(c.localID)
		if !c.failed {
			q.metrics.EchoFinished(metrics.OutcomeReconciledSync)
		}
		q.logger.Debug("echo reconciled by sync", "local_id", c.localID, "event_id", c.event.ID.String())
	}
	return rest
}

func (q *Queue) matchLocked(roomID ref.RoomID, event timeline.Event) *entry {
	if event.TxnID != "" {
		e, ok := q.byTxn[event.TxnID]
		if ok && e.record.RoomID == roomID {
			return e
		}
		return nil
	}

	fingerprint := event.Payload.Fingerprint(roomID, event.Sender)
	var oldest *entry
	for _, e := range q.echoes {
		if e.record.RoomID != roomID || e.fingerprint != fingerprint || !e.sendIssued {
			continue
		}
		gap := event.Timestamp.Sub(e.record.CreatedAt)
		if gap < -q.skew || gap > q.window {
			continue
		}
		if oldest == nil || e.record.CreatedAt.Before(oldest.record.CreatedAt) {
			oldest = e
		}
	}
	return oldest
}

// Restore loads persisted echoes into their timelines and resumes
// delivery of those that had not failed. It returns how many were
// resumed.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.persister == nil {
		return 0, nil
	}
	records, err := q.persister.LoadEchoes(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: load persisted echoes: %w", err)
	}

	resumed := 0
	for _, record := range records {
		if record.Sender != q.userID {
			q.logger.Warn("dropping persisted echo from another account", "local_id", record.LocalID, "sender", record.Sender.String())
			q.forget(record.LocalID)
			continue
		}
		if record.State == timeline.EchoSent {
			record.State = timeline.EchoPending
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return resumed, ErrQueueClosed
		}
		if _, exists := q.echoes[record.LocalID]; exists {
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		if err := q.timelines.Room(record.RoomID).AppendEcho(record.echo()); err != nil {
			q.logger.Warn("skipping persisted echo", "local_id", record.LocalID, "error", err)
			continue
		}

		q.mu.Lock()
		e := q.addLocked(record)
		// An earlier process may have issued the send before stopping.
		e.sendIssued = record.Attempts > 0
		if record.State != timeline.EchoFailed {
			q.metrics.EchoQueued()
			q.startLocked(e)
			resumed++
		}
		q.mu.Unlock()
	}
	if len(records) > 0 {
		q.logger.Info("restored queued messages", "total", len(records), "resumed", resumed)
	}
	return resumed, nil
}

// Close stops every delivery goroutine and waits for them. No send
// starts after Close returns. Echoes that were still undelivered are
// marked failed with ErrQueueClosed in their timelines but stay
// persisted for Restore.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.workers.Wait()

	var interrupted []Record
	q.mu.Lock()
	for _, e := range q.echoes {
		if e.record.State != timeline.EchoFailed {
			interrupted = append(interrupted, e.record)
		}
	}
	q.mu.Unlock()

	for _, record := range interrupted {
		q.timelines.Room(record.RoomID).UpdateEcho(record.LocalID, timeline.EchoFailed, ErrQueueClosed.Error())
		q.report(&DeliveryFailure{LocalID: record.LocalID, RoomID: record.RoomID, Attempts: record.Attempts, Err: ErrQueueClosed})
	}
	if len(interrupted) > 0 {
		q.logger.Info("outbox closed with undelivered messages", "count", len(interrupted))
	}
}

func (q *Queue) addLocked(record Record) *entry {
	e := &entry{
		record:      record,
		fingerprint: record.Payload.Fingerprint(record.RoomID, record.Sender),
	}
	q.echoes[record.LocalID] = e
	q.byTxn[record.TxnID] = e
	return e
}

// claimLocked removes e from the queue and stops its delivery. The
// caller owns the timeline update.
func (q *Queue) claimLocked(e *entry) {
	delete(q.echoes, e.record.LocalID)
	delete(q.byTxn, e.record.TxnID)
	if e.stop != nil {
		e.stop()
	}
}

// startLocked launches the delivery goroutine for e unless the queue is
// closed or one is already running.
func (q *Queue) startLocked(e *entry) {
	if q.closed || e.inFlight {
		return
	}
	ctx, stop := context.WithCancel(q.lifetime)
	e.generation++
	e.inFlight = true
	e.stop = stop
	q.workers.Add(1)
	go q.deliver(ctx, e, e.generation)
}

// releaseLocked ends generation's ownership of e, if it still owns it.
func (q *Queue) releaseLocked(e *entry, generation uint64) context.CancelFunc {
	if e.generation != generation || !e.inFlight {
		return nil
	}
	stop := e.stop
	e.inFlight = false
	e.stop = nil
	return stop
}

func (q *Queue) deliver(ctx context.Context, e *entry, generation uint64) {
	defer q.workers.Done()
	defer func() {
		q.mu.Lock()
		stop := q.releaseLocked(e, generation)
		q.mu.Unlock()
		if stop != nil {
			stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		q.mu.Lock()
		if _, queued := q.echoes[e.record.LocalID]; !queued {
			q.mu.Unlock()
			return
		}
		e.record.Attempts = attempt
		record := e.record
		q.mu.Unlock()

		ack, err := q.attempt(ctx, e, record)
		if err == nil {
			q.metrics.ObserveDelivery(metrics.ResultOK)
			q.acknowledged(e, ack)
			return
		}
		if ctx.Err() != nil {
			q.metrics.ObserveDelivery(metrics.ResultCanceled)
			q.pause(e)
			return
		}

		transient := transport.IsNetworkError(err)
		switch {
		case transient:
			q.metrics.ObserveDelivery(metrics.ResultTransient)
		case transport.IsAuthError(err):
			q.metrics.ObserveDelivery(metrics.ResultAuth)
		default:
			q.metrics.ObserveDelivery(metrics.ResultPermanent)
		}
		if !transient || q.policy.Exhausted(attempt) {
			q.fail(e, generation, attempt, err)
			return
		}

		delay := q.policy.Delay(attempt)
		var networkErr *transport.NetworkError
		if errors.As(err, &networkErr) && networkErr.RetryAfter > delay {
			delay = networkErr.RetryAfter
		}
		q.logger.Warn("send failed, retrying",
			"local_id", record.LocalID,
			"room_id", record.RoomID.String(),
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
		q.timelines.Room(record.RoomID).UpdateEcho(record.LocalID, timeline.EchoPending, "")
		if err := backoff.Wait(ctx, q.clock, delay); err != nil {
			q.pause(e)
			return
		}
	}
}

// attempt uploads media if needed, then sends the event.
func (q *Queue) attempt(ctx context.Context, e *entry, record Record) (transport.Ack, error) {
	content := record.Payload
	if content.NeedsUpload() {
		media := content.Media
		uri, err := q.sender.UploadMedia(ctx, media.ContentType, media.Filename, bytes.NewReader(media.Data))
		if err != nil {
			return transport.Ack{}, err
		}
		content = content.WithURI(uri)

		q.mu.Lock()
		e.record.Payload = content
		q.mu.Unlock()
		q.persist(e)
		q.logger.Debug("media uploaded", "local_id", record.LocalID, "uri", uri)
	}

	body, err := content.Content()
	if err != nil {
		return transport.Ack{}, err
	}

	q.mu.Lock()
	if current, queued := q.echoes[record.LocalID]; !queued || current != e || ctx.Err() != nil {
		q.mu.Unlock()
		return transport.Ack{}, context.Canceled
	}
	e.sendIssued = true
	q.mu.Unlock()

	q.timelines.Room(record.RoomID).UpdateEcho(record.LocalID, timeline.EchoSent, "")
	return q.sender.Send(ctx, record.RoomID, record.TxnID, ref.EventTypeMessage, body)
}

// acknowledged reconciles e with the acknowledged event, unless sync
// got there first. The event's timestamp is provisional until sync
// delivers the server's copy.
func (q *Queue) acknowledged(e *entry, ack transport.Ack) {
	q.mu.Lock()
	current, queued := q.echoes[e.record.LocalID]
	if !queued || current != e {
		q.mu.Unlock()
		return
	}
	record := e.record
	q.claimLocked(e)
	q.mu.Unlock()

	confirmed := record.echo()
	confirmed.ID = ack.EventID
	confirmed.Echo = false
	confirmed.EchoState = timeline.EchoPending
	confirmed.Provisional = true
	q.timelines.Room(record.RoomID).Reconcile(record.LocalID, confirmed)
	q.forget(record.LocalID)
	q.metrics.EchoFinished(metrics.OutcomeReconciledAck)
	q.logger.Debug("message delivered",
		"local_id", record.LocalID,
		"event_id", ack.EventID.String(),
		"attempts", record.Attempts,
	)
}

// fail marks e permanently failed and reports it. The entry is
// released first so the failure callback may Retry it.
func (q *Queue) fail(e *entry, generation uint64, attempts int, cause error) {
	q.mu.Lock()
	if _, queued := q.echoes[e.record.LocalID]; !queued {
		q.mu.Unlock()
		return
	}
	e.record.State = timeline.EchoFailed
	e.record.Attempts = attempts
	e.record.Error = cause.Error()
	record := e.record
	stop := q.releaseLocked(e, generation)
	q.mu.Unlock()
	if stop != nil {
		stop()
	}

	q.timelines.Room(record.RoomID).UpdateEcho(record.LocalID, timeline.EchoFailed, record.Error)
	q.persist(e)
	q.metrics.EchoFinished(metrics.OutcomeFailed)
	q.logger.Warn("message delivery failed",
		"local_id", record.LocalID,
		"room_id", record.RoomID.String(),
		"attempts", attempts,
		"error", cause,
	)
	q.report(&DeliveryFailure{LocalID: record.LocalID, RoomID: record.RoomID, Attempts: attempts, Err: cause})
}

// pause returns an interrupted echo to pending. Close then marks it
// failed; a claimed echo is already gone and is left alone.
func (q *Queue) pause(e *entry) {
	q.mu.Lock()
	_, queued := q.echoes[e.record.LocalID]
	record := e.record
	q.mu.Unlock()
	if queued {
		q.timelines.Room(record.RoomID).UpdateEcho(record.LocalID, timeline.EchoPending, "")
	}
}

func (q *Queue) report(failure *DeliveryFailure) {
	if q.onFailure != nil {
		q.onFailure(failure)
	}
}

// persist saves e's current record while e is still queued; a claimed
// entry is never written back. Persistence errors are logged, not
// returned: the in-memory queue stays authoritative while the process
// runs.
func (q *Queue) persist(e *entry) {
	if q.persister == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	current, queued := q.echoes[e.record.LocalID]
	record := e.record
	q.mu.Unlock()
	if !queued || current != e {
		return
	}
	if err := q.persister.SaveEcho(context.WithoutCancel(q.lifetime), record); err != nil {
		q.logger.Error("persisting queued message failed", "local_id", record.LocalID, "error", err)
	}
}

func (q *Queue) forget(localID string) {
	if q.persister == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if err := q.persister.DeleteEcho(context.WithoutCancel(q.lifetime), localID); err != nil {
		q.logger.Error("removing persisted message failed", "local_id", localID, "error", err)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sync/atomic"

	"github.com/bureau-foundation/roomsync/lib/outbox"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/transport"
)

// SubscriptionBuffer is the notification buffer per subscriber.
const SubscriptionBuffer = 256

// Kind classifies a Notification.
type Kind int

const (
	// TimelineChanged: RoomID's timeline has a new snapshot.
	TimelineChanged Kind = iota
	// DeliveryFailed: an echo will not be delivered without Retry.
	// Failure says which.
	DeliveryFailed
	// ConnectionChanged: the transport moved to State.
	ConnectionChanged
	// AuthLost: the homeserver rejected the access token. Sync and
	// delivery have stopped; the user must log in again.
	AuthLost
)

func (k Kind) String() string {
	switch k {
	case TimelineChanged:
		return "timeline_changed"
	case DeliveryFailed:
		return "delivery_failed"
	case ConnectionChanged:
		return "connection_changed"
	case AuthLost:
		return "auth_lost"
	default:
		return "unknown"
	}
}

// Notification is one change hint.
type Notification struct {
	Kind    Kind
	RoomID  ref.RoomID
	State   transport.State
	Failure *outbox.DeliveryFailure
}

// Subscription receives notifications until Unsubscribe or the
// coordinator closes, at which point C is closed.
type Subscription struct {
	channel chan Notification
	missed  atomic.Bool
}

// C returns the notification channel.
func (s *Subscription) C() <-chan Notification { return s.channel }

// Missed reports whether notifications were dropped because C was
// full, and clears the flag. A subscriber that missed notifications
// should re-read every snapshot it displays.
func (s *Subscription) Missed() bool { return s.missed.Swap(false) }

func (s *Subscription) offer(notification Notification) {
	select {
	case s.channel <- notification:
	default:
		s.missed.Store(true)
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed
// coordinator returns a subscription whose channel is already closed.
func (c *Coordinator) Subscribe() *Subscription {
	subscription := &Subscription{channel: make(chan Notification, SubscriptionBuffer)}
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if c.subscribers == nil {
		close(subscription.channel)
		return subscription
	}
	c.subscribers[subscription] = struct{}{}
	return subscription
}

// Unsubscribe removes the subscriber and closes its channel. It is
// safe to call more than once.
func (c *Coordinator) Unsubscribe(subscription *Subscription) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if _, ok := c.subscribers[subscription]; ok {
		delete(c.subscribers, subscription)
		close(subscription.channel)
	}
}

func (c *Coordinator) broadcast(notification Notification) {
	c.subscriberMu.RLock()
	defer c.subscriberMu.RUnlock()
	for subscription := range c.subscribers {
		subscription.offer(notification)
	}
}

// closeSubscriptions closes every channel and rejects new subscribers.
func (c *Coordinator) closeSubscriptions() {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for subscription := range c.subscribers {
		close(subscription.channel)
	}
	c.subscribers = nil
}

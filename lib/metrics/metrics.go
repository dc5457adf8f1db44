// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for sync and
// delivery. Every method is safe on a nil *Metrics, so components take
// an optional *Metrics and record unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultAuth      = "auth"
	ResultPermanent = "permanent"
	ResultCanceled  = "canceled"
)

// Echo outcome labels.
const (
	OutcomeReconciledAck  = "reconciled_ack"
	OutcomeReconciledSync = "reconciled_sync"
	OutcomeFailed         = "failed"
	OutcomeDiscarded      = "discarded"
)

// Metrics is a set of collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	syncRequests     *prometheus.CounterVec
	eventsMerged     prometheus.Counter
	deliveryAttempts *prometheus.CounterVec
	echoOutcomes     *prometheus.CounterVec
	echoesPending    prometheus.Gauge
	timelineEvents   *prometheus.GaugeVec
	connectionState  prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		syncRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_sync_requests_total",
			Help: "Sync requests by result",
		}, []string{"result"}),
		eventsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_events_merged_total",
			Help: "Server events inserted into room timelines",
		}),
		deliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_delivery_attempts_total",
			Help: "Outbound send attempts by result",
		}, []string{"result"}),
		echoOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_echo_outcomes_total",
			Help: "Local echoes that left the queue, by outcome",
		}, []string{"outcome"}),
		echoesPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_echoes_pending",
			Help: "Local echoes awaiting delivery",
		}),
		timelineEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomsync_timeline_events",
			Help: "Confirmed events held per room timeline",
		}, []string{"room_id"}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_connection_state",
			Help: "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 offline, 4 auth failed",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one sync request and the events it inserted.
func (m *Metrics) ObserveSync(result string, inserted int) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(result).Inc()
	if inserted > 0 {
		m.eventsMerged.Add(float64(inserted))
	}
}

// ObserveDelivery records one send attempt.
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(result).Inc()
}

// EchoQueued counts a new undelivered echo.
func (m *Metrics) EchoQueued() {
	if m == nil {
		return
	}
	m.echoesPending.Inc()
}

// EchoRequeued moves a failed echo back to pending.
func (m *Metrics) EchoRequeued() { m.EchoQueued() }

// EchoFinished records an echo leaving the pending set.
func (m *Metrics) EchoFinished(outcome string) {
	if m == nil {
		return
	}
	m.echoesPending.Dec()
	m.echoOutcomes.WithLabelValues(outcome).Inc()
}

// SetTimelineSize records the confirmed event count for a room.
func (m *Metrics) SetTimelineSize(roomID string, events int) {
	if m == nil {
		return
	}
	m.timelineEvents.WithLabelValues(roomID).Set(float64(events))
}

// SetConnectionState records the transport state as its numeric value.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

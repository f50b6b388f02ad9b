// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "carechat"
	streamSubsystem  = "stream"
)

// Metrics holds the Prometheus collectors for streamed replies.
//
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	// StreamsTotal counts finished streams. Labels: outcome.
	StreamsTotal *prometheus.CounterVec

	// RejectedTotal counts sends refused before any network call.
	// Labels: reason (validation, in_flight).
	RejectedTotal *prometheus.CounterVec

	// DeltasTotal counts text fragments received.
	DeltasTotal prometheus.Counter

	// TimeToFirstDeltaSeconds measures request-to-first-fragment latency.
	TimeToFirstDeltaSeconds prometheus.Histogram

	// StreamDurationSeconds measures request-to-completion time. Labels: outcome.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams is 1 while a stream is outstanding.
	ActiveStreams prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "streams_total",
			Help:      "Finished chat streams by outcome",
		}, []string{"outcome"}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "rejected_total",
			Help:      "Chat sends rejected before any request was made",
		}, []string{"reason"}),
		DeltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "deltas_total",
			Help:      "Text fragments received across all streams",
		}),
		TimeToFirstDeltaSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "time_to_first_delta_seconds",
			Help:      "Latency from request to first text fragment",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "duration_seconds",
			Help:      "Latency from request to completion",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamSubsystem,
			Name:      "active",
			Help:      "Streams currently outstanding",
		}),
	}
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) delta(first bool, sinceStart float64) {
	if m == nil {
		return
	}
	m.DeltasTotal.Inc()
	if first {
		m.TimeToFirstDeltaSeconds.Observe(sinceStart)
	}
}

func (m *Metrics) finished(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(outcome.String()).Inc()
	m.StreamDurationSeconds.WithLabelValues(outcome.String()).Observe(seconds)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the history store's collectors. Nil-safe.
type Metrics struct {
	// PageFetchesTotal counts page requests. Labels: kind (initial, more),
	// status (ok, error, superseded).
	PageFetchesTotal *prometheus.CounterVec

	// DuplicatesDroppedTotal counts messages skipped because their id was
	// already loaded.
	DuplicatesDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PageFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carechat",
			Subsystem: "history",
			Name:      "page_fetches_total",
			Help:      "History page requests by kind and status",
		}, []string{"kind", "status"}),
		DuplicatesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "carechat",
			Subsystem: "history",
			Name:      "duplicates_dropped_total",
			Help:      "Messages skipped because their id was already loaded",
		}),
	}
}

func (m *Metrics) fetched(kind, status string) {
	if m == nil {
		return
	}
	m.PageFetchesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DuplicatesDroppedTotal.Add(float64(n))
}

/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricsCollector struct {
	records          prometheus.Gauge
	recordsCreated   prometheus.Counter
	recordsRemoved   prometheus.Counter
	descriptionsSent *prometheus.CounterVec
	candidates       *prometheus.CounterVec
	captures         *prometheus.CounterVec
}

// newMetricsCollector creates the session collectors. With a nil registerer
// the collectors are not registered anywhere.
func newMetricsCollector(registerer prometheus.Registerer) *metricsCollector {
	factory := promauto.With(registerer)

	return &metricsCollector{
		records: factory.NewGauge(prometheus.GaugeOpts{
			Name: "call_records",
			Help: "Number of live peer connection records",
		}),
		recordsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "call_records_created_total",
			Help: "Total number of peer connection records created",
		}),
		recordsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "call_records_removed_total",
			Help: "Total number of peer connection records removed",
		}),
		descriptionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_descriptions_sent_total",
			Help: "Total number of session descriptions sent",
		}, []string{"type"}),
		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_candidates_total",
			Help: "Total number of ICE candidates handled",
		}, []string{"result"}), // "sent" | "applied" | "skipped" | "buffered" | "failed"
		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_captures_total",
			Help: "Total number of local media capture requests",
		}, []string{"result"}),
	}
}

func (m *metricsCollector) recordCreated() {
	m.records.Inc()
	m.recordsCreated.Inc()
}

func (m *metricsCollector) recordRemoved() {
	m.records.Dec()
	m.recordsRemoved.Inc()
}

func (m *metricsCollector) descriptionSent(descriptionType string) {
	m.descriptionsSent.WithLabelValues(descriptionType).Inc()
}

func (m *metricsCollector) candidate(result string) {
	m.candidates.WithLabelValues(result).Inc()
}

func (m *metricsCollector) capture(result string) {
	m.captures.WithLabelValues(result).Inc()
}

// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package lro

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	startedTotal  *prometheus.CounterVec
	finishedTotal *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		startedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xenon",
				Name:      "operations_started_total",
				Help:      "Long-running operations started, by kind.",
			},
			[]string{"kind"},
		),
		finishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xenon",
				Name:      "operations_finished_total",
				Help:      "Long-running operations that reached a terminal state, by kind and state.",
			},
			[]string{"kind", "state"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "xenon",
				Name:      "operations_in_flight",
				Help:      "Long-running operations not yet terminal, by kind.",
			},
			[]string{"kind"},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.startedTotal, m.finishedTotal, m.inFlight)
}

func (m *metrics) started(kind Kind) {
	m.startedTotal.WithLabelValues(string(kind)).Inc()
	m.inFlight.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) finished(kind Kind, state State) {
	m.finishedTotal.WithLabelValues(string(kind), string(state)).Inc()
	m.inFlight.WithLabelValues(string(kind)).Dec()
}

func (m *metrics) abandoned(kind Kind) {
	m.inFlight.WithLabelValues(string(kind)).Dec()
}

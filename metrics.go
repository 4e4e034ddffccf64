// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the work done by an engine.
type Metrics struct {
	// Statements counts executed statements by kind: select, insert,
	// update, delete, text, savepoint.
	Statements *prometheus.CounterVec
	// Loads counts attribute loads triggered on access by loader: lazy,
	// get, deferred, expired.
	Loads *prometheus.CounterVec
	// Rows counts the rows processed into results.
	Rows prometheus.Counter
}

// NewMetrics returns unregistered metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlorm",
			Name:      "statements_total",
			Help:      "Number of statements executed.",
		}, []string{"kind"}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlorm",
			Name:      "attribute_loads_total",
			Help:      "Number of attribute loads triggered on access.",
		}, []string{"loader"}),
		Rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqlorm",
			Name:      "rows_total",
			Help:      "Number of result rows processed.",
		}),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Statements, m.Loads, m.Rows} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) statement(kind string) {
	m.Statements.WithLabelValues(kind).Inc()
}

func (m *Metrics) load(loader string) {
	m.Loads.WithLabelValues(loader).Inc()
}

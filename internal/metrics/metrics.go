// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the workers and the dashboard update.
type Metrics struct {
	Registry *prometheus.Registry

	QueueSize             *prometheus.GaugeVec
	AcquisitionsTotal     *prometheus.CounterVec
	QuotaRefusalsTotal    prometheus.Counter
	WatchlistFetchesTotal *prometheus.CounterVec
	RetentionDeletions    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fetcharr",
			Name:      "queue_size",
			Help:      "Number of items per queue",
		}, []string{"queue"}),
		AcquisitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "acquisitions_total",
			Help:      "Acquisition attempts by outcome",
		}, []string{"outcome"}),
		QuotaRefusalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "quota_refusals_total",
			Help:      "Downloads refused because the storage quota was reached",
		}),
		WatchlistFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "watchlist_fetches_total",
			Help:      "Watchlist poll attempts by outcome",
		}, []string{"outcome"}),
		RetentionDeletions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "retention_deletions_total",
			Help:      "Items cleaned up after leaving the watchlist",
		}),
	}
}

// ObserveQueues records queue sizes from a statistics snapshot.
func (m *Metrics) ObserveQueues(pending, failed, completed, removed int) {
	m.QueueSize.WithLabelValues("pending").Set(float64(pending))
	m.QueueSize.WithLabelValues("failed").Set(float64(failed))
	m.QueueSize.WithLabelValues("completed").Set(float64(completed))
	m.QueueSize.WithLabelValues("removed").Set(float64(removed))
}

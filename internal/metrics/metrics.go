/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package metrics exposes thermalguard's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "thermalguard"

// Metrics bundles every counter/gauge the ingest pipeline updates. A
// single instance is created per process and registered against a
// private Registry so tests can construct throwaway instances without
// colliding on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsTotal        *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	QueueDropped        prometheus.Counter
	ActiveConns         prometheus.Gauge
	PeriodicOnFailsafes prometheus.Counter
	DispatchTotal       *prometheus.CounterVec
	FusionAlarms        *prometheus.CounterVec
	PacketLatency       prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total wire packets decoded, labeled by loc_id and kind.",
		}, []string{"loc_id", "kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total decode/parse errors, labeled by loc_id and error kind.",
		}, []string{"loc_id", "kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of lines buffered ahead of the batch parser.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Total lines dropped by the bounded ingest queue under overload.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of live device TCP connections.",
		}),
		PeriodicOnFailsafes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periodic_on_failsafe_fired_total",
			Help:      "Total PERIOD_ON failsafe retries issued on first-frame arrival.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_commands_total",
			Help:      "Total commands dispatched to devices, labeled by command name.",
		}, []string{"command"}),
		FusionAlarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_alarms_total",
			Help:      "Total fusion alarm verdicts, labeled by loc_id.",
		}, []string{"loc_id"}),
		PacketLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "packet_latency_seconds",
			Help:      "Per-packet latency from queue enqueue to handler return.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(m.PacketsTotal, m.ErrorsTotal, m.QueueDepth, m.QueueDropped,
		m.ActiveConns, m.PeriodicOnFailsafes, m.DispatchTotal, m.FusionAlarms, m.PacketLatency)
	return m
}

// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus instrumentation surface: send outcomes keyed
// by a caller-chosen series label (pkg/rmr passes "mtype:N" or
// "wormhole"), retries, the active route-table generation, and ring
// depth. Grounded on m-lab-tcp-info's and runZeroInc-conniver/sockstats's
// shared shape for this kind of counter set (a CounterVec keyed by
// outcome/endpoint, paired with a couple of Gauges for point-in-time
// depth), adapted here from per-connection TCP_INFO samples to RMR's
// per-endpoint send counters.
type Metrics struct {
	sends        *prometheus.CounterVec
	retries      prometheus.Counter
	ringDepth    prometheus.Gauge
	freeDepth    prometheus.Gauge
	tableGen     prometheus.Gauge
	wormholeOpen prometheus.Gauge
}

// NewMetrics registers the full metric set against reg. Passing a fresh
// prometheus.NewRegistry() per Context keeps multiple test contexts from
// colliding on the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmr",
			Name:      "sends_total",
			Help:      "Messages sent, partitioned by series label (message type or wormhole) and outcome (ok, retry, failed).",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmr",
			Name:      "send_retries_total",
			Help:      "Transport write attempts that hit a retryable error (EAGAIN/ETIMEDOUT).",
		}),
		ringDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmr",
			Name:      "receive_ring_depth",
			Help:      "Current depth of the normal-traffic receive ring.",
		}),
		freeDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmr",
			Name:      "free_ring_depth",
			Help:      "Current depth of the free-mbuf ring.",
		}),
		tableGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmr",
			Name:      "route_table_generation",
			Help:      "Monotonic counter of route table activations observed by this context.",
		}),
		wormholeOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmr",
			Name:      "wormholes_open",
			Help:      "Number of currently open wormhole slots.",
		}),
	}

	reg.MustRegister(m.sends, m.retries, m.ringDepth, m.freeDepth, m.tableGen, m.wormholeOpen)
	return m
}

func (m *Metrics) ObserveSend(endpoint string, state State) {
	if m == nil {
		return
	}
	outcome := "failed"
	switch state {
	case StateOK:
		outcome = "ok"
	case StateRetry:
		outcome = "retry"
	}
	m.sends.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) SetRingDepth(n int) {
	if m != nil {
		m.ringDepth.Set(float64(n))
	}
}

func (m *Metrics) SetFreeDepth(n int) {
	if m != nil {
		m.freeDepth.Set(float64(n))
	}
}

func (m *Metrics) IncTableGeneration() {
	if m != nil {
		m.tableGen.Inc()
	}
}

func (m *Metrics) SetWormholesOpen(n int) {
	if m != nil {
		m.wormholeOpen.Set(float64(n))
	}
}

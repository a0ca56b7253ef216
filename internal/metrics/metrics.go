// Package metrics holds the Prometheus collectors for suspend cycles,
// offload power-management failures and the RX hold queue.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lpa"

// Metrics is the set of collectors shared by the controller and the OLM.
type Metrics struct {
	cycles       *prometheus.CounterVec
	sleepSeconds prometheus.Counter
	sleepWait    prometheus.Histogram
	pmErrors     *prometheus.CounterVec
	initFailures *prometheus.CounterVec
	rxHeld       prometheus.Counter
	rxDropped    prometheus.Counter
	suspended    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// Registration conflicts panic, as prometheus.MustRegister does.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspend_cycles_total",
				Help:      "Suspend cycles by returned status.",
			},
			[]string{"status"},
		),
		sleepSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sleep_seconds_total",
			Help:      "Cumulative time the network stack spent suspended.",
		}),
		sleepWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sleep_duration_seconds",
			Help:      "Duration of individual activity waits while suspended.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 9),
		}),
		pmErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offload_pm_errors_total",
				Help:      "Offload power-management failures by offload and target state.",
			},
			[]string{"offload", "state"},
		),
		initFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offload_init_failures_total",
				Help:      "Offload initialisation failures by offload.",
			},
			[]string{"offload"},
		),
		rxHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_held_total",
			Help:      "Frames queued while the network stack was suspended.",
		}),
		rxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_dropped_total",
			Help:      "Frames dropped because the RX hold queue was full.",
		}),
		suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspended",
			Help:      "1 while the network stack is suspended.",
		}),
	}
	reg.MustRegister(
		m.cycles,
		m.sleepSeconds,
		m.sleepWait,
		m.pmErrors,
		m.initFailures,
		m.rxHeld,
		m.rxDropped,
		m.suspended,
	)
	return m
}

// Cycle records the outcome of one suspend cycle.
func (m *Metrics) Cycle(status string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
}

// Slept records one activity wait.
func (m *Metrics) Slept(d time.Duration) {
	if m == nil {
		return
	}
	m.sleepSeconds.Add(d.Seconds())
	m.sleepWait.Observe(d.Seconds())
}

// PMError counts a failed or panicking PM call.
func (m *Metrics) PMError(offload, state string) {
	if m == nil {
		return
	}
	m.pmErrors.WithLabelValues(offload, state).Inc()
}

// InitFailure counts a failed Init call.
func (m *Metrics) InitFailure(offload string) {
	if m == nil {
		return
	}
	m.initFailures.WithLabelValues(offload).Inc()
}

// RXHeld counts a frame queued while suspended.
func (m *Metrics) RXHeld() {
	if m == nil {
		return
	}
	m.rxHeld.Inc()
}

// RXDropped counts a frame dropped from a full hold queue.
func (m *Metrics) RXDropped() {
	if m == nil {
		return
	}
	m.rxDropped.Inc()
}

// SetSuspended updates the suspended gauge.
func (m *Metrics) SetSuspended(on bool) {
	if m == nil {
		return
	}
	if on {
		m.suspended.Set(1)
		return
	}
	m.suspended.Set(0)
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Cycle("wait_timeout_expired")
	m.Cycle("wait_timeout_expired")
	m.Cycle("net_activity")
	m.PMError("tko", "going_to_sleep")
	m.InitFailure("arp")
	m.RXHeld()
	m.RXHeld()
	m.RXDropped()
	m.Slept(1500 * time.Millisecond)
	m.SetSuspended(true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.cycles.WithLabelValues("wait_timeout_expired")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cycles.WithLabelValues("net_activity")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.pmErrors.WithLabelValues("tko", "going_to_sleep")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.initFailures.WithLabelValues("arp")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.rxHeld), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rxDropped), 0)
	assert.InDelta(t, 1.5, testutil.ToFloat64(m.sleepSeconds), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.suspended), 0)

	m.SetSuspended(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.suspended), 0)
}

func TestMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RXDropped()

	expected := `
# HELP lpa_rx_dropped_total Frames dropped because the RX hold queue was full.
# TYPE lpa_rx_dropped_total counter
lpa_rx_dropped_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lpa_rx_dropped_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Cycle("success")
		m.Slept(time.Second)
		m.PMError("arp", "awake")
		m.InitFailure("arp")
		m.RXHeld()
		m.RXDropped()
		m.SetSuspended(true)
	})
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

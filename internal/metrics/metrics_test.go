package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Forwarded("home")
	m.Forwarded("home")
	m.ForwardFailed("home", "transient")
	m.PollCycle("work")
	m.LedgerFailed("home")
	m.NotificationDropped("telegram")
	m.NotificationFailed("file")
	m.SetBackoff("home", 10)

	require.Equal(t, 2.0, testutil.ToFloat64(m.forwarded.WithLabelValues("home")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.forwardFailures.WithLabelValues("home", "transient")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pollCycles.WithLabelValues("work")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ledgerFailures.WithLabelValues("home")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notificationsDropped.WithLabelValues("telegram")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notificationFailures.WithLabelValues("file")))
	require.Equal(t, 10.0, testutil.ToFloat64(m.backoff.WithLabelValues("home")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 7, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Forwarded("a")
		m.ForwardFailed("a", "permanent")
		m.PollCycle("a")
		m.LedgerFailed("a")
		m.NotificationDropped("t")
		m.NotificationFailed("t")
		m.SetBackoff("a", 1)
	})
}

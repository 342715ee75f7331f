// Package metrics holds the Prometheus collectors of the forwarding engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every engine collector.
type Metrics struct {
	forwarded            *prometheus.CounterVec
	forwardFailures      *prometheus.CounterVec
	pollCycles           *prometheus.CounterVec
	ledgerFailures       *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	backoff              *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_forwarded_total",
			Help: "Total number of messages forwarded and recorded",
		}, []string{"account"}),
		forwardFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_forward_failures_total",
			Help: "Total number of failed forward attempts",
		}, []string{"account", "kind"}),
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		}, []string{"account"}),
		ledgerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_ledger_failures_total",
			Help: "Total number of ledger records that could not be written",
		}, []string{"account"}),
		notificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_notifications_dropped_total",
			Help: "Total number of notifications dropped on queue overflow",
		}, []string{"target"}),
		notificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforward_notification_failures_total",
			Help: "Total number of failed notification deliveries",
		}, []string{"target"}),
		backoff: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailforward_backoff_seconds",
			Help: "Current backoff delay of a mailbox, zero when healthy",
		}, []string{"account"}),
	}
}

func (m *Metrics) Forwarded(account string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(account).Inc()
}

func (m *Metrics) ForwardFailed(account, kind string) {
	if m == nil {
		return
	}
	m.forwardFailures.WithLabelValues(account, kind).Inc()
}

func (m *Metrics) PollCycle(account string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(account).Inc()
}

func (m *Metrics) LedgerFailed(account string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(account).Inc()
}

func (m *Metrics) NotificationDropped(target string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(target).Inc()
}

func (m *Metrics) NotificationFailed(target string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(target).Inc()
}

// SetBackoff publishes the current backoff delay in seconds.
func (m *Metrics) SetBackoff(account string, seconds float64) {
	if m == nil {
		return
	}
	m.backoff.WithLabelValues(account).Set(seconds)
}

// Package metrics holds the Prometheus counters of the chat core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ptchat"

// Push outcomes.
const (
	PushSent       = "sent"
	PushSuppressed = "suppressed"
	PushFailed     = "failed"
	PushNoTargets  = "no_targets"
)

// Reminder outcomes.
const (
	ReminderScheduled = "scheduled"
	ReminderDropped   = "dropped"
	ReminderFired     = "fired"
	ReminderFailed    = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	messagesAppended *prometheus.CounterVec
	reads            prometheus.Counter
	push             *prometheus.CounterVec
	reminders        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation logs, by message type.",
		}, []string{"kind"}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Read receipts that changed at least one message.",
		}),
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "New message notification decisions, by outcome.",
		}, []string{"outcome"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Event reminders, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.messagesAppended,
		m.reads,
		m.push,
		m.reminders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageAppended(kind string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) Read() {
	if m == nil {
		return
	}
	m.reads.Inc()
}

func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.push.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reminder(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}

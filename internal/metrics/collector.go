// Package metrics exposes Zino's own process-health instrumentation.
//
// These counters describe this process (events tracked, tasks run, protocol
// sessions), not the monitored network — Zino is explicitly not a
// metrics/time-series collector for the devices it watches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "zino"
	subsystem = "core"
)

// Label names.
const (
	labelEventType = "event_type"
	labelTaskKind  = "task_kind"
	labelProtocol  = "protocol"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// Collector holds all Zino Prometheus metrics.
type Collector struct {
	// EventsOpen tracks the number of currently open (non-closed) events,
	// labeled by type.
	EventsOpen *prometheus.GaugeVec

	// EventTransitions counts event state transitions, labeled by
	// from-state/to-state.
	EventTransitions *prometheus.CounterVec

	// TaskRuns counts scheduler task executions, labeled by task kind.
	TaskRuns *prometheus.CounterVec

	// TaskFailures counts scheduler task executions that errored or
	// exceeded their deadline, labeled by task kind.
	TaskFailures *prometheus.CounterVec

	// TrapsReceived counts inbound SNMP traps, labeled by dispatch outcome.
	TrapsReceived *prometheus.CounterVec

	// ProtocolSessions tracks currently open command/notify sessions,
	// labeled by protocol.
	ProtocolSessions *prometheus.GaugeVec

	// NotifyQueueDrops counts notify messages dropped due to a full
	// per-session queue.
	NotifyQueueDrops prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.EventsOpen,
		c.EventTransitions,
		c.TaskRuns,
		c.TaskFailures,
		c.TrapsReceived,
		c.ProtocolSessions,
		c.NotifyQueueDrops,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		EventsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_open",
			Help:      "Number of currently open (non-closed) events.",
		}, []string{labelEventType}),

		EventTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_transitions_total",
			Help:      "Total event lifecycle state transitions.",
		}, []string{labelFromState, labelToState}),

		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_runs_total",
			Help:      "Total scheduler task executions.",
		}, []string{labelTaskKind}),

		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_failures_total",
			Help:      "Total scheduler task executions that errored or exceeded their deadline.",
		}, []string{labelTaskKind}),

		TrapsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "traps_received_total",
			Help:      "Total inbound SNMP traps, labeled by dispatch outcome.",
		}, []string{"outcome"}),

		ProtocolSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_sessions",
			Help:      "Number of currently open protocol sessions.",
		}, []string{labelProtocol}),

		NotifyQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notify_queue_drops_total",
			Help:      "Total notify messages dropped due to a full per-session queue.",
		}),
	}
}

// SetEventsOpen sets the open-event gauge for the given event type.
func (c *Collector) SetEventsOpen(eventType string, n int) {
	c.EventsOpen.WithLabelValues(eventType).Set(float64(n))
}

// RecordEventTransition increments the transition counter for a state change.
func (c *Collector) RecordEventTransition(from, to string) {
	c.EventTransitions.WithLabelValues(from, to).Inc()
}

// IncTaskRun increments the run counter for a task kind.
func (c *Collector) IncTaskRun(taskKind string) {
	c.TaskRuns.WithLabelValues(taskKind).Inc()
}

// IncTaskFailure increments the failure counter for a task kind.
func (c *Collector) IncTaskFailure(taskKind string) {
	c.TaskFailures.WithLabelValues(taskKind).Inc()
}

// IncTrapReceived increments the trap counter for a dispatch outcome
// (e.g. "dispatched", "unknown_source", "bad_community", "ignored").
func (c *Collector) IncTrapReceived(outcome string) {
	c.TrapsReceived.WithLabelValues(outcome).Inc()
}

// SetProtocolSessions sets the session gauge for a protocol ("command" or
// "notify").
func (c *Collector) SetProtocolSessions(protocol string, n int) {
	c.ProtocolSessions.WithLabelValues(protocol).Set(float64(n))
}

// IncNotifyQueueDrop increments the notify-queue-drop counter.
func (c *Collector) IncNotifyQueueDrop() {
	c.NotifyQueueDrops.Inc()
}

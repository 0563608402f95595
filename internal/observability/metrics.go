package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for tool invocation, policy and run
// lifecycle activity. All recording methods are safe on a nil *Metrics.
type Metrics struct {
	// ToolInvocations counts finished invocations.
	// Labels: tool, outcome (success|error|timeout|denied)
	ToolInvocations *prometheus.CounterVec

	// ToolInvocationDuration measures wall time from policy evaluation to result.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// ToolAttempts counts individual attempts, including retries.
	// Labels: tool
	ToolAttempts *prometheus.CounterVec

	// PolicyDecisions counts policy decisions.
	// Labels: effect (allow|deny), requires_approval (true|false)
	PolicyDecisions *prometheus.CounterVec

	// RunEvents counts emitted run events.
	// Labels: type
	RunEvents *prometheus.CounterVec

	// RunTransitions counts accepted run state transitions.
	// Labels: from, to
	RunTransitions *prometheus.CounterVec

	// StreamClients is the number of connected event stream clients.
	StreamClients prometheus.Gauge

	// ConfigReloads counts configuration reload attempts.
	// Labels: status (success|error)
	ConfigReloads *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_invocations_total",
				Help: "Total number of tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ToolAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_attempts_total",
				Help: "Total number of tool execution attempts",
			},
			[]string{"tool"},
		),
		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_policy_decisions_total",
				Help: "Total number of policy decisions by effect",
			},
			[]string{"effect", "requires_approval"},
		),
		RunEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_run_events_total",
				Help: "Total number of run events emitted by type",
			},
			[]string{"type"},
		),
		RunTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_run_transitions_total",
				Help: "Total number of run state transitions",
			},
			[]string{"from", "to"},
		),
		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_event_stream_clients",
				Help: "Number of connected run event stream clients",
			},
		),
		ConfigReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_config_reloads_total",
				Help: "Total number of configuration reloads by status",
			},
			[]string{"status"},
		),
	}
}

// RecordToolInvocation records a finished invocation.
func (m *Metrics) RecordToolInvocation(tool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordToolAttempt records one execution attempt.
func (m *Metrics) RecordToolAttempt(tool string) {
	if m == nil {
		return
	}
	m.ToolAttempts.WithLabelValues(tool).Inc()
}

// RecordPolicyDecision records a policy decision.
func (m *Metrics) RecordPolicyDecision(effect string, requiresApproval bool) {
	if m == nil {
		return
	}
	approval := "false"
	if requiresApproval {
		approval = "true"
	}
	m.PolicyDecisions.WithLabelValues(effect, approval).Inc()
}

// RecordRunEvent records an emitted run event.
func (m *Metrics) RecordRunEvent(eventType string) {
	if m == nil {
		return
	}
	m.RunEvents.WithLabelValues(eventType).Inc()
}

// RecordRunTransition records an accepted run state transition.
func (m *Metrics) RecordRunTransition(from, to string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(from, to).Inc()
}

// StreamClientConnected increments the stream client gauge.
func (m *Metrics) StreamClientConnected() {
	if m == nil {
		return
	}
	m.StreamClients.Inc()
}

// StreamClientDisconnected decrements the stream client gauge.
func (m *Metrics) StreamClientDisconnected() {
	if m == nil {
		return
	}
	m.StreamClients.Dec()
}

// RecordConfigReload records a reload attempt.
func (m *Metrics) RecordConfigReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ConfigReloads.WithLabelValues(status).Inc()
}

package metrics

import (
	"errors"
	"time"

	"github.com/claraverse/tabrelay/internal/connection"
	"github.com/claraverse/tabrelay/internal/dispatch"
	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for every tabrelay process role.
type Metrics struct {
	// Hub metrics
	EndpointsConnected prometheus.Gauge
	Envelopes          *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CommandErrors      *prometheus.CounterVec
	LateResponses      prometheus.Counter

	// Bridge metrics
	SessionsActive         prometheus.Gauge
	NotificationsDelivered prometheus.Counter
	Ingress                *prometheus.CounterVec

	// Agent metrics
	ConnectionState *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	CommandsHandled *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// the binary and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EndpointsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabrelay_hub_endpoints_connected",
			Help: "Number of automation endpoints with a live socket",
		}),

		// direction: "inbound" or "outbound"
		Envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabrelay_envelopes_total",
			Help: "Envelopes seen by type and direction",
		}, []string{"type", "direction"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabrelay_hub_command_duration_seconds",
			Help:    "Round trip time of commands sent to endpoints",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"command"}),

		// kind: timeout, no_endpoint, remote, send
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabrelay_hub_command_errors_total",
			Help: "Failed hub commands by kind",
		}, []string{"kind"}),

		LateResponses: f.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_hub_late_responses_total",
			Help: "Responses that arrived after their command timed out",
		}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabrelay_bridge_sessions_active",
			Help: "Open MCP sessions",
		}),

		NotificationsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_bridge_notifications_delivered_total",
			Help: "Queued endpoint events forwarded to callers",
		}),

		// result: accepted, duplicate, rejected
		Ingress: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabrelay_bridge_ingress_total",
			Help: "Side channel events by result",
		}, []string{"result"}),

		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabrelay_agent_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),

		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_agent_reconnects_total",
			Help: "Reconnect attempts scheduled",
		}),

		CommandsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabrelay_agent_commands_total",
			Help: "Commands handled by the agent by command and result",
		}, []string{"command", "result"}),
	}
}

// RecordEnvelope counts one envelope.
func (m *Metrics) RecordEnvelope(kind envelope.Kind, direction string) {
	m.Envelopes.WithLabelValues(string(kind), direction).Inc()
}

// RecordCommand observes one hub round trip.
func (m *Metrics) RecordCommand(command string, d time.Duration, errKind string) {
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
	if errKind != "" {
		m.CommandErrors.WithLabelValues(errKind).Inc()
	}
}

// Agent adapts the collectors to connection.Observer and dispatch.Observer.
func (m *Metrics) Agent() *AgentObserver {
	return &AgentObserver{m: m}
}

// AgentObserver feeds agent-side signals into Metrics.
type AgentObserver struct {
	m *Metrics
}

var (
	_ connection.Observer = (*AgentObserver)(nil)
	_ dispatch.Observer   = (*AgentObserver)(nil)
)

func (o *AgentObserver) StateChanged(s connection.State) {
	for _, st := range []connection.State{connection.StateDisconnected, connection.StateConnecting, connection.StateConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		o.m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (o *AgentObserver) ReconnectScheduled(int, time.Duration) {
	o.m.Reconnects.Inc()
}

func (o *AgentObserver) EnvelopeSent(kind envelope.Kind) {
	o.m.RecordEnvelope(kind, "outbound")
}

func (o *AgentObserver) EnvelopeReceived(kind envelope.Kind) {
	o.m.RecordEnvelope(kind, "inbound")
}

func (o *AgentObserver) CommandHandled(r dispatch.Record) {
	result := "ok"
	var unhandled *dispatch.UnhandledError
	switch {
	case errors.As(r.Err, &unhandled):
		result = "unhandled"
	case r.Err != nil:
		result = "error"
	}
	o.m.CommandsHandled.WithLabelValues(r.Command, result).Inc()
}

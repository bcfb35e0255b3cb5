// ABOUTME: Prometheus collectors for presence, command routing and telemetry
// ABOUTME: Methods are nil-safe so components can run without metrics in tests

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcomes.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeNotFound    = "not_found"
	OutcomeUnreachable = "unreachable"
	OutcomeDelivered   = "delivered"
	OutcomeFallback    = "fallback"
	OutcomeDropped     = "dropped"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	agentsOnline       prometheus.Gauge
	consolesConnected  prometheus.Gauge
	presenceTransition *prometheus.CounterVec
	commands           *prometheus.CounterVec
	commandLatency     prometheus.Histogram
	heartbeats         prometheus.Counter
	samplesDropped     prometheus.Counter
	threats            prometheus.Counter
	alerts             *prometheus.CounterVec
	rejectedEvents     *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry,
// along with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arushi_agents_online",
			Help: "Agents whose status is online, including those in the grace window.",
		}),
		consolesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arushi_consoles_connected",
			Help: "Console connections currently open.",
		}),
		presenceTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arushi_presence_transitions_total",
			Help: "Presence state transitions by target state.",
		}, []string{"to"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arushi_commands_total",
			Help: "Command dispatches and results by outcome.",
		}, []string{"outcome"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arushi_command_roundtrip_seconds",
			Help:    "Time from dispatch to result for correlated commands.",
			Buckets: prometheus.DefBuckets,
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arushi_heartbeats_total",
			Help: "Heartbeats accepted from online agents.",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arushi_stat_samples_dropped_total",
			Help: "Stat samples not persisted because of the per-agent rate limit.",
		}),
		threats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arushi_threats_total",
			Help: "Threat alerts relayed to consoles.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arushi_alerts_total",
			Help: "Offline alerts delivered by sink.",
		}, []string{"sink"}),
		rejectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arushi_rejected_events_total",
			Help: "Inbound frames dropped at the gateway boundary by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agentsOnline, m.consolesConnected, m.presenceTransition, m.commands,
		m.commandLatency, m.heartbeats, m.samplesDropped, m.threats, m.alerts,
		m.rejectedEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AgentOnline() {
	if m == nil {
		return
	}
	m.agentsOnline.Inc()
	m.presenceTransition.WithLabelValues("online").Inc()
}

func (m *Metrics) AgentGrace() {
	if m == nil {
		return
	}
	m.presenceTransition.WithLabelValues("grace").Inc()
}

func (m *Metrics) AgentOffline() {
	if m == nil {
		return
	}
	m.agentsOnline.Dec()
	m.presenceTransition.WithLabelValues("offline").Inc()
}

// AgentResumed counts a GRACE to ONLINE transition. The gauge is unchanged
// because status never left online.
func (m *Metrics) AgentResumed() {
	if m == nil {
		return
	}
	m.presenceTransition.WithLabelValues("online").Inc()
}

func (m *Metrics) ConsoleConnected() {
	if m == nil {
		return
	}
	m.consolesConnected.Inc()
}

func (m *Metrics) ConsoleDisconnected() {
	if m == nil {
		return
	}
	m.consolesConnected.Dec()
}

func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommandRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.commandLatency.Observe(d.Seconds())
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) SampleDropped() {
	if m == nil {
		return
	}
	m.samplesDropped.Inc()
}

func (m *Metrics) Threat() {
	if m == nil {
		return
	}
	m.threats.Inc()
}

func (m *Metrics) Alert(sink string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(sink).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedEvents.WithLabelValues(reason).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	ReasonBlank     = "blank"
	ReasonMalformed = "malformed"
)

// Metrics groups the bridge collectors on a private registry so several
// bridges (or tests) never collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	forwarded  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	rewritten  prometheus.Counter
	secrets    prometheus.Counter
	state      *prometheus.GaugeVec
	childKills prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_messages_forwarded_total",
			Help: "Messages forwarded per direction",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_messages_dropped_total",
			Help: "Messages consumed without being forwarded",
		}, []string{"direction", "reason"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_payload_bytes_total",
			Help: "Payload bytes forwarded per direction, framing excluded",
		}, []string{"direction"}),
		rewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbridge_schemas_rewritten_total",
			Help: "Tool input schemas normalized",
		}),
		secrets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbridge_secret_findings_total",
			Help: "Secrets spotted in tools/call arguments",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpbridge_state",
			Help: "Current bridge state (1 for the active state)",
		}, []string{"state"}),
		childKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpbridge_child_kills_total",
			Help: "Kill requests sent to the child process",
		}),
	}
	m.Registry.MustRegister(
		m.forwarded,
		m.dropped,
		m.bytes,
		m.rewritten,
		m.secrets,
		m.state,
		m.childKills,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Forwarded(direction string, n int) {
	m.forwarded.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Dropped(direction, reason string) {
	m.dropped.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) SchemasRewritten(n int) {
	m.rewritten.Add(float64(n))
}

func (m *Metrics) SecretFindings(n int) {
	m.secrets.Add(float64(n))
}

func (m *Metrics) ChildKilled() {
	m.childKills.Inc()
}

// SetState marks current as the active state among all.
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

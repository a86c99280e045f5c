package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages, shared by the Prometheus histogram and the rolling window.
const (
	StageUserWait     = "user_wait"
	StageUserSpeaking = "user_speaking"
	StageAgentIdle    = "agent_idle"
	StageAgentReply   = "agent_reply"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	window   *stageWindow

	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	Turns             prometheus.Counter
	TurnStageSeconds  *prometheus.HistogramVec
	Exports           *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	TelephonyRequests *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newStageWindow(256),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently being recorded.",
		}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Interactions logged across all calls.",
		}),
		TurnStageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_seconds",
			Help:      "Per-turn timing by stage in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8, 13, 21},
		}, []string{"stage"}),
		Exports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_exports_total",
			Help:      "Metrics file exports by format and result.",
		}, []string{"format", "result"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TelephonyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telephony_requests_total",
			Help:      "Telephony control-plane requests by operation and result.",
		}, []string{"operation", "result"}),
	}
}

// TurnTiming is the derived timing of one logged turn, in seconds.
type TurnTiming struct {
	UserWait     float64
	UserSpeaking float64
	AgentIdle    float64
	AgentReply   float64
}

// ObserveTurn records a logged turn in the histogram and the rolling window.
// Negative values (possible under the passthrough policy) stay out of the
// histogram; the window tallies them per stage.
func (m *Metrics) ObserveTurn(t TurnTiming) {
	if m == nil {
		return
	}
	m.Turns.Inc()
	for stage, v := range map[string]float64{
		StageUserWait:     t.UserWait,
		StageUserSpeaking: t.UserSpeaking,
		StageAgentIdle:    t.AgentIdle,
		StageAgentReply:   t.AgentReply,
	} {
		m.window.Observe(stage, v)
		if v >= 0 {
			m.TurnStageSeconds.WithLabelValues(stage).Observe(v)
		}
	}
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) ObserveExport(format string, err error) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(format, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveTelephony(operation string, err error) {
	if m == nil {
		return
	}
	m.TelephonyRequests.WithLabelValues(operation, resultLabel(err)).Inc()
}

// ObserveTelephonyLatency feeds the rolling window only; control-plane calls
// are rare enough that a histogram adds nothing.
func (m *Metrics) ObserveTelephonyLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe("telephony_"+operation, d.Seconds())
}

func (m *Metrics) SnapshotTurnStages() StageSnapshot {
	return m.window.Snapshot()
}

// ResetTurnStages starts a fresh rolling window, for example between load
// test runs. It returns the number of samples discarded.
func (m *Metrics) ResetTurnStages() int {
	if m == nil {
		return 0
	}
	return m.window.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

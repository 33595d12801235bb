package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. Every Observe
// method is a no-op on a nil *Metrics.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	UpstreamDials     *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	TurnTransitions   *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	TurnDuration      prometheus.Histogram

	gatherer   prometheus.Gatherer
	turnStages *latencyWindow
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

// NewMetricsWithRegistry registers the instruments on reg, which keeps
// repeated construction in tests from colliding.
func NewMetricsWithRegistry(reg *prometheus.Registry, namespace string) *Metrics {
	return newMetrics(reg, reg, namespace)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client websocket envelopes by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by provider and code.",
		}, []string{"provider", "code"}),
		UpstreamDials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Successful upstream connections by provider.",
		}, []string{"provider"}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_dropped_total",
			Help:      "Client audio frames dropped because the inbound queue was full.",
		}),
		TurnTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Turn state transitions by source state, target state and event.",
		}, []string{"from", "to", "event"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from commit to first upstream audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Latency from commit to turn_complete in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		gatherer:   gatherer,
		turnStages: newLatencyWindow(defaultWindowSize),
	}
}

// ObserveMessage counts one client envelope.
func (m *Metrics) ObserveMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

// SessionClosed records a teardown with its end reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed_" + reason).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveUpstreamError(provider, code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveDroppedFrame() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

func (m *Metrics) ObserveTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.TurnTransitions.WithLabelValues(from, to, event).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.turnStages.Observe(StageCommitToFirstAudio, d)
}

func (m *Metrics) ObserveFirstTextLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(StageCommitToFirstText, d)
}

func (m *Metrics) ObserveTurnDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(float64(d.Milliseconds()))
	m.turnStages.Observe(StageTurnTotal, d)
}

func (m *Metrics) ObserveUpstreamConnect(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDials.WithLabelValues(provider).Inc()
	m.turnStages.Observe(StageUpstreamConnect, d)
}

// ObserveIndicator counts a notable turn outcome (abandoned, interrupted...).
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.turnStages.Count(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newLatencyWindow(0).Snapshot()
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.turnStages.Reset()
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return MetricsHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stages recorded in the rolling window.
const (
	StagePromptResolve      = "prompt_resolve"
	StageUpstreamConnect    = "upstream_connect"
	StageFirstUpstreamAudio = "first_upstream_audio"
	StageFirstModelToken    = "first_model_token"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     *prometheus.GaugeVec
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	PromptLookups      *prometheus.CounterVec
	RaceBufferDropped  prometheus.Counter
	OutboundDropped    *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram
	FirstTokenLatency  prometheus.Histogram
	PromptCacheEntries prometheus.Gauge

	registry *prometheus.Registry
	latency  *latencyWindow
}

// NewMetrics registers instruments on a private registry so that several
// instances (tests, embedded servers) can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		latency:  newLatencyWindow(256),
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active call sessions by mode.",
		}, []string{"mode"}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by upstream and code.",
		}, []string{"upstream", "code"}),
		PromptLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_lookups_total",
			Help:      "Prompt resolutions by source (cache, store, default).",
		}, []string{"source"}),
		RaceBufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "race_buffer_dropped_frames_total",
			Help:      "Inbound audio frames dropped because the race buffer was full.",
		}),
		OutboundDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound frames dropped because the socket writer was saturated.",
		}, []string{"type"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from stream start to first upstream audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		FirstTokenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency from prompt to first model token in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		PromptCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompt_cache_entries",
			Help:      "Entries currently held in the prompt cache.",
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageFirstUpstreamAudio, d)
}

func (m *Metrics) ObserveFirstTokenLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTokenLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageFirstModelToken, d)
}

// ObserveStage records a sample in the rolling latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(stage, d)
}

// ObserveIndicator counts a discrete event in the rolling latency window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.Count(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func (m *Metrics) ObserveInbound(kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", kind).Inc()
}

func (m *Metrics) ObserveOutbound(kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", kind).Inc()
}

func (m *Metrics) ObserveOutboundDropped(kind string) {
	if m == nil {
		return
	}
	m.OutboundDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveUpstreamError(upstream, code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(upstream, code).Inc()
}

func (m *Metrics) ObservePromptLookup(source string) {
	if m == nil {
		return
	}
	m.PromptLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) AddRaceBufferDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RaceBufferDropped.Add(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Participant metrics
	ActiveParticipants prometheus.Gauge
	Connections        *prometheus.CounterVec
	SkippedFrames      prometheus.Counter

	// Engine metrics
	EngineSetups *prometheus.CounterVec
	EngineEvents *prometheus.CounterVec

	// Fan-out metrics
	ChunksSettled   prometheus.Counter
	Deliveries      *prometheus.CounterVec
	FanoutDuration  prometheus.Histogram
	SynthesizedSize prometheus.Histogram
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveParticipants: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_participants",
			Help: "Current number of registered participants",
		}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Participant connections by final outcome",
		}, []string{"outcome"}),
		SkippedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_skipped_frames_total",
			Help: "Malformed client frames that were logged and skipped",
		}),

		EngineSetups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_engine_setups_total",
			Help: "Engine session setups by result",
		}, []string{"result"}),
		EngineEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_engine_events_total",
			Help: "Decoded engine events by kind",
		}, []string{"kind"}),

		ChunksSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_settled_total",
			Help: "Transcript chunks emitted by the debounce aggregator",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-target fan-out deliveries by outcome",
		}, []string{"outcome"}),
		FanoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_fanout_duration_seconds",
			Help:    "Time to translate, synthesize and push one chunk to one target",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		SynthesizedSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_synthesized_audio_bytes",
			Help:    "Size of synthesized PCM clips",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),
	}
}

// ParticipantJoined increments the active participant gauge
func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.ActiveParticipants.Inc()
}

// ParticipantLeft decrements the gauge and records how the connection ended
func (m *Metrics) ParticipantLeft(outcome string) {
	if m == nil {
		return
	}
	m.ActiveParticipants.Dec()
	m.Connections.WithLabelValues(outcome).Inc()
}

// ConnectionRejected records a connection that never registered
func (m *Metrics) ConnectionRejected(outcome string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.SkippedFrames.Inc()
}

func (m *Metrics) EngineSetup(result string) {
	if m == nil {
		return
	}
	m.EngineSetups.WithLabelValues(result).Inc()
}

func (m *Metrics) EngineEvent(kind string) {
	if m == nil {
		return
	}
	m.EngineEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChunkSettled() {
	if m == nil {
		return
	}
	m.ChunksSettled.Inc()
}

// Delivery records one target's fan-out outcome and latency
func (m *Metrics) Delivery(outcome string, took time.Duration, audioBytes int) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.FanoutDuration.Observe(took.Seconds())
	if audioBytes > 0 {
		m.SynthesizedSize.Observe(float64(audioBytes))
	}
}

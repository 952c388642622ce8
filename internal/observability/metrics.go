package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Audio chunk paths recorded by RecordAudioChunk.
const (
	AudioDirect   = "direct"
	AudioBuffered = "buffered"
	AudioDropped  = "dropped"
	AudioReplayed = "replayed"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_relay_active_sessions",
		Help: "Number of open relay sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_relay_sessions_total",
		Help: "Total number of relay sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_relay_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Setup metrics
	setupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_relay_setup_latency_seconds",
		Help:    "Time from client upgrade to upstream ready",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	setupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_setup_failures_total",
		Help: "Session setup failures by stage",
	}, []string{"stage"})

	// Audio metrics
	audioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_audio_chunks_total",
		Help: "Client audio chunks by relay path",
	}, []string{"path"}) // direct, buffered, dropped, replayed

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_transcript_events_total",
		Help: "Transcript events sent to clients",
	}, []string{"kind"}) // interim, final

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	malformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_malformed_frames_total",
		Help: "Frames dropped because they were not parseable",
	}, []string{"side"}) // client, upstream

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcribe_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single relay session
type Metrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Later calls are ignored.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordReady records the time it took for the upstream to become ready
func (m *Metrics) RecordReady() {
	setupLatency.Observe(time.Since(m.startTime).Seconds())
}

// RecordSetupFailure records a failed setup stage (credential, upstream)
func (m *Metrics) RecordSetupFailure(stage string) {
	setupFailures.WithLabelValues(stage).Inc()
}

// RecordAudioChunk records the path a client audio chunk took
func (m *Metrics) RecordAudioChunk(path string) {
	audioChunks.WithLabelValues(path).Inc()
}

// RecordTranscript records a transcript event delivered to the client
func (m *Metrics) RecordTranscript(isFinal bool) {
	kind := "interim"
	if isFinal {
		kind = "final"
	}
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordMalformedFrame records a dropped frame from the client or upstream side
func (m *Metrics) RecordMalformedFrame(side string) {
	malformedFrames.WithLabelValues(side).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordUpstreamMalformedFrame counts an upstream frame dropped as noise.
// Adapters have no session Metrics, so this is package-level.
func RecordUpstreamMalformedFrame() {
	malformedFrames.WithLabelValues("upstream").Inc()
}

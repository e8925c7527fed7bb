package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes used as the "outcome" label.
const (
	OutcomeUploaded     = "uploaded"
	OutcomeUploadFailed = "upload_failed"
	OutcomeEncoded      = "encoded"
	OutcomeEmpty        = "empty"
	OutcomeSilent       = "silent"
	OutcomeCancelled    = "cancelled"
	OutcomeFailed       = "failed"
	OutcomeExpired      = "expired"
)

// Metrics contains all Prometheus metrics for the capture service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec
	RecordingDuration prometheus.Histogram

	// Chunk metrics
	ChunksReceived  prometheus.Counter
	SamplesReceived prometheus.Counter
	ChunksRejected  prometheus.Counter
	VoiceChunks     prometheus.Counter

	// Encoder metrics
	EncodeDuration prometheus.Histogram
	EncodedSize    prometheus.Histogram

	// Upload metrics
	UploadRequests  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadDuration  prometheus.Histogram

	// Websocket metrics
	WSConnections prometheus.Gauge
	FrameErrors   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notecap_active_sessions",
			Help: "Current number of open capture sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_sessions_created_total",
			Help: "Total number of capture sessions created",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notecap_sessions_finished_total",
			Help: "Total number of capture sessions closed, by outcome",
		}, []string{"outcome"}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notecap_recording_duration_seconds",
			Help:    "Audio duration of encoded recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Chunk metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_chunks_received_total",
			Help: "Total number of audio chunks accumulated",
		}),
		SamplesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_samples_received_total",
			Help: "Total number of audio samples accumulated",
		}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_chunks_rejected_total",
			Help: "Total number of audio chunks refused by a session",
		}),
		VoiceChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_voice_chunks_total",
			Help: "Total number of chunks whose level crossed the voice threshold",
		}),

		// Encoder metrics
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notecap_encode_duration_seconds",
			Help:    "Time spent encoding recordings to WAV",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		}),
		EncodedSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notecap_encoded_size_bytes",
			Help:    "Size of encoded WAV files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),

		// Upload metrics
		UploadRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_upload_requests_total",
			Help: "Total number of transcription uploads attempted",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_upload_successes_total",
			Help: "Total number of transcription uploads accepted",
		}),
		UploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_upload_failures_total",
			Help: "Total number of failed transcription uploads",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notecap_upload_duration_seconds",
			Help:    "Duration of transcription uploads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		}),

		// Websocket metrics
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notecap_ws_connections",
			Help: "Current number of websocket capture connections",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "notecap_frame_errors_total",
			Help: "Total number of malformed websocket frames",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notecap_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notecap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notecap_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionFinished counts a closed session by outcome
func (m *Metrics) RecordSessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
}

// RecordChunk records one accumulated chunk
func (m *Metrics) RecordChunk(samples int, hasVoice bool) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.SamplesReceived.Add(float64(samples))
	if hasVoice {
		m.VoiceChunks.Inc()
	}
}

// RecordChunkRejected increments the rejected chunks counter
func (m *Metrics) RecordChunkRejected() {
	if m == nil {
		return
	}
	m.ChunksRejected.Inc()
}

// RecordEncode records one WAV encode
func (m *Metrics) RecordEncode(durationSeconds float64, sizeBytes int, audioSeconds float64) {
	if m == nil {
		return
	}
	m.EncodeDuration.Observe(durationSeconds)
	m.EncodedSize.Observe(float64(sizeBytes))
	m.RecordingDuration.Observe(audioSeconds)
}

// RecordUpload records one upload attempt
func (m *Metrics) RecordUpload(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadRequests.Inc()
	if success {
		m.UploadSuccesses.Inc()
	} else {
		m.UploadFailures.Inc()
	}
	m.UploadDuration.Observe(durationSeconds)
}

// WSConnected tracks websocket connection lifetime
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

// RecordFrameError increments the malformed frame counter
func (m *Metrics) RecordFrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

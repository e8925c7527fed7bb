package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/config"
	"github.com/skypro1111/voice-note-capture/internal/metrics"
	"github.com/skypro1111/voice-note-capture/internal/stream"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

const (
	serviceName    = "voice-note-capture"
	serviceVersion = "1.0.0"
)

// HTTPServer provides the capture API and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	logger   *slog.Logger
	config   *config.Config
	sessions *stream.Manager
	client   *transcription.Client
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// Options carries the optional collaborators of the HTTP server.
type Options struct {
	Client   *transcription.Client // upload statistics, may be nil
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, sessions *stream.Manager, opts Options) *HTTPServer {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    appConfig,
		sessions:  sessions,
		client:    opts.Client,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		startTime: time.Now(),
	}

	h.router = mux.NewRouter()
	h.setupRoutes(h.router)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      h.router,
		ReadTimeout:  appConfig.HTTP.GetReadTimeout(),
		WriteTimeout: appConfig.HTTP.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *mux.Router) {
	r.Use(h.withMetrics)

	r.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", h.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/recordings", h.handleCreateRecording).Methods(http.MethodPost)
	r.HandleFunc("/recordings", h.handleListRecordings).Methods(http.MethodGet)
	r.HandleFunc("/recordings/{id}", h.handleGetRecording).Methods(http.MethodGet)
	r.HandleFunc("/recordings/{id}", h.handleCancelRecording).Methods(http.MethodDelete)
	r.HandleFunc("/recordings/{id}/chunks", h.handleAppendChunk).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}/pause", h.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}/resume", h.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}/stop", h.handleStop).Methods(http.MethodPost)

	r.HandleFunc("/ws", h.handleWebsocket).Methods(http.MethodGet)
}

// withMetrics records request counts and latencies per route template
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, time.Since(startTime).Seconds())

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Handler returns the routed handler, for tests and embedding.
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps session and upload errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrInvalidState), errors.Is(err, capture.ErrStopped), errors.Is(err, capture.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, stream.ErrEmptyRecording), errors.Is(err, stream.ErrSilentRecording),
		errors.Is(err, audio.ErrSampleRateMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, transcription.ErrUpload):
		return http.StatusBadGateway
	case errors.Is(err, stream.ErrManagerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessions.Count(),
			},
		},
	}

	if h.client != nil {
		stats := h.client.GetStats()
		health["components"].(map[string]interface{})["transcription"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.Stats(),
	}
	if h.client != nil {
		stats["transcription"] = h.client.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

type createRecordingRequest struct {
	SampleRate int `json:"sample_rate"`
}

// handleCreateRecording opens a push-fed capture session
func (h *HTTPServer) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	req := createRecordingRequest{SampleRate: h.config.Audio.SampleRate}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	if req.SampleRate < 8000 || req.SampleRate > 48000 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", req.SampleRate))
		return
	}

	session, _, err := h.sessions.Create(req.SampleRate)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Location", "/recordings/"+session.ID)
	writeJSON(w, http.StatusCreated, session.Info())
}

// handleListRecordings lists open sessions
func (h *HTTPServer) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recordings := h.sessions.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(recordings),
		"timestamp":  time.Now().UTC(),
		"recordings": recordings,
	})
}

func (h *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*stream.CaptureSession, bool) {
	session, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return session, true
}

// handleGetRecording returns one session's running state. Polling counts as
// activity, so a paused recording a client still watches does not expire.
func (h *HTTPServer) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	session.Touch()
	writeJSON(w, http.StatusOK, session.Info())
}

// handleAppendChunk queues one raw little-endian float32 chunk. A 202 means
// the chunk was queued; a chunk that crosses the maximum duration is still
// rejected by the session, which later responses report as limit_reached.
func (h *HTTPServer) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	source, ok := session.Source().(*capture.PushSource)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("recording %s does not accept pushed audio", session.ID))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	samples, err := capture.DecodeFloat32LE(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(samples) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk contains no samples"))
		return
	}

	if session.Info().LimitReached {
		writeError(w, http.StatusConflict, fmt.Errorf("recording %s reached its maximum duration", session.ID))
		return
	}

	if err := source.Push(samples); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	info := session.Info()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued_samples": len(samples),
		"state":          info.State,
		"dropped_chunks": source.Dropped(),
		"limit_reached":  info.LimitReached,
	})
}

// handlePause implements POST /recordings/{id}/pause
func (h *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := session.Pause(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

// handleResume implements POST /recordings/{id}/resume
func (h *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := session.Resume(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

// handleStop stops, encodes and uploads the recording
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.Finish(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancelRecording discards the recording
func (h *HTTPServer) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Cancel(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /config":                  "Get service configuration",
			"GET /stats":                   "Get service statistics",
			"GET /metrics":                 "Prometheus metrics",
			"POST /recordings":             "Start a recording",
			"GET /recordings":              "List open recordings",
			"GET /recordings/{id}":         "Get recording progress",
			"POST /recordings/{id}/chunks": "Append raw float32 little-endian samples",
			"POST /recordings/{id}/pause":  "Pause a recording",
			"POST /recordings/{id}/resume": "Resume a recording",
			"POST /recordings/{id}/stop":   "Stop, encode and upload a recording",
			"DELETE /recordings/{id}":      "Cancel and discard a recording",
			"GET /ws":                      "Websocket capture",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

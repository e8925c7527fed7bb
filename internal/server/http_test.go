package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/config"
	"github.com/skypro1111/voice-note-capture/internal/metrics"
	"github.com/skypro1111/voice-note-capture/internal/stream"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

type fakeUploader struct {
	mu       sync.Mutex
	requests []*transcription.UploadRequest
	fail     bool
}

func (f *fakeUploader) Upload(ctx context.Context, req *transcription.UploadRequest) (*transcription.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.fail {
		return nil, transcription.ErrUpload
	}
	return &transcription.Handle{ID: "tx-1", Text: "hello"}, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeUploader) last() *transcription.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	server   *httptest.Server
	sessions *stream.Manager
	uploader *fakeUploader
	config   *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, stream.ManagerConfig{})
}

func newTestEnvWith(t *testing.T, managerConfig stream.ManagerConfig) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Transcription.Endpoint = "http://transcription.invalid/upload"
	cfg.Transcription.APIKey = "secret"

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	uploader := &fakeUploader{}

	sessions, err := stream.NewManager(logger, uploader, m, managerConfig)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h := NewHTTPServer(cfg, logger, sessions, Options{Metrics: m, Gatherer: reg})
	server := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		server.Close()
		sessions.Stop()
	})

	return &testEnv{server: server, sessions: sessions, uploader: uploader, config: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Invalid JSON from %s %s: %v", method, path, err)
		}
	}
	return resp, decoded
}

func (e *testEnv) createRecording(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/recordings", []byte(`{"sample_rate":16000}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%v)", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodDelete, "/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestConfigMasksAPIKey(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if bytes.Contains(data, []byte("secret")) {
		t.Errorf("API key leaked in /config: %s", data)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRecording(t)

	for _, chunk := range [][]float32{{0.0, 0.5, -0.5, 1.0}, {-1.0, 0.25, -0.25, 0.0}} {
		resp, body := env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE(chunk))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Expected 202, got %d (%v)", resp.StatusCode, body)
		}
	}

	waitFor(t, "chunks to be accumulated", func() bool {
		_, body := env.do(t, http.MethodGet, "/recordings/"+id, nil)
		return body["chunks"] == float64(2)
	})

	resp, body := env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["samples"] != float64(8) {
		t.Errorf("Expected 8 samples, got %v", body["samples"])
	}

	if env.uploader.count() != 1 {
		t.Fatalf("Expected one upload, got %d", env.uploader.count())
	}
	req := env.uploader.last()
	samples, rate, err := audio.DecodeWAV(req.Data)
	if err != nil {
		t.Fatalf("Uploaded data is not valid WAV: %v", err)
	}
	if rate != 16000 || len(samples) != 8 || samples[3] != 32767 || samples[4] != -32768 {
		t.Errorf("Unexpected uploaded audio: rate=%d samples=%v", rate, samples)
	}

	resp, _ = env.do(t, http.MethodGet, "/recordings/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected finished recording to be gone, got %d", resp.StatusCode)
	}
}

func TestStopEmptyRecording(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRecording(t)

	resp, body := env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d (%v)", resp.StatusCode, body)
	}
	if env.uploader.count() != 0 {
		t.Errorf("Expected no upload for an empty recording")
	}
}

func TestStopUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.uploader.fail = true
	id := env.createRecording(t)

	env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE([]float32{0.1, 0.2}))

	resp, _ := env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if env.sessions.Count() != 0 {
		t.Errorf("Expected recording to be discarded after upload failure")
	}
}

func TestCancelRecording(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRecording(t)
	env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE([]float32{0.1}))

	resp, _ := env.do(t, http.MethodDelete, "/recordings/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after cancel, got %d", resp.StatusCode)
	}
	if env.uploader.count() != 0 {
		t.Errorf("Expected no upload after cancel")
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRecording(t)

	resp, body := env.do(t, http.MethodPost, "/recordings/"+id+"/pause", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "paused" {
		t.Fatalf("Expected paused, got %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPost, "/recordings/"+id+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for double pause, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, "/recordings/"+id+"/resume", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "recording" {
		t.Errorf("Expected recording, got %d %v", resp.StatusCode, body)
	}
}

func TestAppendChunkValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRecording(t)

	resp, _ := env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", []byte{1, 2, 3})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for misaligned body, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty body, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/recordings/unknown/chunks", capture.EncodeFloat32LE([]float32{0}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown recording, got %d", resp.StatusCode)
	}
}

func TestCreateRecordingValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/recordings", []byte(`{"sample_rate":1000}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad sample rate, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/recordings", []byte(`{not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/recordings", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 with default rate, got %d", resp.StatusCode)
	}
	if body["sample_rate"] != float64(env.config.Audio.SampleRate) {
		t.Errorf("Expected default sample rate, got %v", body["sample_rate"])
	}
}

func TestListRecordings(t *testing.T) {
	env := newTestEnv(t)
	env.createRecording(t)
	env.createRecording(t)

	_, body := env.do(t, http.MethodGet, "/recordings", nil)
	if body["total"] != float64(2) {
		t.Errorf("Expected 2 recordings, got %v", body["total"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil)

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if !bytes.Contains(data, []byte(`notecap_http_requests_total{endpoint="/health",method="GET",status_code="200"}`)) {
		t.Errorf("Expected request counter for /health, got:\n%s", data)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{stream.ErrSessionNotFound, http.StatusNotFound},
		{stream.ErrInvalidState, http.StatusConflict},
		{capture.ErrStopped, http.StatusConflict},
		{stream.ErrEmptyRecording, http.StatusUnprocessableEntity},
		{stream.ErrTooManySessions, http.StatusTooManyRequests},
		{transcription.ErrUpload, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAppendChunkPastMaxDuration(t *testing.T) {
	env := newTestEnvWith(t, stream.ManagerConfig{
		Session: stream.SessionConfig{MaxDuration: time.Millisecond},
	})
	id := env.createRecording(t) // 16 samples at 16 kHz

	resp, body := env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE(make([]float32, 10)))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	if body["queued_samples"] != float64(10) {
		t.Errorf("Expected 10 queued samples, got %v", body["queued_samples"])
	}

	env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE(make([]float32, 10)))
	waitFor(t, "limit to be reported", func() bool {
		_, body := env.do(t, http.MethodGet, "/recordings/"+id, nil)
		return body["limit_reached"] == true
	})

	resp, _ = env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE(make([]float32, 2)))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 after the limit, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["samples"] != float64(10) {
		t.Errorf("Expected audio before the limit to be kept, got %v samples", body["samples"])
	}
}

func TestPolledPausedRecordingDoesNotExpire(t *testing.T) {
	env := newTestEnvWith(t, stream.ManagerConfig{
		IdleTimeout:     200 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
	})
	id := env.createRecording(t)

	env.do(t, http.MethodPost, "/recordings/"+id+"/chunks", capture.EncodeFloat32LE([]float32{0.1, 0.2}))
	env.do(t, http.MethodPost, "/recordings/"+id+"/pause", nil)

	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		resp, _ := env.do(t, http.MethodGet, "/recordings/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Recording expired while polled, got %d", resp.StatusCode)
		}
	}

	resp, _ := env.do(t, http.MethodPost, "/recordings/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

type fakeUploader struct {
	mu       sync.Mutex
	requests []*transcription.UploadRequest
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, req *transcription.UploadRequest) (*transcription.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, fmt.Errorf("%w: %w", transcription.ErrUpload, f.err)
	}
	return &transcription.Handle{ID: "tx-" + req.RecordingID, Status: "queued"}, nil
}

func (f *fakeUploader) calls() []*transcription.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transcription.UploadRequest(nil), f.requests...)
}

func createTestManager(t *testing.T, uploader transcription.Uploader, config ManagerConfig) *Manager {
	t.Helper()
	mgr, err := NewManager(testLogger(), uploader, nil, config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(testLogger(), nil, nil, ManagerConfig{}); err == nil {
		t.Error("Expected error for nil uploader")
	}

	mgr := createTestManager(t, &fakeUploader{}, ManagerConfig{})
	if mgr.config.IdleTimeout != 2*time.Minute {
		t.Errorf("Expected default idle timeout, got %v", mgr.config.IdleTimeout)
	}
	if mgr.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", mgr.Count())
	}
}

func TestManagerFinishUploadsOnce(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := createTestManager(t, uploader, ManagerConfig{Language: "en"})

	session, src, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mustPush(t, src, 0.0, 0.5, -0.5, 1.0)
	mustPush(t, src, -1.0, 0.25, -0.25, 0.0)

	result, err := mgr.Finish(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	calls := uploader.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly one upload, got %d", len(calls))
	}
	req := calls[0]
	if req.MimeType != audio.WAVMimeType || req.Filename != session.ID+".wav" {
		t.Errorf("Unexpected file metadata %q %q", req.MimeType, req.Filename)
	}
	if req.Language != "en" || req.SampleRate != 16000 {
		t.Errorf("Unexpected request metadata %+v", req)
	}
	if len(req.Data) != audio.WAVHeaderSize+16 || !bytes.HasPrefix(req.Data, []byte("RIFF")) {
		t.Errorf("Expected a 60-byte WAV payload, got %d bytes", len(req.Data))
	}

	if result.Handle.ID != "tx-"+session.ID || result.Samples != 8 {
		t.Errorf("Unexpected result %+v", result)
	}

	if _, err := mgr.Get(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected finished session to be removed, got %v", err)
	}
	if stats := mgr.Stats(); stats.Uploaded != 1 || stats.Created != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestManagerFinishUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("503 service unavailable")}
	mgr := createTestManager(t, uploader, ManagerConfig{})

	session, src, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mustPush(t, src, 0.3)

	if _, err := mgr.Finish(context.Background(), session.ID); !errors.Is(err, transcription.ErrUpload) {
		t.Fatalf("Expected ErrUpload, got %v", err)
	}
	if len(uploader.calls()) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(uploader.calls()))
	}
	if mgr.Count() != 0 {
		t.Errorf("Expected session to be discarded after failed upload")
	}
	if stats := mgr.Stats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed session, got %+v", stats)
	}
}

func TestManagerFinishEmptySkipsUpload(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := createTestManager(t, uploader, ManagerConfig{})

	session, _, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := mgr.Finish(context.Background(), session.ID); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("Expected ErrEmptyRecording, got %v", err)
	}
	if len(uploader.calls()) != 0 {
		t.Errorf("Expected no upload for an empty recording")
	}
}

func TestManagerCancel(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := createTestManager(t, uploader, ManagerConfig{})

	session, src, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mustPush(t, src, 0.1, 0.2)

	if err := mgr.Cancel(session.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if session.State() != StateCancelled {
		t.Errorf("Expected cancelled, got %s", session.State())
	}
	if len(uploader.calls()) != 0 {
		t.Errorf("Expected no upload after cancel")
	}
	if err := mgr.Cancel(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if _, err := mgr.Finish(context.Background(), session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerMaxSessions(t *testing.T) {
	mgr := createTestManager(t, &fakeUploader{}, ManagerConfig{MaxSessions: 1})

	if _, _, err := mgr.Create(16000); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := mgr.Create(16000); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}
}

func TestManagerList(t *testing.T) {
	mgr := createTestManager(t, &fakeUploader{}, ManagerConfig{})

	first, _, _ := mgr.Create(16000)
	time.Sleep(2 * time.Millisecond)
	second, _, _ := mgr.Create(44100)

	infos := mgr.List()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	if infos[0].ID != first.ID || infos[1].ID != second.ID {
		t.Errorf("Expected sessions in creation order")
	}
	if infos[1].SampleRate != 44100 || infos[1].State != "recording" {
		t.Errorf("Unexpected info %+v", infos[1])
	}
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	mgr := createTestManager(t, &fakeUploader{}, ManagerConfig{
		IdleTimeout:     30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	session, _, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	waitFor(t, "idle session to expire", func() bool { return mgr.Count() == 0 })

	if session.State() != StateCancelled {
		t.Errorf("Expected expired session to be cancelled, got %s", session.State())
	}
	if stats := mgr.Stats(); stats.Expired != 1 {
		t.Errorf("Expected 1 expired session, got %+v", stats)
	}
}

func TestManagerKeepsHeldSessions(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := createTestManager(t, uploader, ManagerConfig{
		IdleTimeout:     30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	session, src, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	session.Hold(true)
	mustPush(t, src, 0.1, 0.2)
	waitFor(t, "chunk to be accumulated", func() bool { return session.Info().Chunks == 1 })
	if err := session.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if mgr.Count() != 1 {
		t.Fatalf("Held session expired while paused")
	}

	if _, err := mgr.Finish(context.Background(), session.ID); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if len(uploader.calls()) != 1 {
		t.Errorf("Expected one upload, got %d", len(uploader.calls()))
	}

	released, _, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	released.Hold(true)
	released.Hold(false)
	waitFor(t, "released session to expire", func() bool { return mgr.Count() == 0 })
}

func TestManagerRemovesFailedSessions(t *testing.T) {
	mgr := createTestManager(t, &fakeUploader{}, ManagerConfig{
		IdleTimeout:     time.Hour,
		CleanupInterval: 10 * time.Millisecond,
	})

	session, src, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	src.Fail(errors.New("input overflow"))

	waitFor(t, "failed session to be removed", func() bool { return mgr.Count() == 0 })
	if session.State() != StateFailed {
		t.Errorf("Expected failed, got %s", session.State())
	}
}

func TestManagerOpenReaderSource(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := createTestManager(t, uploader, ManagerConfig{})

	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	src := capture.NewReaderSource(bytes.NewReader(capture.EncodeFloat32LE(samples)), 8000, 160)

	session, err := mgr.Open(src)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "input to be read", func() bool { return session.Progress().Samples == len(samples) })

	result, err := mgr.Finish(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if result.Samples != len(samples) {
		t.Errorf("Expected %d samples, got %d", len(samples), result.Samples)
	}
}

func TestManagerStop(t *testing.T) {
	mgr, err := NewManager(testLogger(), &fakeUploader{}, nil, ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	session, _, err := mgr.Create(16000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mgr.Stop()

	if session.State() != StateCancelled {
		t.Errorf("Expected open session to be cancelled, got %s", session.State())
	}
	if _, _, err := mgr.Create(16000); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Expected ErrManagerStopped, got %v", err)
	}
	mgr.Stop()
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/metrics"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the open session limit is reached.
	ErrTooManySessions = errors.New("too many open sessions")

	// ErrManagerStopped is returned after Stop.
	ErrManagerStopped = errors.New("manager stopped")
)

// Manager registers capture sessions, expires idle ones and hands finished
// recordings to the uploader.
type Manager struct {
	sessions map[string]*CaptureSession
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	uploader transcription.Uploader
	config   ManagerConfig

	// Statistics
	created   uint64
	uploaded  uint64
	cancelled uint64
	failed    uint64
	expired   uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	stopped bool
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         SessionConfig
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	MaxSessions     int // 0 means unlimited
	ChunkBuffer     int
	UploadTimeout   time.Duration
	Language        string
}

// FinishResult describes a recording that was stopped and uploaded.
type FinishResult struct {
	SessionID       string                `json:"session_id"`
	DurationSeconds float64               `json:"duration_seconds"`
	Samples         int                   `json:"samples"`
	Bytes           int                   `json:"bytes"`
	Handle          *transcription.Handle `json:"transcription"`
}

// ManagerStats represents manager statistics
type ManagerStats struct {
	ActiveSessions int    `json:"active_sessions"`
	Created        uint64 `json:"created"`
	Uploaded       uint64 `json:"uploaded"`
	Cancelled      uint64 `json:"cancelled"`
	Failed         uint64 `json:"failed"`
	Expired        uint64 `json:"expired"`
}

// NewManager creates a session manager and starts its cleanup routine.
func NewManager(logger *slog.Logger, uploader transcription.Uploader, m *metrics.Metrics, config ManagerConfig) (*Manager, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.ChunkBuffer <= 0 {
		config.ChunkBuffer = 16
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*CaptureSession),
		logger:   logger,
		metrics:  m,
		uploader: uploader,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Create opens a session fed by a push source at sampleRate and starts it.
func (m *Manager) Create(sampleRate int) (*CaptureSession, *capture.PushSource, error) {
	source := capture.NewPushSource(sampleRate, m.config.ChunkBuffer)
	session, err := m.Open(source)
	if err != nil {
		return nil, nil, err
	}
	return session, source, nil
}

// Open registers and starts a session reading from source.
func (m *Manager) Open(source capture.Source) (*CaptureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}

	session, err := NewCaptureSession(source, m.config.Session, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	if err := session.Start(m.ctx); err != nil {
		m.metrics.RecordSessionFinished(metrics.OutcomeFailed)
		return nil, err
	}

	m.sessions[session.ID] = session
	m.created++
	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created capture session",
		slog.String("session_id", session.ID),
		slog.Int("sample_rate", source.SampleRate()),
	)

	return session, nil
}

// Get retrieves an open session
func (m *Manager) Get(id string) (*CaptureSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// List returns a snapshot of all open sessions, oldest first
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*CaptureSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Finish stops a session, encodes its recording and uploads it once. The
// session and its audio are discarded whatever the outcome.
func (m *Manager) Finish(ctx context.Context, id string) (*FinishResult, error) {
	session, err := m.take(id)
	if err != nil {
		return nil, err
	}

	rec, err := session.Stop(ctx)
	if err != nil {
		m.recordOutcome(stopOutcome(err))
		return nil, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.config.UploadTimeout)
	defer cancel()

	start := time.Now()
	handle, err := m.uploader.Upload(uploadCtx, &transcription.UploadRequest{
		RecordingID: rec.SessionID,
		Filename:    rec.SessionID + ".wav",
		MimeType:    "audio/wav",
		Data:        rec.Data,
		SampleRate:  rec.SampleRate,
		Duration:    rec.Duration,
		Language:    m.config.Language,
		CreatedAt:   rec.CreatedAt,
	})
	m.metrics.RecordUpload(err == nil, time.Since(start).Seconds())
	if err != nil {
		m.recordOutcome(metrics.OutcomeUploadFailed)
		m.logger.Error("Recording upload failed, recording discarded",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return nil, err
	}

	m.recordOutcome(metrics.OutcomeUploaded)
	m.logger.Info("Recording uploaded",
		slog.String("session_id", id),
		slog.String("transcription_id", handle.ID),
		slog.Float64("duration", rec.Duration.Seconds()),
		slog.Int("bytes", len(rec.Data)))

	return &FinishResult{
		SessionID:       rec.SessionID,
		DurationSeconds: rec.Duration.Seconds(),
		Samples:         rec.Samples,
		Bytes:           len(rec.Data),
		Handle:          handle,
	}, nil
}

// Cancel discards a session and everything it recorded
func (m *Manager) Cancel(id string) error {
	session, err := m.take(id)
	if err != nil {
		return err
	}

	if err := session.Cancel(); err != nil {
		m.recordOutcome(metrics.OutcomeFailed)
		return err
	}
	m.recordOutcome(metrics.OutcomeCancelled)
	return nil
}

// take removes a session from the registry so only one caller can end it.
func (m *Manager) take(id string) (*CaptureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.metrics.SetActiveSessions(len(m.sessions))
	return session, nil
}

func stopOutcome(err error) string {
	switch {
	case errors.Is(err, ErrEmptyRecording):
		return metrics.OutcomeEmpty
	case errors.Is(err, ErrSilentRecording):
		return metrics.OutcomeSilent
	default:
		return metrics.OutcomeFailed
	}
}

func (m *Manager) recordOutcome(outcome string) {
	m.mu.Lock()
	switch outcome {
	case metrics.OutcomeUploaded:
		m.uploaded++
	case metrics.OutcomeCancelled:
		m.cancelled++
	case metrics.OutcomeExpired:
		m.expired++
	default:
		m.failed++
	}
	m.mu.Unlock()

	m.metrics.RecordSessionFinished(outcome)
}

// Stats returns current manager statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		ActiveSessions: len(m.sessions),
		Created:        m.created,
		Uploaded:       m.uploaded,
		Cancelled:      m.cancelled,
		Failed:         m.failed,
		Expired:        m.expired,
	}
}

// Stop cancels every open session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := m.sessions
	m.sessions = make(map[string]*CaptureSession)
	m.mu.Unlock()

	for id, session := range sessions {
		if err := session.Cancel(); err != nil {
			m.logger.Warn("Error cancelling session",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		m.recordOutcome(metrics.OutcomeCancelled)
	}
	m.metrics.SetActiveSessions(0)

	m.cancel()
	<-m.cleanup

	stats := m.Stats()
	m.logger.Info("Session manager stopped",
		slog.Int("cancelled_on_stop", len(sessions)),
		slog.Uint64("total_created", stats.Created),
		slog.Uint64("total_uploaded", stats.Uploaded),
	)
}

// startCleanupRoutine runs in a separate goroutine to expire idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions discards sessions that have been idle too long or
// ended on their own through a capture failure.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if session.State().Terminal() {
			expired = append(expired, id)
			continue
		}
		if !session.Held() && now.Sub(session.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))

	for _, id := range expired {
		session, err := m.take(id)
		if err != nil {
			continue
		}
		if session.State().Terminal() {
			m.recordOutcome(metrics.OutcomeFailed)
			continue
		}
		if err := session.Cancel(); err != nil {
			m.logger.Warn("Error cancelling expired session",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		m.recordOutcome(metrics.OutcomeExpired)
	}
}

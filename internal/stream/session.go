package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/metrics"
	"github.com/skypro1111/voice-note-capture/internal/vad"
)

var (
	// ErrEmptyRecording is returned by Stop when no audio was captured.
	ErrEmptyRecording = errors.New("recording is empty")

	// ErrSilentRecording is returned by Stop when silent recordings are
	// rejected and no chunk crossed the voice threshold.
	ErrSilentRecording = errors.New("recording contains no voice")

	// ErrInvalidState is returned for lifecycle calls that do not apply to
	// the session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrCaptureFailed marks a session torn down by a mid-capture failure.
	ErrCaptureFailed = errors.New("capture failed")

	// ErrEncode marks a failure while encoding the recording.
	ErrEncode = errors.New("encode failed")
)

// State is the lifecycle state of a capture session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopping
	StateStopped
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further lifecycle call can change the state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCancelled || s == StateFailed
}

// SessionConfig holds per-recording settings.
type SessionConfig struct {
	MaxDuration  time.Duration // 0 means unlimited
	VADThreshold float32
	RejectSilent bool
}

// Update is delivered to listeners after every accumulated chunk and on
// every state change.
type Update struct {
	SessionID    string
	State        State
	Progress     audio.Progress
	Level        float32
	HasVoice     bool
	LimitReached bool
	Err          error
}

// Recording is the encoded result of a stopped session.
type Recording struct {
	SessionID       string
	Data            []byte
	SampleRate      int
	Samples         int
	Chunks          int
	Duration        time.Duration
	VoicePercentage float64
	CreatedAt       time.Time
	StoppedAt       time.Time
}

// CaptureSession is one recording: a source feeding an accumulator until
// the caller stops or cancels it.
type CaptureSession struct {
	ID        string
	CreatedAt time.Time

	source  capture.Source
	acc     *audio.Accumulator
	meter   *vad.Processor
	config  SessionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	state        State
	lastActivity time.Time
	held         bool
	lastLevel    float32
	limitReached bool
	err          error

	listeners []func(Update)

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}

	mu sync.RWMutex
}

// NewCaptureSession creates a session reading from source. The session does
// not capture until Start is called.
func NewCaptureSession(source capture.Source, config SessionConfig, logger *slog.Logger, m *metrics.Metrics) (*CaptureSession, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if source.SampleRate() <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", source.SampleRate())
	}
	if config.VADThreshold == 0 {
		config.VADThreshold = vad.DefaultThreshold
	}

	meter, err := vad.NewProcessor(config.VADThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create level meter: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	id := ulid.Make().String()

	return &CaptureSession{
		ID:           id,
		CreatedAt:    now,
		source:       source,
		acc:          audio.NewAccumulator(source.SampleRate(), config.MaxDuration),
		meter:        meter,
		config:       config,
		logger:       logger.With(slog.String("session_id", id)),
		metrics:      m,
		lastActivity: now,
	}, nil
}

// OnUpdate registers fn to receive progress and state updates. Listeners run
// on the session's consumer goroutine and must not block.
func (s *CaptureSession) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start opens the source and begins accumulating. Capture ends when ctx is
// done, which discards the recording the same way Cancel does.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start in state %s", ErrInvalidState, state)
	}

	if err := s.source.Start(ctx); err != nil {
		s.state = StateFailed
		s.err = err
		s.mu.Unlock()
		s.logger.Warn("Capture start failed", slog.String("error", err.Error()))
		s.emit(Update{State: StateFailed, Err: err})
		return err
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	s.consumeCancel = cancel
	s.consumeDone = make(chan struct{})
	s.state = StateRecording
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.consume(consumeCtx)

	s.logger.Info("Capture started", slog.Int("sample_rate", s.acc.SampleRate()))
	s.emit(Update{State: StateRecording})
	return nil
}

// consume moves chunks from the source into the accumulator until the source
// closes its channel, reports an error, or the session context ends.
func (s *CaptureSession) consume(ctx context.Context) {
	defer close(s.consumeDone)

	err := s.accumulate(ctx)

	switch {
	case err == nil:
		return

	case errors.Is(err, audio.ErrMaxDuration):
		s.mu.Lock()
		s.limitReached = true
		state := s.state
		s.mu.Unlock()

		s.source.Stop()
		s.logger.Info("Maximum recording duration reached",
			slog.Duration("duration", s.acc.Duration()))
		s.emit(Update{State: state, LimitReached: true})

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.mu.Lock()
		if s.state.Terminal() || s.state == StateStopping {
			s.mu.Unlock()
			return
		}
		s.state = StateCancelled
		s.mu.Unlock()

		s.source.Stop()
		s.acc.Reset()
		s.logger.Info("Capture context ended, recording discarded")
		s.emit(Update{State: StateCancelled})

	default:
		s.teardown(err)
	}
}

func (s *CaptureSession) accumulate(ctx context.Context) error {
	chunks := s.source.Chunks()
	errs := s.source.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			return fmt.Errorf("%w: %w", ErrCaptureFailed, err)

		case c, ok := <-chunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				// A failing source may close its channel before the error is read.
				select {
				case err := <-errs:
					return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
				default:
					return nil
				}
			}

			if err := s.append(c); err != nil {
				return err
			}
		}
	}
}

func (s *CaptureSession) append(c audio.Chunk) error {
	progress, err := s.acc.Append(c)
	if err != nil {
		s.metrics.RecordChunkRejected()
		return err
	}

	update := Update{Progress: progress}
	if c.Len() > 0 {
		if result, err := s.meter.Process(c.Samples()); err == nil {
			update.Level = result.Level
			update.HasVoice = result.HasVoice
		}
	}
	s.metrics.RecordChunk(c.Len(), update.HasVoice)

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.lastLevel = update.Level
	update.State = s.state
	s.mu.Unlock()

	s.emit(update)
	return nil
}

// teardown stops capture after a mid-recording failure and discards audio.
func (s *CaptureSession) teardown(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()

	s.source.Stop()
	s.acc.Reset()
	s.logger.Error("Capture failed, recording discarded", slog.String("error", err.Error()))
	s.emit(Update{State: StateFailed, Err: err})
}

// Pause suspends capture. Audio produced while paused is not recorded.
func (s *CaptureSession) Pause() error {
	return s.transition(StateRecording, StatePaused, s.source.Pause)
}

// Resume continues a paused capture.
func (s *CaptureSession) Resume() error {
	return s.transition(StatePaused, StateRecording, s.source.Resume)
}

func (s *CaptureSession) transition(from, to State, apply func() error) error {
	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot enter %s from state %s", ErrInvalidState, to, state)
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.emit(Update{State: to, Progress: s.acc.Progress()})
	return nil
}

// Stop ends capture and encodes everything accumulated into one WAV file.
// The source is stopped and its channel drained before the accumulator is
// read, so no chunk can arrive after encoding begins. Accumulated chunks are
// released whether or not Stop succeeds.
func (s *CaptureSession) Stop(ctx context.Context) (*Recording, error) {
	s.mu.Lock()
	switch s.state {
	case StateRecording, StatePaused:
	case StateFailed:
		err := s.err
		s.mu.Unlock()
		return nil, err
	default:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot stop in state %s", ErrInvalidState, state)
	}
	s.state = StateStopping
	s.mu.Unlock()

	if err := s.source.Stop(); err != nil {
		s.logger.Warn("Source stop reported an error", slog.String("error", err.Error()))
	}

	select {
	case <-s.consumeDone:
	case <-ctx.Done():
		s.consumeCancel()
		<-s.consumeDone
		s.finish(StateFailed, ctx.Err())
		return nil, ctx.Err()
	}
	s.consumeCancel()

	s.mu.RLock()
	state, failure := s.state, s.err
	s.mu.RUnlock()
	if state == StateFailed {
		return nil, failure
	}

	defer s.acc.Reset()

	if s.acc.SampleCount() == 0 {
		s.finish(StateStopped, nil)
		return nil, ErrEmptyRecording
	}

	if s.config.RejectSilent && !s.meter.HasVoice() {
		s.finish(StateStopped, nil)
		return nil, ErrSilentRecording
	}

	progress := s.acc.Progress()
	encodeStart := time.Now()
	data, err := s.acc.Encode()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrEncode, err)
		s.finish(StateFailed, err)
		return nil, err
	}
	encodeTime := time.Since(encodeStart)
	s.metrics.RecordEncode(encodeTime.Seconds(), len(data), progress.Duration.Seconds())

	rec := &Recording{
		SessionID:       s.ID,
		Data:            data,
		SampleRate:      s.acc.SampleRate(),
		Samples:         progress.Samples,
		Chunks:          progress.Chunks,
		Duration:        progress.Duration,
		VoicePercentage: s.meter.GetStats().VoicePercentage,
		CreatedAt:       s.CreatedAt,
		StoppedAt:       time.Now(),
	}

	s.logger.Info("Recording encoded",
		slog.Int("chunks", rec.Chunks),
		slog.Int("samples", rec.Samples),
		slog.Float64("duration", rec.Duration.Seconds()),
		slog.Int("bytes", len(data)),
		slog.Duration("encode_time", encodeTime))

	s.finish(StateStopped, nil)
	return rec, nil
}

// Cancel stops capture and discards every accumulated chunk. Nothing is
// encoded or uploaded.
func (s *CaptureSession) Cancel() error {
	s.mu.Lock()
	switch s.state {
	case StateCancelled:
		s.mu.Unlock()
		return nil
	case StateStopped, StateFailed, StateStopping:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel in state %s", ErrInvalidState, state)
	}
	started := s.state != StateIdle
	s.state = StateCancelled
	s.mu.Unlock()

	s.source.Stop()
	if started {
		s.consumeCancel()
		<-s.consumeDone
	}
	s.acc.Reset()
	s.meter.Reset()

	s.logger.Info("Recording cancelled")
	s.emit(Update{State: StateCancelled})
	return nil
}

func (s *CaptureSession) finish(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if state == StateFailed {
		s.acc.Reset()
	}
	s.emit(Update{State: state, Err: err})
}

func (s *CaptureSession) emit(u Update) {
	u.SessionID = s.ID

	s.mu.RLock()
	listeners := make([]func(Update), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(u)
	}
}

// Done is closed once the session stops consuming: the source ended its
// input, failed, or the session was stopped or cancelled. It is nil before
// Start.
func (s *CaptureSession) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consumeDone
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure that ended the session, if any.
func (s *CaptureSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Progress returns the running totals of the recording.
func (s *CaptureSession) Progress() audio.Progress {
	return s.acc.Progress()
}

// SampleRate returns the capture sample rate in Hz.
func (s *CaptureSession) SampleRate() int {
	return s.acc.SampleRate()
}

// Source returns the session's capture source.
func (s *CaptureSession) Source() capture.Source {
	return s.source
}

// LastActivity returns the time of the last chunk or lifecycle call.
func (s *CaptureSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch records activity without audio, such as a control message.
func (s *CaptureSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Hold marks the session as owned by a live connection. A held session is
// not expired for inactivity; its owner is responsible for ending it.
func (s *CaptureSession) Hold(held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = held
	s.lastActivity = time.Now()
}

// Held reports whether a live connection owns the session.
func (s *CaptureSession) Held() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	SampleRate      int       `json:"sample_rate"`
	Chunks          int       `json:"chunks"`
	Samples         int       `json:"samples"`
	DurationSeconds float64   `json:"duration_seconds"`
	Level           float32   `json:"level"`
	VoicePercentage float64   `json:"voice_percentage"`
	LimitReached    bool      `json:"limit_reached"`
	Held            bool      `json:"held"`
	Error           string    `json:"error,omitempty"`
}

// Info returns a snapshot of the session for monitoring.
func (s *CaptureSession) Info() SessionInfo {
	progress := s.acc.Progress()
	voice := s.meter.GetStats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:              s.ID,
		State:           s.state.String(),
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
		SampleRate:      s.acc.SampleRate(),
		Chunks:          progress.Chunks,
		Samples:         progress.Samples,
		DurationSeconds: progress.Duration.Seconds(),
		Level:           s.lastLevel,
		VoicePercentage: voice.VoicePercentage,
		LimitReached:    s.limitReached,
		Held:            s.held,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

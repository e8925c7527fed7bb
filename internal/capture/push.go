package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

type sourceState int

const (
	stateIdle sourceState = iota
	stateRunning
	statePaused
	stateStopped
)

func (s sourceState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case statePaused:
		return "paused"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PushSource turns callback-style audio delivery into a chunk channel.
// Concurrent Push calls are serialized, so chunks reach the channel in
// sequence order.
type PushSource struct {
	*pipe

	sampleRate int
	state      sourceState
	seq        uint32
	dropped    uint64

	mu sync.Mutex
	// sendMu is held from sequence assignment until the chunk is queued.
	// Stop never takes it.
	sendMu sync.Mutex
}

// NewPushSource creates a push source for mono audio at sampleRate. buffer is
// the number of chunks that may be queued before Push blocks.
func NewPushSource(sampleRate, buffer int) *PushSource {
	return &PushSource{
		pipe:       newPipe(buffer),
		sampleRate: sampleRate,
	}
}

// Start begins accepting pushed audio. The source stops when ctx is done.
func (s *PushSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyStarted
	}
	if s.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrStartFailed, s.sampleRate)
	}
	s.state = stateRunning

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	return nil
}

// Push delivers one buffer of samples. Audio pushed while paused is dropped.
func (s *PushSource) Push(samples []float32) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.mu.Unlock()
		return ErrNotRunning
	case stateStopped:
		s.mu.Unlock()
		return ErrStopped
	case statePaused:
		s.dropped++
		s.mu.Unlock()
		return nil
	}

	s.seq++
	chunk := audio.NewChunk(s.seq, samples, s.sampleRate)
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	if !s.deliver(chunk) {
		return ErrStopped
	}
	return nil
}

// Fail reports a mid-capture failure from the producer.
func (s *PushSource) Fail(err error) {
	s.fail(err)
}

// Pause drops pushed audio until Resume.
func (s *PushSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return fmt.Errorf("%w: cannot pause in state %s", ErrNotRunning, s.state)
	}
	s.state = statePaused
	return nil
}

// Resume accepts pushed audio again.
func (s *PushSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePaused {
		return fmt.Errorf("%w: cannot resume in state %s", ErrNotRunning, s.state)
	}
	s.state = stateRunning
	return nil
}

// Stop rejects further pushes and closes Chunks() once queued sends finish.
func (s *PushSource) Stop() error {
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()

	s.stop()
	s.closeChunks()
	return nil
}

// SampleRate returns the capture sample rate in Hz.
func (s *PushSource) SampleRate() int {
	return s.sampleRate
}

// Chunks returns the chunk channel.
func (s *PushSource) Chunks() <-chan audio.Chunk {
	return s.chunks
}

// Errors returns the capture error channel.
func (s *PushSource) Errors() <-chan error {
	return s.errs
}

// Dropped returns the number of buffers discarded while paused.
func (s *PushSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

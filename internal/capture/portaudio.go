//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

// PortAudioSource captures mono float audio from the default input device.
// Buffers read while paused are discarded so the device does not overflow.
type PortAudioSource struct {
	*pipe

	sampleRate int
	frames     int

	stream *portaudio.Stream
	buf    []float32
	state  sourceState
	wg     sync.WaitGroup

	mu sync.Mutex
}

// NewPortAudioSource creates a microphone source delivering framesPerChunk samples per chunk.
func NewPortAudioSource(sampleRate, framesPerChunk int) *PortAudioSource {
	return &PortAudioSource{
		pipe:       newPipe(16),
		sampleRate: sampleRate,
		frames:     framesPerChunk,
		buf:        make([]float32, framesPerChunk),
	}
}

// Start opens the default input device and begins capture.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyStarted
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", ErrStartFailed, err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.sampleRate), s.frames, s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open input stream: %v", ErrStartFailed, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start input stream: %v", ErrStartFailed, err)
	}

	s.stream = stream
	s.state = stateRunning

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

func (s *PortAudioSource) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.closeChunks()

	for seq := uint32(1); ; {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop()
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			s.fail(fmt.Errorf("read input stream: %w", err))
			return
		}

		s.mu.Lock()
		paused := s.state == statePaused
		s.mu.Unlock()
		if paused {
			continue
		}

		if !s.deliver(audio.NewChunk(seq, s.buf, s.sampleRate)) {
			return
		}
		seq++
	}
}

// Pause discards captured audio until Resume.
func (s *PortAudioSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return fmt.Errorf("%w: cannot pause in state %s", ErrNotRunning, s.state)
	}
	s.state = statePaused
	return nil
}

// Resume delivers captured audio again.
func (s *PortAudioSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePaused {
		return fmt.Errorf("%w: cannot resume in state %s", ErrNotRunning, s.state)
	}
	s.state = stateRunning
	return nil
}

// Stop ends capture and releases the device.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	started := s.state != stateIdle && s.state != stateStopped
	s.state = stateStopped
	s.mu.Unlock()

	s.stop()
	if !started {
		s.closeChunks()
		return nil
	}

	s.wg.Wait()

	var firstErr error
	if err := s.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("stop input stream: %w", err)
	}
	if err := s.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close input stream: %w", err)
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("terminate portaudio: %w", err)
	}
	return firstErr
}

// SampleRate returns the capture sample rate in Hz.
func (s *PortAudioSource) SampleRate() int {
	return s.sampleRate
}

// Chunks returns the chunk channel.
func (s *PortAudioSource) Chunks() <-chan audio.Chunk {
	return s.chunks
}

// Errors returns the capture error channel.
func (s *PortAudioSource) Errors() <-chan error {
	return s.errs
}

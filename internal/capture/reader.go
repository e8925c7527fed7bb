package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

// bytesPerFloat is the size of one raw little-endian float32 sample.
const bytesPerFloat = 4

// ReaderSource captures raw little-endian float32 mono samples from a reader
// in fixed-size frames. With Realtime set it paces delivery at the capture
// rate, like a live input.
type ReaderSource struct {
	*pipe

	r           io.Reader
	sampleRate  int
	frames      int
	realtime    bool
	closeOnStop bool

	state sourceState
	gate  chan struct{} // closed while not paused
	wg    sync.WaitGroup

	mu sync.Mutex
}

// ReaderOption configures a ReaderSource.
type ReaderOption func(*ReaderSource)

// WithRealtime paces chunk delivery at the capture sample rate.
func WithRealtime() ReaderOption {
	return func(s *ReaderSource) { s.realtime = true }
}

// WithCloseOnStop closes the reader on Stop when it is an io.Closer, so a
// Read blocked on a pipe returns instead of holding Stop up.
func WithCloseOnStop() ReaderOption {
	return func(s *ReaderSource) { s.closeOnStop = true }
}

// NewReaderSource creates a source reading framesPerChunk samples per chunk.
func NewReaderSource(r io.Reader, sampleRate, framesPerChunk int, opts ...ReaderOption) *ReaderSource {
	s := &ReaderSource{
		pipe:       newPipe(8),
		r:          r,
		sampleRate: sampleRate,
		frames:     framesPerChunk,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins reading. The source ends by itself at EOF.
func (s *ReaderSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyStarted
	}
	if s.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrStartFailed, s.sampleRate)
	}
	if s.frames <= 0 {
		return fmt.Errorf("%w: frames per chunk must be positive, got %d", ErrStartFailed, s.frames)
	}

	s.state = stateRunning
	s.gate = make(chan struct{})
	close(s.gate)

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

func (s *ReaderSource) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.closeChunks()

	buf := make([]byte, s.frames*bytesPerFloat)
	chunkDuration := time.Duration(float64(s.frames) / float64(s.sampleRate) * float64(time.Second))

	for seq := uint32(1); ; seq++ {
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()

		select {
		case <-gate:
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop()
			return
		}

		n, err := io.ReadFull(s.r, buf)
		if usable := n - n%bytesPerFloat; usable > 0 {
			chunk := audio.NewChunk(seq, decodeFloat32LE(buf[:usable]), s.sampleRate)
			if !s.deliver(chunk) {
				return
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		if err != nil {
			if s.stopped() {
				return
			}
			s.fail(fmt.Errorf("read audio input: %w", err))
			return
		}

		if s.realtime {
			select {
			case <-time.After(chunkDuration):
			case <-s.done:
				return
			}
		}
	}
}

func decodeFloat32LE(b []byte) []float32 {
	samples := make([]float32, len(b)/bytesPerFloat)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerFloat:]))
	}
	return samples
}

// Pause stops reading until Resume.
func (s *ReaderSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return fmt.Errorf("%w: cannot pause in state %s", ErrNotRunning, s.state)
	}
	s.state = statePaused
	s.gate = make(chan struct{})
	return nil
}

// Resume continues reading.
func (s *ReaderSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePaused {
		return fmt.Errorf("%w: cannot resume in state %s", ErrNotRunning, s.state)
	}
	s.state = stateRunning
	close(s.gate)
	return nil
}

// Stop ends capture. It returns once the reader goroutine has exited, which
// waits for a blocked Read to return unless WithCloseOnStop was given.
func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	started := s.state != stateIdle
	s.state = stateStopped
	s.mu.Unlock()

	s.stop()
	if c, ok := s.r.(io.Closer); ok && s.closeOnStop && started {
		c.Close()
	}
	if started {
		s.wg.Wait()
	}
	s.closeChunks()
	return nil
}

// SampleRate returns the capture sample rate in Hz.
func (s *ReaderSource) SampleRate() int {
	return s.sampleRate
}

// Chunks returns the chunk channel.
func (s *ReaderSource) Chunks() <-chan audio.Chunk {
	return s.chunks
}

// Errors returns the capture error channel.
func (s *ReaderSource) Errors() <-chan error {
	return s.errs
}

// EncodeFloat32LE serializes samples in the raw format ReaderSource reads.
func EncodeFloat32LE(samples []float32) []byte {
	b := make([]byte, len(samples)*bytesPerFloat)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(b[i*bytesPerFloat:], math.Float32bits(v))
	}
	return b
}

// DecodeFloat32LE parses raw little-endian float32 samples.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%bytesPerFloat != 0 {
		return nil, fmt.Errorf("raw float32 audio length must be a multiple of %d (got %d bytes)", bytesPerFloat, len(b))
	}
	return decodeFloat32LE(b), nil
}

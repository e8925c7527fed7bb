package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSampleRateMismatch is returned when a chunk was captured at a
	// different rate than the recording it is appended to.
	ErrSampleRateMismatch = errors.New("chunk sample rate does not match recording")

	// ErrMaxDuration is returned once a recording has reached its length limit.
	ErrMaxDuration = errors.New("maximum recording duration reached")
)

// Progress is the duration-updated notification emitted after each chunk.
type Progress struct {
	Chunks   int           `json:"chunks"`
	Samples  int           `json:"samples"`
	Duration time.Duration `json:"duration"`
	LastSeq  uint32        `json:"last_seq"`
}

// AccumulatorStats represents accumulator statistics for monitoring
type AccumulatorStats struct {
	SampleRate      int     `json:"sample_rate"`
	Chunks          int     `json:"chunks"`
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	RejectedChunks  uint64  `json:"rejected_chunks"`
}

// Accumulator keeps the chunks of one recording in strict arrival order.
type Accumulator struct {
	sampleRate int
	maxSamples int // 0 means unlimited

	chunks       []Chunk
	totalSamples int
	lastSeq      uint32
	rejected     uint64

	mu sync.RWMutex
}

// NewAccumulator creates an accumulator for audio captured at sampleRate.
// A maxDuration of zero disables the length limit.
func NewAccumulator(sampleRate int, maxDuration time.Duration) *Accumulator {
	maxSamples := 0
	if maxDuration > 0 {
		maxSamples = int(maxDuration.Seconds() * float64(sampleRate))
	}

	return &Accumulator{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		chunks:     make([]Chunk, 0, 64),
	}
}

// Append adds a chunk after all previously appended chunks.
func (a *Accumulator) Append(c Chunk) (Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.SampleRate() != a.sampleRate {
		a.rejected++
		return a.progressLocked(), fmt.Errorf("%w: got %d Hz, want %d Hz",
			ErrSampleRateMismatch, c.SampleRate(), a.sampleRate)
	}

	if a.maxSamples > 0 && a.totalSamples+c.Len() > a.maxSamples {
		a.rejected++
		return a.progressLocked(), ErrMaxDuration
	}

	a.chunks = append(a.chunks, c)
	a.totalSamples += c.Len()
	a.lastSeq = c.Seq()

	return a.progressLocked(), nil
}

// Consume appends chunks from in until the channel is closed, ctx is done,
// or Append fails. notify, when non-nil, is called after every appended chunk.
func (a *Accumulator) Consume(ctx context.Context, in <-chan Chunk, notify func(Progress)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-in:
			if !ok {
				return nil
			}

			progress, err := a.Append(c)
			if err != nil {
				return err
			}

			if notify != nil {
				notify(progress)
			}
		}
	}
}

func (a *Accumulator) progressLocked() Progress {
	return Progress{
		Chunks:   len(a.chunks),
		Samples:  a.totalSamples,
		Duration: samplesToDuration(a.totalSamples, a.sampleRate),
		LastSeq:  a.lastSeq,
	}
}

// Progress returns the current running totals.
func (a *Accumulator) Progress() Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.progressLocked()
}

// Chunks returns the accumulated chunks in arrival order.
func (a *Accumulator) Chunks() []Chunk {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Chunk, len(a.chunks))
	copy(out, a.chunks)
	return out
}

// SampleRate returns the recording sample rate in Hz.
func (a *Accumulator) SampleRate() int {
	return a.sampleRate
}

// SampleCount returns the total number of accumulated samples.
func (a *Accumulator) SampleCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalSamples
}

// Duration returns the running recording duration.
func (a *Accumulator) Duration() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return samplesToDuration(a.totalSamples, a.sampleRate)
}

// Encode concatenates the accumulated chunks and encodes them as WAV.
func (a *Accumulator) Encode() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return EncodeChunks(a.chunks, a.sampleRate)
}

// Reset discards every accumulated chunk.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = nil
	a.totalSamples = 0
	a.lastSeq = 0
}

// Stats returns current accumulator statistics
func (a *Accumulator) Stats() AccumulatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AccumulatorStats{
		SampleRate:      a.sampleRate,
		Chunks:          len(a.chunks),
		Samples:         a.totalSamples,
		DurationSeconds: samplesToDuration(a.totalSamples, a.sampleRate).Seconds(),
		RejectedChunks:  a.rejected,
	}
}

package audio

import (
	"time"
)

// Chunk is one buffer of mono float samples delivered by the capture source.
// Samples are nominally in [-1.0, 1.0]; out-of-range values are clamped when
// the chunk is encoded.
type Chunk struct {
	samples    []float32
	sampleRate int
	seq        uint32
	receivedAt time.Time
}

// NewChunk creates a chunk from a copy of samples so later writes by the
// producer cannot change it.
func NewChunk(seq uint32, samples []float32, sampleRate int) Chunk {
	owned := make([]float32, len(samples))
	copy(owned, samples)

	return Chunk{
		samples:    owned,
		sampleRate: sampleRate,
		seq:        seq,
		receivedAt: time.Now(),
	}
}

// Samples returns a copy of the chunk's samples.
func (c Chunk) Samples() []float32 {
	out := make([]float32, len(c.samples))
	copy(out, c.samples)
	return out
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int {
	return len(c.samples)
}

// SampleRate returns the capture sample rate in Hz.
func (c Chunk) SampleRate() int {
	return c.sampleRate
}

// Seq returns the arrival sequence number assigned by the source.
func (c Chunk) Seq() uint32 {
	return c.seq
}

// ReceivedAt returns when the chunk was created.
func (c Chunk) ReceivedAt() time.Time {
	return c.receivedAt
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return samplesToDuration(len(c.samples), c.sampleRate)
}

func samplesToDuration(samples, sampleRate int) time.Duration {
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

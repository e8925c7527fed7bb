package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultThreshold is the RMS level (about -40 dBFS) above which a chunk counts as voice.
const DefaultThreshold = 0.01

// silenceFloorDBFS is reported for digital silence instead of -Inf.
const silenceFloorDBFS = -120.0

// Processor meters chunk levels and classifies them as voice or silence.
type Processor struct {
	threshold float32
	smoothing float32 // Weight of the newest chunk in the displayed level

	// Meter state
	lastLevel float32
	maxPeak   float32

	// Statistics
	totalChunks   uint64
	voiceChunks   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the metering result for one chunk
type Result struct {
	RMS            float32       `json:"rms"`
	Peak           float32       `json:"peak"`
	DBFS           float64       `json:"dbfs"`
	Level          float32       `json:"level"` // Smoothed RMS for meters
	HasVoice       bool          `json:"has_voice"`
	ChunkIndex     int           `json:"chunk_index"`
	ProcessingTime time.Duration `json:"processing_time"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ProcessorStats represents processor statistics
type ProcessorStats struct {
	TotalChunks     uint64    `json:"total_chunks"`
	VoiceChunks     uint64    `json:"voice_chunks"`
	VoicePercentage float64   `json:"voice_percentage"`
	MaxPeak         float32   `json:"max_peak"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new level processor
func NewProcessor(threshold float32) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Processor{
		threshold: threshold,
		smoothing: 0.3,
	}, nil
}

// Process meters one chunk of samples.
func (p *Processor) Process(samples []float32) (*Result, error) {
	startTime := time.Now()

	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot process empty chunk")
	}

	rms, peak := measure(samples)

	p.mu.Lock()
	defer p.mu.Unlock()

	level := rms
	if p.totalChunks > 0 {
		level = p.smoothing*rms + (1-p.smoothing)*p.lastLevel
	}
	p.lastLevel = level

	if peak > p.maxPeak {
		p.maxPeak = peak
	}

	hasVoice := rms >= p.threshold

	p.totalChunks++
	if hasVoice {
		p.voiceChunks++
	}
	p.lastProcessed = time.Now()

	return &Result{
		RMS:            rms,
		Peak:           peak,
		DBFS:           toDBFS(rms),
		Level:          level,
		HasVoice:       hasVoice,
		ChunkIndex:     int(p.totalChunks - 1),
		ProcessingTime: time.Since(startTime),
		Timestamp:      p.lastProcessed,
	}, nil
}

// measure returns the RMS and absolute peak of samples, clamped to full scale.
func measure(samples []float32) (float32, float32) {
	var energy float64
	var peak float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			continue
		}
		v = math.Max(-1, math.Min(1, v))
		energy += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	return float32(math.Sqrt(energy / float64(len(samples)))), float32(peak)
}

func toDBFS(rms float32) float64 {
	if rms <= 0 {
		return silenceFloorDBFS
	}
	return math.Max(silenceFloorDBFS, 20*math.Log10(float64(rms)))
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalChunks > 0 {
		voicePercentage = float64(p.voiceChunks) / float64(p.totalChunks) * 100
	}

	return ProcessorStats{
		TotalChunks:     p.totalChunks,
		VoiceChunks:     p.voiceChunks,
		VoicePercentage: voicePercentage,
		MaxPeak:         p.maxPeak,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// HasVoice reports whether any processed chunk crossed the threshold.
func (p *Processor) HasVoice() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voiceChunks > 0
}

// Reset resets the processor state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalChunks = 0
	p.voiceChunks = 0
	p.lastLevel = 0
	p.maxPeak = 0
	p.lastProcessed = time.Time{}
}

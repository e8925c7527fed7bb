package vad

import (
	"math"
	"sync"
	"testing"
)

func sine(n int, amplitude float64) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*float64(i)/32))
	}
	return samples
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		expectErr bool
	}{
		{"default threshold", DefaultThreshold, false},
		{"zero threshold", 0, false},
		{"full scale threshold", 1, false},
		{"threshold too low", -0.1, true},
		{"threshold too high", 1.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProcessSilence(t *testing.T) {
	p, err := NewProcessor(DefaultThreshold)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	result, err := p.Process(make([]float32, 512))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.HasVoice {
		t.Error("Expected silence to not be voice")
	}
	if result.RMS != 0 || result.Peak != 0 {
		t.Errorf("Expected zero levels, got rms=%f peak=%f", result.RMS, result.Peak)
	}
	if result.DBFS != silenceFloorDBFS {
		t.Errorf("Expected %f dBFS, got %f", silenceFloorDBFS, result.DBFS)
	}
}

func TestProcessTone(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	result, err := p.Process(sine(512, 0.5))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.HasVoice {
		t.Error("Expected tone to count as voice")
	}

	// RMS of a sine is amplitude/sqrt(2).
	if math.Abs(float64(result.RMS)-0.5/math.Sqrt2) > 0.01 {
		t.Errorf("Expected rms ~%f, got %f", 0.5/math.Sqrt2, result.RMS)
	}
	if math.Abs(float64(result.Peak)-0.5) > 0.01 {
		t.Errorf("Expected peak ~0.5, got %f", result.Peak)
	}
	if result.DBFS > 0 || result.DBFS < -10 {
		t.Errorf("Expected dBFS around -9, got %f", result.DBFS)
	}
}

func TestProcessClampsOverload(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	result, err := p.Process([]float32{3, -3, 3, -3})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Peak != 1 || result.RMS != 1 {
		t.Errorf("Expected clamped full scale, got rms=%f peak=%f", result.RMS, result.Peak)
	}
}

func TestProcessEmpty(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	if _, err := p.Process(nil); err == nil {
		t.Error("Expected error for empty chunk")
	}
}

func TestLevelSmoothing(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	loud, _ := p.Process(sine(256, 0.8))
	quiet, _ := p.Process(make([]float32, 256))

	if quiet.Level <= 0 {
		t.Error("Expected smoothed level to decay rather than drop to zero")
	}
	if quiet.Level >= loud.Level {
		t.Errorf("Expected level to fall, got %f after %f", quiet.Level, loud.Level)
	}
}

func TestStatistics(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	p.Process(sine(256, 0.5))
	p.Process(make([]float32, 256))
	p.Process(sine(256, 0.2))
	p.Process(make([]float32, 256))

	stats := p.GetStats()
	if stats.TotalChunks != 4 {
		t.Errorf("Expected 4 chunks, got %d", stats.TotalChunks)
	}
	if stats.VoiceChunks != 2 {
		t.Errorf("Expected 2 voice chunks, got %d", stats.VoiceChunks)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
	if !p.HasVoice() {
		t.Error("Expected HasVoice to be true")
	}

	p.Reset()
	if p.GetStats().TotalChunks != 0 || p.HasVoice() {
		t.Error("Expected reset to clear statistics")
	}
}

func TestHighThreshold(t *testing.T) {
	p, err := NewProcessor(0.9)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	result, _ := p.Process(sine(256, 0.5))
	if result.HasVoice {
		t.Error("Expected tone below raised threshold to be silence")
	}
	if p.GetStats().Threshold != 0.9 {
		t.Errorf("Expected threshold 0.9, got %f", p.GetStats().Threshold)
	}

	if _, err := NewProcessor(2); err == nil {
		t.Error("Expected error for invalid threshold")
	}
}

func TestConcurrentProcess(t *testing.T) {
	p, _ := NewProcessor(DefaultThreshold)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Process(sine(64, 0.3))
				_ = p.GetStats()
			}
		}()
	}
	wg.Wait()

	if p.GetStats().TotalChunks != 400 {
		t.Errorf("Expected 400 chunks, got %d", p.GetStats().TotalChunks)
	}
}

//go:build portaudio

package main

import "github.com/skypro1111/voice-note-capture/internal/capture"

func newMicSource(sampleRate, framesPerChunk int) (capture.Source, error) {
	return capture.NewPortAudioSource(sampleRate, framesPerChunk), nil
}

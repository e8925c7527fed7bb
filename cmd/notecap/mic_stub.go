//go:build !portaudio

package main

import (
	"errors"

	"github.com/skypro1111/voice-note-capture/internal/capture"
)

func newMicSource(int, int) (capture.Source, error) {
	return nil, errors.New("microphone capture needs a build with -tags portaudio")
}

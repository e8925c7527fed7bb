package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := &fakeServer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		text:   "hello world",
	}
	server := httptest.NewServer(s.routes())
	t.Cleanup(server.Close)
	return server
}

func TestFakeServerAcceptsClientUpload(t *testing.T) {
	server := newFakeServer(t)

	client, err := transcription.NewClient(transcription.Config{
		Endpoint: server.URL + "/transcribe",
		Timeout:  5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	data, err := audio.EncodeWAV(make([]float32, 16000), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	handle, err := client.Upload(context.Background(), &transcription.UploadRequest{
		RecordingID: "rec-1",
		Filename:    "rec-1.wav",
		Data:        data,
		SampleRate:  16000,
		Duration:    time.Second,
		Language:    "uk",
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if handle.Text != "hello world" {
		t.Errorf("Expected canned text, got %q", handle.Text)
	}
	if handle.Language != "uk" {
		t.Errorf("Expected language uk, got %q", handle.Language)
	}
	if handle.Duration != 1.0 {
		t.Errorf("Expected duration 1.0, got %v", handle.Duration)
	}
}

func TestFakeServerRejectsInvalidAudio(t *testing.T) {
	server := newFakeServer(t)

	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"x.wav\"\r\n" +
		"Content-Type: audio/wav\r\n\r\n" +
		"not a wav file\r\n" +
		"--b--\r\n"

	resp, err := http.Post(server.URL+"/transcribe", "multipart/form-data; boundary=b", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestFakeServerRequiresFile(t *testing.T) {
	server := newFakeServer(t)

	resp, err := http.Post(server.URL+"/transcribe", "multipart/form-data; boundary=b", strings.NewReader("--b--\r\n"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

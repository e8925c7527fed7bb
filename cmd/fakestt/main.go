// Command fakestt is a local stand-in for the transcription endpoint. It
// accepts the multipart WAV uploads produced by the capture service, checks
// the audio and answers with a canned transcription.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

const maxUploadBytes = 64 << 20

type transcriptionResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	RecordingID string    `json:"recording_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

type fakeServer struct {
	logger *slog.Logger
	text   string
	delay  time.Duration
}

func (s *fakeServer) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/transcribe", s.handleTranscribe).Methods(http.MethodPost)
	return r
}

func (s *fakeServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		s.logger.Warn("Rejected upload", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid WAV: %v", err), http.StatusUnprocessableEntity)
		return
	}

	s.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("recording_id", r.FormValue("recording_id")),
		slog.String("filename", header.Filename),
		slog.String("content_type", header.Header.Get("Content-Type")),
		slog.Int("bytes", len(data)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
		slog.String("language", r.FormValue("language")),
	)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		ID:          uuid.NewString(),
		Status:      "completed",
		Text:        s.text,
		Language:    language,
		Duration:    info.Duration,
		RecordingID: r.FormValue("recording_id"),
		ProcessedAt: time.Now().UTC(),
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcription of the recorded note.", "Transcription text to return")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s := &fakeServer{logger: logger, text: *text, delay: *delay}

	logger.Info("Fake transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "http://localhost"+*addr+"/transcribe"),
	)

	if err := http.ListenAndServe(*addr, s.routes()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

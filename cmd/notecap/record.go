package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/stream"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

type recordOptions struct {
	input        string
	mic          bool
	rate         int
	frames       int
	realtime     bool
	out          string
	upload       bool
	endpoint     string
	language     string
	maxDuration  time.Duration
	rejectSilent bool
}

func newRecordCmd(opts *globalOptions) *cobra.Command {
	ro := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture a recording, then save and/or upload it",
		Long: `Capture one recording and run the full pipeline: accumulate chunks,
encode once to WAV at the end, then write it to --out and/or upload it.

Input is raw mono float32 little-endian PCM from a file or stdin (--input -),
or the default microphone (--mic, needs a build with -tags portaudio).
Capture ends at the end of the input, at --max-duration, or on Ctrl-C.
On Ctrl-C the input is closed. Stdin attached to a terminal or a blocking
pipe may still hold the stop until its pending read returns, so press
Ctrl-D or close the writing end if the recording does not finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts, ro)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&ro.input, "input", "i", "", "raw f32le input file, - for stdin")
	f.BoolVar(&ro.mic, "mic", false, "capture from the default microphone")
	f.IntVarP(&ro.rate, "rate", "r", 0, "sample rate in Hz (default from config)")
	f.IntVar(&ro.frames, "frames", 0, "samples per chunk (default from config)")
	f.BoolVar(&ro.realtime, "realtime", false, "pace file input at the sample rate")
	f.StringVarP(&ro.out, "out", "o", "", "write the WAV file here")
	f.BoolVar(&ro.upload, "upload", false, "upload the recording to the transcription endpoint")
	f.StringVar(&ro.endpoint, "endpoint", "", "transcription endpoint (default from config)")
	f.StringVar(&ro.language, "language", "", "language hint sent with the upload")
	f.DurationVar(&ro.maxDuration, "max-duration", 0, "stop capturing after this long (default from config)")
	f.BoolVar(&ro.rejectSilent, "reject-silent", false, "refuse recordings with no detected voice")

	return cmd
}

func runRecord(cmd *cobra.Command, opts *globalOptions, ro *recordOptions) error {
	if ro.mic == (ro.input != "") {
		return errors.New("exactly one of --input or --mic is required")
	}
	if ro.out == "" && !ro.upload {
		return errors.New("nothing to do, set --out and/or --upload")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if ro.rate == 0 {
		ro.rate = cfg.Audio.SampleRate
	}
	if ro.frames == 0 {
		ro.frames = cfg.Audio.ChunkFrames
	}
	if ro.maxDuration == 0 {
		ro.maxDuration = cfg.Audio.GetMaxDuration()
	}
	if ro.language == "" {
		ro.language = cfg.Transcription.Language
	}

	stderr := cmd.ErrOrStderr()
	logger := opts.logger(stderr)

	// Build the client first so a missing endpoint fails before capture.
	var client *transcription.Client
	if ro.upload {
		client, err = newClient(cfg, ro.endpoint, logger)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	var source capture.Source
	if ro.mic {
		source, err = newMicSource(ro.rate, ro.frames)
		if err != nil {
			return err
		}
	} else {
		var in io.Reader = cmd.InOrStdin()
		if ro.input != "-" {
			f, err := openInput(cmd, ro.input)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		readerOpts := []capture.ReaderOption{capture.WithCloseOnStop()}
		if ro.realtime {
			readerOpts = append(readerOpts, capture.WithRealtime())
		}
		source = capture.NewReaderSource(in, ro.rate, ro.frames, readerOpts...)
	}

	session, err := stream.NewCaptureSession(source, stream.SessionConfig{
		MaxDuration:  ro.maxDuration,
		VADThreshold: cfg.VAD.Threshold,
		RejectSilent: ro.rejectSilent || cfg.Session.RejectSilent,
	}, logger, nil)
	if err != nil {
		return err
	}

	meter := &progressMeter{w: stderr, live: ro.mic || ro.realtime || opts.verbose}
	session.OnUpdate(meter.update)

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The signal context only ends capture; it must not discard the recording.
	if err := session.Start(context.Background()); err != nil {
		return err
	}
	if ro.mic {
		fmt.Fprintln(stderr, "Recording... press Ctrl-C to stop")
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
	}

	rec, err := session.Stop(context.Background())
	meter.done()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recorded %s: %d chunks, %d samples, %.3fs, voice %.0f%%\n",
		rec.SessionID, rec.Chunks, rec.Samples, rec.Duration.Seconds(), rec.VoicePercentage)

	if ro.out != "" {
		if err := os.WriteFile(ro.out, rec.Data, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Fprintf(out, "Wrote %s (%s)\n", ro.out, formatBytes(int64(len(rec.Data))))
	}

	if client != nil {
		handle, err := client.Upload(contextOf(cmd), &transcription.UploadRequest{
			RecordingID: rec.SessionID,
			Data:        rec.Data,
			SampleRate:  rec.SampleRate,
			Duration:    rec.Duration,
			Language:    ro.language,
			CreatedAt:   rec.CreatedAt,
		})
		if err != nil {
			return err
		}
		return printHandle(cmd, handle)
	}

	return nil
}

// progressMeter prints capture progress to the terminal about once a second
// of recorded audio.
type progressMeter struct {
	w    io.Writer
	live bool

	mu      sync.Mutex
	printed time.Duration
	dirty   bool
}

func (p *progressMeter) update(u stream.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case u.LimitReached:
		p.newline()
		fmt.Fprintf(p.w, "Maximum duration reached at %.1fs\n", u.Progress.Duration.Seconds())
	case u.Err != nil:
		p.newline()
		fmt.Fprintf(p.w, "Capture failed: %v\n", u.Err)
	case p.live && u.Progress.Chunks > 0 && u.Progress.Duration-p.printed >= time.Second:
		p.printed = u.Progress.Duration
		p.dirty = true
		fmt.Fprintf(p.w, "\r%7.1fs  %-20s", u.Progress.Duration.Seconds(), levelBar(u.Level, 20))
	}
}

func (p *progressMeter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newline()
}

func (p *progressMeter) newline() {
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}

// levelBar renders an RMS level on a -60..0 dBFS scale.
func levelBar(level float32, width int) string {
	if level <= 0 {
		return ""
	}
	db := 20 * math.Log10(float64(level))
	n := int((db + 60) / 60 * float64(width))
	if n < 0 {
		n = 0
	}
	if n > width {
		n = width
	}
	return strings.Repeat("#", n)
}

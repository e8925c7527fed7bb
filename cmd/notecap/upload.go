package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

func newUploadCmd(opts *globalOptions) *cobra.Command {
	var (
		endpoint string
		language string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <file.wav>",
		Short: "Send a WAV file to the transcription endpoint",
		Long: `Upload a WAV file to the configured transcription endpoint in a single
multipart request. The upload is not retried.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if language == "" {
				language = cfg.Transcription.Language
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			info, err := audio.GetWAVInfo(data)
			if err != nil {
				return err
			}

			client, err := newClient(cfg, endpoint, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := contextOf(cmd)
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			id := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			if id == "" {
				id = ulid.Make().String()
			}

			handle, err := client.Upload(ctx, &transcription.UploadRequest{
				RecordingID: id,
				Filename:    filepath.Base(args[0]),
				Data:        data,
				SampleRate:  int(info.SampleRate),
				Duration:    time.Duration(info.Duration * float64(time.Second)),
				Language:    language,
			})
			if err != nil {
				return err
			}

			return printHandle(cmd, handle)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "transcription endpoint (default from config)")
	cmd.Flags().StringVar(&language, "language", "", "language hint sent with the upload")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall upload deadline")

	return cmd
}

func printHandle(cmd *cobra.Command, handle *transcription.Handle) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(handle)
}

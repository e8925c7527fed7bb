package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/config"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

const userAgent = "notecap/1.0.0"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "notecap",
		Short: "Voice note capture tool",
		Long: `notecap - encode, inspect and upload voice-note recordings.

Audio input is raw mono float32 little-endian PCM. Recordings are encoded
once to 16-bit mono WAV and uploaded in a single request.

Configuration is read from the YAML file given by --config when it exists,
then overridden by the environment and the .env file:
  NOTECAP_TRANSCRIPTION_ENDPOINT
  NOTECAP_TRANSCRIPTION_API_KEY

Examples:
  notecap encode note.f32 note.wav --rate 16000
  notecap record --input note.f32 --out note.wav --upload
  arecord -f FLOAT_LE -r 16000 -c 1 -t raw | notecap record --input - --out note.wav`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", ".env file with overrides")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		newEncodeCmd(opts),
		newInfoCmd(),
		newVerifyCmd(),
		newUploadCmd(opts),
		newRecordCmd(opts),
	)

	return cmd
}

// loadConfig returns the configuration without requiring every section to
// be valid; commands check what they use.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}

	if _, err := os.Stat(o.configPath); err == nil {
		return config.LoadFile(o.configPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newClient(cfg *config.Config, endpoint string, logger *slog.Logger) (*transcription.Client, error) {
	if endpoint == "" {
		endpoint = cfg.Transcription.Endpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no transcription endpoint, set --endpoint or %s", config.EnvTranscriptionEndpoint)
	}

	return transcription.NewClient(transcription.Config{
		Endpoint:      endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent: 1,
		UserAgent:     userAgent,
	}, logger)
}

// openInput opens path for reading, with "-" meaning stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

// formatBytes formats bytes to human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

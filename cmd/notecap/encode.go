package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/audio"
	"github.com/skypro1111/voice-note-capture/internal/capture"
)

func newEncodeCmd(opts *globalOptions) *cobra.Command {
	var (
		rate   int
		frames int
	)

	cmd := &cobra.Command{
		Use:   "encode <input.f32|-> <output.wav>",
		Short: "Encode raw float32 PCM to WAV",
		Long: `Encode raw mono float32 little-endian samples to a 16-bit PCM WAV file.

Samples outside [-1, 1] are clamped. An empty input produces a valid
44-byte WAV file with no audio.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rate == 0 {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				rate = cfg.Audio.SampleRate
			}

			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			source := capture.NewReaderSource(in, rate, frames)
			if err := source.Start(contextOf(cmd)); err != nil {
				return err
			}
			defer source.Stop()

			acc := audio.NewAccumulator(rate, 0)
			if err := acc.Consume(contextOf(cmd), source.Chunks(), nil); err != nil {
				return fmt.Errorf("failed to read samples: %w", err)
			}
			select {
			case err := <-source.Errors():
				return err
			default:
			}

			data, err := acc.Encode()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], data, 0644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d samples, %.3fs, %s\n",
				args[1], acc.SampleCount(), acc.Duration().Seconds(), formatBytes(int64(len(data))))
			return nil
		},
	}

	cmd.Flags().IntVarP(&rate, "rate", "r", 0, "sample rate in Hz (default from config)")
	cmd.Flags().IntVar(&frames, "frames", 4096, "samples read per chunk")

	return cmd
}

// contextOf returns the command context, which is nil when the command is
// executed without one.
func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

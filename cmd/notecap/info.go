package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

func newInfoCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info <file.wav>",
		Short: "Show WAV header information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			info, err := audio.GetWAVInfo(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "File:        %s\n", args[0])
			fmt.Fprintf(out, "Sample rate: %d Hz\n", info.SampleRate)
			fmt.Fprintf(out, "Channels:    %d\n", info.Channels)
			fmt.Fprintf(out, "Bit depth:   %d\n", info.BitsPerSample)
			fmt.Fprintf(out, "Samples:     %d\n", info.NumSamples)
			fmt.Fprintf(out, "Duration:    %.3fs\n", info.Duration)
			fmt.Fprintf(out, "Data size:   %s\n", formatBytes(int64(info.DataSize)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}

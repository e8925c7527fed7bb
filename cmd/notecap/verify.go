package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-audio/wav"
	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file.wav>",
		Short: "Decode a WAV file with an independent parser",
		Long: `Decode the file with github.com/go-audio/wav and with the built-in
decoder, and check that both agree on format and every sample.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			samples, rate, err := audio.DecodeWAV(data)
			if err != nil {
				return err
			}

			dec := wav.NewDecoder(bytes.NewReader(data))
			if !dec.IsValidFile() {
				return fmt.Errorf("%s is not a valid WAV file", args[0])
			}
			buf, err := dec.FullPCMBuffer()
			if err != nil {
				return fmt.Errorf("independent decode failed: %w", err)
			}

			if dec.NumChans != 1 || dec.BitDepth != 16 || dec.WavAudioFormat != 1 {
				return fmt.Errorf("expected mono 16-bit PCM, got %d channels, %d bits, format %d",
					dec.NumChans, dec.BitDepth, dec.WavAudioFormat)
			}
			if int(dec.SampleRate) != rate {
				return fmt.Errorf("sample rate mismatch: %d vs %d", dec.SampleRate, rate)
			}
			if len(buf.Data) != len(samples) {
				return fmt.Errorf("sample count mismatch: %d vs %d", len(buf.Data), len(samples))
			}
			for i, s := range samples {
				if buf.Data[i] != int(s) {
					return fmt.Errorf("sample %d differs: %d vs %d", i, buf.Data[i], s)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "OK %s: %d samples at %d Hz\n", args[0], len(samples), rate)
			return nil
		},
	}
}

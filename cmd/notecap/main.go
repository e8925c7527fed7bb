// Command notecap is the operator tool for the capture pipeline.
//
// Usage:
//
//	notecap [flags] <command> [args]
//
// Commands:
//
//	encode  - Encode raw float32 little-endian PCM to WAV
//	info    - Show WAV header information
//	verify  - Decode a WAV file with an independent parser
//	upload  - Send a WAV file to the transcription endpoint
//	record  - Capture from a file, stdin or the microphone, then save or upload
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

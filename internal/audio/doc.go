// Package audio handles capture-side audio accumulation and WAV encoding.
// It keeps captured float chunks in arrival order, tracks the running
// recording duration, and encodes the result to canonical 16-bit mono PCM WAV.
package audio

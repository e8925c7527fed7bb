// Package vad provides per-chunk level metering and energy-based voice activity detection.
// It computes RMS and peak levels for captured float audio, smooths them for display,
// and tracks how much of a recording contained voice.
package vad

// Package capture adapts platform audio inputs to a channel of audio chunks.
// A Source delivers chunks in arrival order on a single channel and closes it
// once stopped, so readers can drain it without racing late callbacks.
package capture

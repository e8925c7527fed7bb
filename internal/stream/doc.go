// Package stream owns capture sessions: one recording's source, accumulator
// and level meter, its pause/stop/cancel lifecycle, and the manager that
// registers sessions, expires idle ones and hands finished recordings to the
// transcription uploader.
package stream

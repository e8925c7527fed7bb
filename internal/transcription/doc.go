// Package transcription uploads encoded recordings to a remote transcription endpoint.
package transcription

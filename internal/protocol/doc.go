// Package protocol implements the binary frame format of the websocket capture transport.
// It handles header parsing, control frames, and float32 audio payload encoding,
// and defines the JSON messages sent back to capturing clients.
package protocol

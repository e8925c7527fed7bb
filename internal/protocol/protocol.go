package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame types
const (
	FrameTypeStart  = 0x01
	FrameTypeChunk  = 0x02
	FrameTypePause  = 0x03
	FrameTypeResume = 0x04
	FrameTypeStop   = 0x05
	FrameTypeCancel = 0x06
)

// Frame structure sizes
const (
	HeaderSize       = 9 // 1 + 4 + 4 bytes
	StartPayloadSize = 4 // Sample rate
	BytesPerSample   = 4 // float32

	// MaxChunkSamples bounds a single chunk frame (one second at 48 kHz).
	MaxChunkSamples = 48000
)

// Header represents the 9-byte frame header
// Layout: [Type:1][Sequence:4][Count:4]
type Header struct {
	Type     uint8  // See FrameType constants
	Sequence uint32 // Client-side frame counter
	Count    uint32 // Samples in a chunk frame, 0 otherwise
}

// StartPayload represents the payload of a start frame
// Layout: [SampleRate:4]
type StartPayload struct {
	SampleRate uint32
}

// Frame represents a fully parsed frame
type Frame struct {
	Header  *Header
	Start   *StartPayload // Only set for start frames
	Samples []float32     // Only set for chunk frames
}

// ParseHeader parses the 9-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		Type:     data[0],
		Sequence: binary.BigEndian.Uint32(data[1:5]),
		Count:    binary.BigEndian.Uint32(data[5:9]),
	}, nil
}

// ParseStartPayload parses the start frame payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) != StartPayloadSize {
		return nil, fmt.Errorf("start payload size mismatch: expected %d bytes, got %d",
			StartPayloadSize, len(data))
	}

	return &StartPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
	}, nil
}

// ParseSamples parses count little-endian float32 samples
func ParseSamples(data []byte, count uint32) ([]float32, error) {
	if count > MaxChunkSamples {
		return nil, fmt.Errorf("chunk too large: %d samples (max %d)", count, MaxChunkSamples)
	}

	if uint64(len(data)) != uint64(count)*BytesPerSample {
		return nil, fmt.Errorf("chunk payload size mismatch: header says %d samples (%d bytes), got %d bytes",
			count, uint64(count)*BytesPerSample, len(data))
	}

	samples := make([]float32, count)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*BytesPerSample:]))
	}
	return samples, nil
}

// ParseFrame parses a complete frame (header + payload)
func ParseFrame(data []byte) (*Frame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	payload := data[HeaderSize:]
	frame := &Frame{Header: header}

	switch header.Type {
	case FrameTypeStart:
		start, err := ParseStartPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		if err := ValidateStartPayload(start); err != nil {
			return nil, fmt.Errorf("invalid start payload: %w", err)
		}
		frame.Start = start

	case FrameTypeChunk:
		samples, err := ParseSamples(payload, header.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to parse chunk payload: %w", err)
		}
		frame.Samples = samples

	default:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%s frame must have no payload, got %d bytes",
				TypeString(header.Type), len(payload))
		}
	}

	return frame, nil
}

// ValidateHeader validates header fields
func ValidateHeader(h *Header) error {
	switch h.Type {
	case FrameTypeStart, FrameTypePause, FrameTypeResume, FrameTypeStop, FrameTypeCancel:
		if h.Count != 0 {
			return fmt.Errorf("%s frame must have count 0, got %d", TypeString(h.Type), h.Count)
		}
	case FrameTypeChunk:
	default:
		return fmt.Errorf("invalid frame type: 0x%02x", h.Type)
	}
	return nil
}

// ValidateStartPayload validates the requested capture format
func ValidateStartPayload(p *StartPayload) error {
	if p.SampleRate < 8000 || p.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000 Hz, got %d", p.SampleRate)
	}
	return nil
}

// EncodeHeader writes the header into a new slice with room for payloadSize bytes.
func EncodeHeader(h *Header, payloadSize int) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+payloadSize)
	buf[0] = h.Type
	binary.BigEndian.PutUint32(buf[1:5], h.Sequence)
	binary.BigEndian.PutUint32(buf[5:9], h.Count)
	return buf
}

// EncodeStart builds a start frame
func EncodeStart(seq uint32, sampleRate uint32) []byte {
	buf := EncodeHeader(&Header{Type: FrameTypeStart, Sequence: seq}, StartPayloadSize)
	return binary.BigEndian.AppendUint32(buf, sampleRate)
}

// EncodeChunk builds a chunk frame
func EncodeChunk(seq uint32, samples []float32) []byte {
	buf := EncodeHeader(&Header{Type: FrameTypeChunk, Sequence: seq, Count: uint32(len(samples))},
		len(samples)*BytesPerSample)
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}
	return buf
}

// EncodeControl builds a payload-less control frame
func EncodeControl(frameType uint8, seq uint32) []byte {
	return EncodeHeader(&Header{Type: frameType, Sequence: seq}, 0)
}

// TypeString returns a readable frame type name
func TypeString(t uint8) string {
	switch t {
	case FrameTypeStart:
		return "start"
	case FrameTypeChunk:
		return "chunk"
	case FrameTypePause:
		return "pause"
	case FrameTypeResume:
		return "resume"
	case FrameTypeStop:
		return "stop"
	case FrameTypeCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}

// Server message types
const (
	MessageStarted   = "started"
	MessageProgress  = "progress"
	MessageState     = "state"
	MessageResult    = "result"
	MessageCancelled = "cancelled"
	MessageError     = "error"
)

// Message is a JSON text frame sent from the server to the capturing client.
type Message struct {
	Type            string    `json:"type"`
	RecordingID     string    `json:"recording_id,omitempty"`
	State           string    `json:"state,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Chunks          int       `json:"chunks,omitempty"`
	Level           float32   `json:"level,omitempty"`
	TranscriptionID string    `json:"transcription_id,omitempty"`
	Text            string    `json:"text,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// WAVHeaderSize is the size of the canonical PCM WAV header.
	WAVHeaderSize = 44

	// WAVMimeType is the content type used when a recording is uploaded.
	WAVMimeType = "audio/wav"

	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
	numChannels    = 1
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// QuantizeSample converts a float sample to signed 16-bit PCM.
// The sample is clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, truncating toward zero. NaN encodes as 0.
func QuantizeSample(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}

	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// Concat joins the samples of chunks in the order given.
func Concat(chunks []Chunk) []float32 {
	total := 0
	for _, c := range chunks {
		total += c.Len()
	}

	out := make([]float32, 0, total)
	for _, c := range chunks {
		out = append(out, c.samples...)
	}
	return out
}

// EncodeChunks concatenates chunks in order and encodes them as WAV.
func EncodeChunks(chunks []Chunk, sampleRate int) ([]byte, error) {
	return EncodeWAV(Concat(chunks), sampleRate)
}

// EncodeWAV encodes float samples into a canonical 16-bit mono PCM WAV file.
// The result is exactly 44 + 2*len(samples) bytes; an empty input yields a
// header-only file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * bytesPerSample)
	if uint64(len(samples))*bytesPerSample > math.MaxUint32-36 {
		return nil, fmt.Errorf("recording too long for WAV: %d samples", len(samples))
	}

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * numChannels * bytesPerSample,
		BlockAlign:    numChannels * bytesPerSample,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	data := make([]byte, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*bytesPerSample:], uint16(QuantizeSample(s)))
	}
	buf.Write(data)

	return buf.Bytes(), nil
}

// DecodeWAV decodes WAV format data back to PCM-16 samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != bitsPerSample {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != numChannels {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	payload := data[WAVHeaderSize:]
	if uint64(header.Subchunk2Size) > uint64(len(payload)) {
		return nil, 0, fmt.Errorf("truncated WAV data: header says %d bytes, got %d",
			header.Subchunk2Size, len(payload))
	}

	numSamples := int(header.Subchunk2Size) / bytesPerSample
	samples := make([]int16, numSamples)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*bytesPerSample:]))
	}

	return samples, int(header.SampleRate), nil
}

func readHeader(data []byte) (*WAVHeader, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return &header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if header.BitsPerSample == 0 || header.NumChannels == 0 {
		return nil, fmt.Errorf("invalid sample layout: %d channels, %d bits",
			header.NumChannels, header.BitsPerSample)
	}

	frameSize := uint32(header.NumChannels) * uint32(header.BitsPerSample) / 8
	numSamples := header.Subchunk2Size / frameSize

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

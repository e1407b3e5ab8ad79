package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// riffHeader is the leading 12 bytes of a WAV file
type riffHeader struct {
	ChunkID   [4]byte // "RIFF"
	ChunkSize uint32  // File size - 8 bytes
	Format    [4]byte // "WAVE"
}

// chunkHeader precedes every sub-chunk of a RIFF file
type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

// fmtChunk is the PCM body of the "fmt " sub-chunk
type fmtChunk struct {
	AudioFormat   uint16 // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
}

// WAVInfo describes the PCM layout announced by a WAV header
type WAVInfo struct {
	SampleRate    uint32 `json:"sample_rate"`
	Channels      uint16 `json:"channels"`
	BitsPerSample uint16 `json:"bits_per_sample"`
	DataSize      uint32 `json:"data_size_bytes"`
}

// Duration returns the announced audio length in seconds
func (w *WAVInfo) Duration() float64 {
	if w.SampleRate == 0 || w.Channels == 0 || w.BitsPerSample == 0 {
		return 0
	}
	frameSize := uint32(w.Channels) * uint32(w.BitsPerSample) / 8
	return float64(w.DataSize/frameSize) / float64(w.SampleRate)
}

// IsWAV reports whether the buffered input starts with a RIFF/WAVE header.
// It does not consume any input
func IsWAV(r *bufio.Reader) bool {
	head, err := r.Peek(12)
	if err != nil {
		return false
	}
	return string(head[0:4]) == "RIFF" && string(head[8:12]) == "WAVE"
}

// ReadWAVHeader consumes a WAV header up to the start of the sample data and
// checks that the data is 16 kHz mono 16-bit PCM. Chunks other than "fmt "
// and "data" are skipped
func ReadWAVHeader(r io.Reader) (*WAVInfo, error) {
	var riff riffHeader
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}

	if string(riff.ChunkID[:]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(riff.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var format *fmtChunk
	for {
		var chunk chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return nil, fmt.Errorf("invalid WAV file: missing data chunk: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if chunk.Size < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", chunk.Size)
			}
			format = &fmtChunk{}
			if err := binary.Read(r, binary.LittleEndian, format); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if err := skip(r, int64(chunk.Size)-16+int64(chunk.Size&1)); err != nil {
				return nil, err
			}

		case "data":
			if format == nil {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			info := &WAVInfo{
				SampleRate:    format.SampleRate,
				Channels:      format.NumChannels,
				BitsPerSample: format.BitsPerSample,
				DataSize:      chunk.Size,
			}
			return info, validatePCM(format)

		default:
			if err := skip(r, int64(chunk.Size)+int64(chunk.Size&1)); err != nil {
				return nil, err
			}
		}
	}
}

func validatePCM(f *fmtChunk) error {
	if f.AudioFormat != 1 {
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", f.AudioFormat)
	}

	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", f.BitsPerSample)
	}

	if f.NumChannels != 1 {
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", f.NumChannels)
	}

	if f.SampleRate != SampleRate {
		return fmt.Errorf("unsupported sample rate: %d (only %d Hz is supported)", f.SampleRate, SampleRate)
	}

	return nil
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("failed to skip %d bytes of WAV header: %w", n, err)
	}
	return nil
}

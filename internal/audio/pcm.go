package audio

import "encoding/binary"

const (
	// SampleRate is the only rate the detection pipeline accepts
	SampleRate = 16000

	// BytesPerSample is the size of one s16le sample
	BytesPerSample = 2
)

// DecodeS16LE converts little-endian 16-bit PCM into dst and returns the
// number of samples written. A trailing odd byte is ignored
func DecodeS16LE(dst []int16, src []byte) int {
	n := min(len(src)/BytesPerSample, len(dst))
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*BytesPerSample:]))
	}
	return n
}

// Normalize scales samples into [-1,1) by dividing by 32768 and zero-fills
// the remainder of dst
func Normalize(dst []float32, samples []int16) {
	n := min(len(samples), len(dst))
	for i := 0; i < n; i++ {
		dst[i] = float32(samples[i]) / 32768.0
	}
	clear(dst[n:])
}

// AppendS16LE appends samples to buf as little-endian 16-bit PCM
func AppendS16LE(buf []byte, samples []int16) []byte {
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}

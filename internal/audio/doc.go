// Package audio holds the PCM helpers shared by the detection pipeline:
// s16le decoding and normalization, WAV header parsing for file input, and
// the capture sinks (WAV/raw files and live playback pipes) that receive
// full, speech-only and noise-only sample blocks.
package audio

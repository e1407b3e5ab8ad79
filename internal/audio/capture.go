package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleSink receives blocks of 16 kHz mono samples from a detection run
type SampleSink interface {
	WriteSamples(samples []int16) error
	Close() error
}

// OpenSink creates a capture file at path. Paths ending in ".wav" get a WAV
// container; anything else is written as headerless s16le
func OpenSink(path string) (SampleSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return newWAVSink(f), nil
	}
	return &rawSink{file: f, w: bufio.NewWriter(f)}, nil
}

// wavSink streams samples through a go-audio WAV encoder. The header sizes
// are patched when the sink is closed
type wavSink struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
}

func newWAVSink(f *os.File) *wavSink {
	return &wavSink{
		file:    f,
		encoder: wav.NewEncoder(f, SampleRate, 16, 1, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
			SourceBitDepth: 16,
		},
	}
}

func (s *wavSink) WriteSamples(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}

	s.buf.Data = s.buf.Data[:0]
	for _, v := range samples {
		s.buf.Data = append(s.buf.Data, int(v))
	}

	if err := s.encoder.Write(s.buf); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

func (s *wavSink) Close() error {
	encErr := s.encoder.Close()
	fileErr := s.file.Close()
	return errors.Join(encErr, fileErr)
}

// rawSink writes headerless little-endian samples
type rawSink struct {
	file    *os.File
	w       *bufio.Writer
	scratch []byte
}

func (s *rawSink) WriteSamples(samples []int16) error {
	s.scratch = AppendS16LE(s.scratch[:0], samples)
	if _, err := s.w.Write(s.scratch); err != nil {
		return fmt.Errorf("failed to write raw samples: %w", err)
	}
	return nil
}

func (s *rawSink) Close() error {
	flushErr := s.w.Flush()
	fileErr := s.file.Close()
	return errors.Join(flushErr, fileErr)
}

// DefaultPlayer is the playback binary used by StartPlayback when command is empty
const DefaultPlayer = "aplay"

// PlaybackArgs returns the player arguments for 16 kHz mono s16le input on stdin
func PlaybackArgs() []string {
	return []string{"-f", "S16_LE", "-r", "16000", "-c", "1"}
}

// playbackSink pipes samples into a live audio player process
type playbackSink struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scratch []byte
}

// StartPlayback spawns an audio player reading raw samples from its stdin
func StartPlayback(ctx context.Context, command string) (SampleSink, error) {
	if command == "" {
		command = DefaultPlayer
	}

	cmd := exec.CommandContext(ctx, command, PlaybackArgs()...)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	return &playbackSink{cmd: cmd, stdin: stdin}, nil
}

func (s *playbackSink) WriteSamples(samples []int16) error {
	s.scratch = AppendS16LE(s.scratch[:0], samples)
	if _, err := s.stdin.Write(s.scratch); err != nil {
		return fmt.Errorf("playback pipe: %w", err)
	}
	return nil
}

func (s *playbackSink) Close() error {
	closeErr := s.stdin.Close()
	waitErr := s.cmd.Wait()
	if waitErr != nil {
		waitErr = fmt.Errorf("playback: %w", waitErr)
	}
	return errors.Join(closeErr, waitErr)
}

// Tee fans one block out to several sinks. Nil sinks are skipped and a
// Tee of no sinks returns nil
func Tee(sinks ...SampleSink) SampleSink {
	var live teeSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}

	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	default:
		return live
	}
}

type teeSink []SampleSink

func (t teeSink) WriteSamples(samples []int16) error {
	var errs []error
	for _, s := range t {
		if err := s.WriteSamples(samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeSink) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

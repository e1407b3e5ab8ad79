package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/skypro1111/vadc/internal/arena"
)

// DefaultTranscoder is the decoder binary used when TranscodeOptions.Command is empty
const DefaultTranscoder = "ffmpeg"

// TranscodeOptions selects what the transcoding subprocess decodes
type TranscodeOptions struct {
	Path         string    // media file or URL handed to the decoder
	AudioSource  int       // audio stream index inside the container
	StartSeconds float64   // seek offset
	Command      string    // decoder binary, DefaultTranscoder when empty
	Stderr       io.Writer // decoder diagnostics, os.Stderr when nil
}

// TranscodeArgs builds the decoder argument list that converts the selected
// audio stream into 16 kHz mono s16le on stdout
func TranscodeArgs(opts TranscodeOptions) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-ss", strconv.FormatFloat(opts.StartSeconds, 'f', 6, 64),
		"-i", opts.Path,
		"-map", fmt.Sprintf("0:a:%d", opts.AudioSource),
		"-vn", "-sn", "-dn",
		"-ac", "1",
		"-ar", "16k",
		"-f", "s16le",
		"-",
	}
}

// OpenTranscode spawns the decoder and returns a stream over its stdout.
// If the process cannot be started the stream is terminal with the Error
// code and no read is attempted. Cancelling ctx kills the decoder
func OpenTranscode(ctx context.Context, a *arena.Arena, opts TranscodeOptions, size int) (*Stream, error) {
	command := opts.Command
	if command == "" {
		command = DefaultTranscoder
	}

	cmd := exec.CommandContext(ctx, command, TranscodeArgs(opts)...)
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(a, size, Error, fmt.Errorf("%s: %w", command, err))
	}

	if err := cmd.Start(); err != nil {
		return failed(a, size, Error, fmt.Errorf("%s: %w", command, err))
	}

	s, err := NewReader(a, stdout, size)
	s.closer = func() error {
		return waitTranscoder(cmd, s.Err() == EndOfFile, command)
	}
	return s, err
}

// waitTranscoder reaps the decoder. A decoder that has not reached the end
// of its output is killed first so that no child process outlives the run
func waitTranscoder(cmd *exec.Cmd, drained bool, command string) error {
	if !drained {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%s: kill: %w", command, err)
		}
		cmd.Wait()
		return nil
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

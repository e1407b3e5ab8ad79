package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/skypro1111/vadc/internal/arena"
	"github.com/skypro1111/vadc/internal/audio"
)

// readerSource fills the whole backing buffer from r on every refill.
// A short final read is delivered as a normal window and the terminal
// condition is reported on the following refill
type readerSource struct {
	r       io.Reader
	pending error
}

func (rs *readerSource) refill(s *Stream) ErrorCode {
	if rs.pending != nil {
		return s.fail(codeFor(rs.pending))
	}

	n, err := io.ReadFull(rs.r, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		rs.pending = io.EOF
	case errors.Is(err, io.EOF):
		return s.fail(EndOfFile)
	default:
		if n == 0 {
			return s.fail(Error)
		}
		rs.pending = err
	}

	s.code = NoError
	s.setWindow(s.buf, n)
	return NoError
}

func codeFor(err error) ErrorCode {
	if errors.Is(err, io.EOF) {
		return EndOfFile
	}
	return Error
}

// NewReader creates a stream over an already open reader, such as os.Stdin
// size is the backing buffer size in bytes. The stream is primed with one
// refill before it is returned
func NewReader(a *arena.Arena, r io.Reader, size int) (*Stream, error) {
	source := &readerSource{r: r}
	s, err := newStream(a, size, source)
	if err != nil {
		return s, err
	}

	if r == nil {
		s.fail(CantOpenFile)
		return s, fmt.Errorf("stream source is nil")
	}

	source.refill(s)
	return s, nil
}

// OpenFile creates a file-backed stream of raw s16le samples. A file that
// starts with a RIFF/WAVE header has the header validated and skipped
func OpenFile(a *arena.Arena, path string, size int) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return failed(a, size, CantOpenFile, fmt.Errorf("failed to open %s: %w", path, err))
	}

	br := bufio.NewReader(f)
	if audio.IsWAV(br) {
		if _, err := audio.ReadWAVHeader(br); err != nil {
			f.Close()
			return failed(a, size, CantOpenFile, fmt.Errorf("unsupported wav input %s: %w", path, err))
		}
	}

	s, err := NewReader(a, br, size)
	s.closer = f.Close
	return s, err
}

// failed returns a stream that is terminal from the start
func failed(a *arena.Arena, size int, code ErrorCode, cause error) (*Stream, error) {
	s, err := newStream(a, size, &readerSource{})
	if err != nil {
		return s, err
	}
	s.fail(code)
	return s, cause
}

package stream

import (
	"fmt"

	"github.com/skypro1111/vadc/internal/arena"
)

// ErrorCode is the last refill outcome of a stream
type ErrorCode int

const (
	NoError ErrorCode = iota
	Error
	EndOfFile
	Memory
	CantOpenFile
)

// String returns the code name used in logs and metrics labels
func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case Error:
		return "error"
	case EndOfFile:
		return "end_of_file"
	case Memory:
		return "memory"
	case CantOpenFile:
		return "cant_open_file"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ZerosWindowSize is the window length, in bytes, served by a terminal stream
const ZerosWindowSize = 256

var zeros [ZerosWindowSize]byte

// refiller is one of the three backing variants of a stream
type refiller interface {
	refill(s *Stream) ErrorCode
}

// Stream exposes a read window [start,end) over an owned backing buffer.
// After every Refill either the window holds fresh bytes and Err reports
// NoError, or the stream is terminal and the window is ZerosWindowSize zero bytes
type Stream struct {
	buf  []byte
	data []byte

	start  int
	cursor int
	end    int

	code   ErrorCode
	source refiller
	closer func() error
	closed bool
}

// newStream allocates the backing buffer from the arena. On allocation
// failure the stream is returned already terminal with the Memory code
func newStream(a *arena.Arena, size int, source refiller) (*Stream, error) {
	s := &Stream{source: source}

	if size <= 0 {
		s.fail(Memory)
		return s, fmt.Errorf("stream buffer size must be positive, got %d", size)
	}

	buf, _, err := arena.PushSlice[byte](a, size)
	if err != nil {
		s.fail(Memory)
		return s, fmt.Errorf("failed to allocate stream buffer: %w", err)
	}
	s.buf = buf
	s.data = buf
	return s, nil
}

// Refill advances the window. A window that has not been consumed yet is
// kept and the current code is returned without reading
func (s *Stream) Refill() ErrorCode {
	if s.cursor != s.end {
		return s.code
	}
	return s.source.refill(s)
}

// Window returns the bytes of the current window
func (s *Stream) Window() []byte {
	return s.data[s.cursor:s.end]
}

// Consume marks the current window as read
func (s *Stream) Consume() {
	s.cursor = s.end
}

// Err returns the last refill outcome
func (s *Stream) Err() ErrorCode {
	return s.code
}

// Terminal reports whether the stream has switched to zero windows
func (s *Stream) Terminal() bool {
	_, ok := s.source.(zerosSource)
	return ok
}

// Close releases the underlying handle or process. It does not free arena memory
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Stream) setWindow(data []byte, n int) {
	s.data = data
	s.start = 0
	s.cursor = 0
	s.end = n
}

// fail switches the stream to the zeros variant and records code
func (s *Stream) fail(code ErrorCode) ErrorCode {
	s.code = code
	s.source = zerosSource{}
	return s.source.refill(s)
}

// zerosSource is the terminal variant. It never fails
type zerosSource struct{}

func (zerosSource) refill(s *Stream) ErrorCode {
	s.setWindow(zeros[:], ZerosWindowSize)
	return s.code
}

package pipeline

import (
	"errors"
	"fmt"
)

// Code classifies how a run ended
type Code int

const (
	// CodeOK means the run completed. Stream end-of-file and stream I/O
	// errors mid-run end in CodeOK after the final flush
	CodeOK Code = iota
	// CodeOutOfMemory means the arena could not hold the run's buffers
	CodeOutOfMemory
	// CodeSourceOpen means the input file or transcoder could not be opened
	CodeSourceOpen
	// CodeBackend means the backend failed to initialize or to run
	CodeBackend
	// CodeInvalidOptions means the options were rejected before any setup
	CodeInvalidOptions
	// CodeOutput means a segment could not be written to the output
	CodeOutput
)

// String returns the code name used in logs and metric labels
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeOutOfMemory:
		return "out_of_memory"
	case CodeSourceOpen:
		return "source_open"
	case CodeBackend:
		return "backend"
	case CodeInvalidOptions:
		return "invalid_options"
	case CodeOutput:
		return "output"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ExitStatus maps a code to a process exit status
func (c Code) ExitStatus() int {
	return int(c)
}

// Error is the error returned by a failed run
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the code from an error returned by Run. A nil error is
// CodeOK; an error that is not an *Error is CodeBackend
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBackend
}

package vad

import (
	"fmt"
	"io"
	"math"
)

// OutputFormat selects how segment times are written
type OutputFormat int

const (
	// FormatSeconds writes "start,end" with two decimals
	FormatSeconds OutputFormat = iota
	// FormatCentiseconds writes "start,end" as rounded integer centiseconds
	FormatCentiseconds
)

// String returns the format name
func (f OutputFormat) String() string {
	if f == FormatCentiseconds {
		return "centiseconds"
	}
	return "seconds"
}

// Segment is a padded speech interval in seconds
type Segment struct {
	Start float32 `json:"start"`
	End   float32 `json:"end"`
}

// Duration returns End - Start in seconds
func (s Segment) Duration() float64 {
	return float64(s.End) - float64(s.Start)
}

// Centiseconds rounds seconds to the nearest centisecond, halves away from zero
func Centiseconds(seconds float32) int64 {
	scaled := float32(seconds * 100)
	return int64(math.Floor(float64(scaled + 0.5)))
}

// Format renders one output line, newline included
func (s Segment) Format(format OutputFormat) string {
	if format == FormatCentiseconds {
		return fmt.Sprintf("%d,%d\n", Centiseconds(s.Start), Centiseconds(s.End))
	}
	return fmt.Sprintf("%.2f,%.2f\n", s.Start, s.End)
}

// Emitter pads chunk intervals into time, merges segments whose padded
// intervals touch and writes finalized segments to the output
type Emitter struct {
	w               io.Writer
	format          OutputFormat
	secondsPerChunk float32
	pad             float32
	stats           *Stats
	buffered        FeedResult

	// OnEmit, if set, is called after a segment has been written
	OnEmit func(Segment)
}

// NewEmitter creates an emitter. padMs is applied to both segment ends
func NewEmitter(w io.Writer, format OutputFormat, secondsPerChunk float32, padMs float32, stats *Stats) *Emitter {
	return &Emitter{
		w:               w,
		format:          format,
		secondsPerChunk: secondsPerChunk,
		pad:             padMs / 1000.0,
		stats:           stats,
	}
}

// Pad converts a chunk interval to padded seconds. The start never goes below zero
func (e *Emitter) Pad(r FeedResult) Segment {
	start := float32(float32(r.SpeechStart)*e.secondsPerChunk) - e.pad
	if start < 0 {
		start = 0
	}
	end := float32(float32(r.SpeechEnd)*e.secondsPerChunk) + e.pad
	return Segment{Start: start, End: end}
}

// Add buffers a closed segment. If the buffered segment's padded end reaches
// the new segment's padded start the two merge; otherwise the buffered one
// is written and replaced
func (e *Emitter) Add(r FeedResult) error {
	if !r.Valid {
		return nil
	}

	if !e.buffered.Valid {
		e.buffered = r
		return nil
	}

	if e.Pad(e.buffered).End >= e.Pad(r).Start {
		e.buffered.SpeechEnd = r.SpeechEnd
		return nil
	}

	if err := e.emit(e.buffered); err != nil {
		return err
	}
	e.buffered = r
	return nil
}

// Pending returns the buffered segment that has not been written yet
func (e *Emitter) Pending() FeedResult {
	return e.buffered
}

// Flush writes the buffered segment, if any
func (e *Emitter) Flush() error {
	if !e.buffered.Valid {
		return nil
	}
	r := e.buffered
	e.buffered = FeedResult{}
	return e.emit(r)
}

func (e *Emitter) emit(r FeedResult) error {
	seg := e.Pad(r)
	if e.stats != nil {
		e.stats.AddSpeech(seg.Duration())
	}

	if _, err := io.WriteString(e.w, seg.Format(e.format)); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}

	if e.OnEmit != nil {
		e.OnEmit(seg)
	}
	return nil
}

package vad

import (
	"fmt"
	"math"
)

// Params are the per-run segmentation thresholds, with durations already
// converted to chunks
type Params struct {
	Threshold        float32 // probability at or above which speech starts
	NegThreshold     float32 // probability below which silence counts towards a close
	MinSilenceChunks int
	MinSpeechChunks  int
}

// Validate checks the hysteresis ordering and the chunk minimums
func (p Params) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", p.Threshold)
	}
	if p.NegThreshold >= p.Threshold {
		return fmt.Errorf("neg threshold (%f) must be below threshold (%f)", p.NegThreshold, p.Threshold)
	}
	if p.MinSilenceChunks < 1 {
		return fmt.Errorf("min silence must be at least 1 chunk, got %d", p.MinSilenceChunks)
	}
	if p.MinSpeechChunks < 1 {
		return fmt.Errorf("min speech must be at least 1 chunk, got %d", p.MinSpeechChunks)
	}
	return nil
}

// ChunksFromMillis converts a duration to whole chunks, rounding half up and
// never returning less than one
func ChunksFromMillis(ms, chunkMs float64) int {
	chunks := int(math.Floor(ms/chunkMs + 0.5))
	if chunks < 1 {
		return 1
	}
	return chunks
}

// FeedState is the segmentation state of one run. TempEnd is the chunk
// index of a pending close, 0 when there is none
type FeedState struct {
	Triggered          bool
	CurrentSpeechStart int
	TempEnd            int
}

// FeedResult is the outcome of one segmentation step. Valid is false when
// no segment closed on that step
type FeedResult struct {
	SpeechStart int
	SpeechEnd   int
	Valid       bool
}

// Feed advances the state machine by one chunk
func (s *FeedState) Feed(p Params, probability float32, index int) FeedResult {
	var result FeedResult

	// A rebound above threshold cancels a pending close
	if probability >= p.Threshold && s.TempEnd > 0 {
		s.TempEnd = 0
	}

	if !s.Triggered {
		if probability >= p.Threshold {
			s.Triggered = true
			s.CurrentSpeechStart = index
		}
		return result
	}

	if probability >= p.NegThreshold {
		return result
	}

	if s.TempEnd == 0 {
		s.TempEnd = index
	}
	if index-s.TempEnd < p.MinSilenceChunks {
		return result
	}

	if s.TempEnd-s.CurrentSpeechStart >= p.MinSpeechChunks {
		result = FeedResult{SpeechStart: s.CurrentSpeechStart, SpeechEnd: s.TempEnd, Valid: true}
	}
	s.reset()
	return result
}

// Finish force-closes a run still open at end of stream. lastIndex is the
// index of the last processed chunk. Runs not longer than the minimum
// speech duration are dropped
func (s *FeedState) Finish(p Params, lastIndex int) FeedResult {
	var result FeedResult

	if s.Triggered && lastIndex-s.CurrentSpeechStart > p.MinSpeechChunks {
		result = FeedResult{SpeechStart: s.CurrentSpeechStart, SpeechEnd: lastIndex, Valid: true}
	}
	s.reset()
	return result
}

func (s *FeedState) reset() {
	s.Triggered = false
	s.CurrentSpeechStart = 0
	s.TempEnd = 0
}

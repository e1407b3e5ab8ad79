package vad

import (
	"fmt"
	"time"
)

// Stats accumulates run totals. It only ever grows; reports read it
type Stats struct {
	TotalSpeech   float64   `json:"total_speech_seconds"`
	TotalSamples  int64     `json:"total_samples"`
	TotalDuration float64   `json:"total_duration_seconds"`
	Started       time.Time `json:"started"`

	sampleRate int
	now        func() time.Time
}

// NewStats starts the wall clock. A nil now uses time.Now
func NewStats(sampleRate int, now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	return &Stats{Started: now(), sampleRate: sampleRate, now: now}
}

// AddSamples records n more samples read from the source
func (s *Stats) AddSamples(n int) {
	s.TotalSamples += int64(n)
	s.TotalDuration = float64(s.TotalSamples) / float64(s.sampleRate)
}

// AddSpeech records the length of an emitted segment
func (s *Stats) AddSpeech(seconds float64) {
	s.TotalSpeech += seconds
}

// Elapsed is the wall-clock time since the run started
func (s *Stats) Elapsed() time.Duration {
	return s.now().Sub(s.Started)
}

// SpeechPercent is the share of the processed audio reported as speech
func (s *Stats) SpeechPercent() float64 {
	if s.TotalDuration == 0 {
		return 0
	}
	return s.TotalSpeech / s.TotalDuration * 100.0
}

// Speed is processed audio seconds per wall-clock second
func (s *Stats) Speed() float64 {
	elapsed := s.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return s.TotalDuration / elapsed
}

// String renders the progress line, for example
// "time=00:01:05.5000 | speech=12.34s (18.9%) | total=65.5s | speed=40.2x"
func (s *Stats) String() string {
	d := s.TotalDuration
	hours := int(d / 3600.0)
	minutes := int((d - float64(hours)*3600.0) / 60.0)
	seconds := int(d - float64(hours)*3600.0 - float64(minutes)*60.0)
	millis := int((d - float64(hours)*3600.0 - float64(minutes)*60.0 - float64(seconds)) * 1000.0)

	return fmt.Sprintf("time=%02d:%02d:%02d.%04d | speech=%.2fs (%.1f%%) | total=%.1fs | speed=%.1fx",
		hours, minutes, seconds, millis,
		s.TotalSpeech, s.SpeechPercent(), s.TotalDuration, s.Speed())
}

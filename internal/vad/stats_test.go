package vad

import (
	"testing"
	"time"
)

func TestStatsString(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	current := start
	stats := NewStats(16000, func() time.Time { return current })

	stats.AddSamples(16000 * 65)
	stats.AddSamples(8000)
	stats.AddSpeech(6.5)
	current = start.Add(5 * time.Second)

	expected := "time=00:01:05.0500 | speech=6.50s (9.9%) | total=65.5s | speed=13.1x"
	if got := stats.String(); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
	if stats.TotalSamples != 1048000 {
		t.Errorf("Expected 1048000 samples, got %d", stats.TotalSamples)
	}
}

func TestStatsEmpty(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stats := NewStats(16000, func() time.Time { return start })

	if stats.SpeechPercent() != 0 {
		t.Errorf("Expected 0%% for an empty run, got %f", stats.SpeechPercent())
	}
	if stats.Speed() != 0 {
		t.Errorf("Expected zero speed without elapsed time, got %f", stats.Speed())
	}

	expected := "time=00:00:00.0000 | speech=0.00s (0.0%) | total=0.0s | speed=0.0x"
	if got := stats.String(); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestStatsHours(t *testing.T) {
	stats := NewStats(16000, nil)
	stats.AddSamples(16000 * (2*3600 + 3*60 + 4))

	got := stats.String()[:len("time=02:03:04.0000")]
	if got != "time=02:03:04.0000" {
		t.Errorf("Unexpected clock %q", got)
	}
}

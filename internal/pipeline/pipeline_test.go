package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/vadc/internal/audio"
	"github.com/skypro1111/vadc/internal/inference/mock"
	"github.com/skypro1111/vadc/internal/vad"
)

const testWindow = 512

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pcm returns chunks*testWindow samples where chunk i holds the value i+1
func pcm(chunks float64) []byte {
	n := int(chunks * testWindow)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i/testWindow + 1)
	}
	return audio.AppendS16LE(nil, samples)
}

func testOptions(b *mock.Backend, input []byte, out io.Writer) Options {
	opts := DefaultOptions()
	opts.Backend = b
	opts.SequenceCount = testWindow
	opts.MinSilenceMs = 64 // 2 chunks of 32 ms
	opts.MinSpeechMs = 32  // 1 chunk
	opts.SpeechPadMs = 0
	opts.Source = Source{Reader: bytes.NewReader(input)}
	opts.Output = out
	opts.Logger = quietLogger()
	return opts
}

type countingRecorder struct {
	samples    int
	chunks     int
	segments   int
	inferences int
	terminated []string
	finished   []string
}

func (c *countingRecorder) AddSamples(n int)               { c.samples += n }
func (c *countingRecorder) AddChunks(n int)                { c.chunks += n }
func (c *countingRecorder) AddSegment(float64)             { c.segments++ }
func (c *countingRecorder) ObserveInference(time.Duration) { c.inferences++ }
func (c *countingRecorder) StreamTerminated(code string)   { c.terminated = append(c.terminated, code) }
func (c *countingRecorder) RunFinished(code string)        { c.finished = append(c.finished, code) }

type recordingSink struct {
	samples []int16
	fail    bool
	closed  bool
}

func (r *recordingSink) WriteSamples(samples []int16) error {
	if r.fail {
		return errors.New("disk full")
	}
	r.samples = append(r.samples, samples...)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestRunEmitsSegment(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.1, 0.1, 0.6, 0.6, 0.6, 0.6, 0.05, 0.05, 0.05, 0.05, 0.1},
	}
	rec := &countingRecorder{}

	var out bytes.Buffer
	opts := testOptions(b, pcm(11), &out)
	opts.Metrics = rec

	summary, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.String() != "0.06,0.19\n" {
		t.Errorf("Unexpected output %q", out.String())
	}

	if summary.Chunks != 11 || summary.Segments != 1 || summary.Calls != 11 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if summary.Backend != "mock" || summary.Variant != "legacy" || summary.Running {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if summary.Termination != "end_of_file" {
		t.Errorf("Expected end_of_file termination, got %q", summary.Termination)
	}
	if summary.TotalSamples != 11*testWindow {
		t.Errorf("Expected %d samples, got %d", 11*testWindow, summary.TotalSamples)
	}
	if summary.RunID == "" {
		t.Error("Expected a run id")
	}

	if rec.samples != 11*testWindow || rec.chunks != 11 || rec.segments != 1 {
		t.Errorf("Unexpected recorder counts %+v", rec)
	}
	if len(rec.terminated) != 1 || rec.terminated[0] != "end_of_file" {
		t.Errorf("Unexpected terminations %v", rec.terminated)
	}
	if len(rec.finished) != 1 || rec.finished[0] != "ok" {
		t.Errorf("Unexpected finish codes %v", rec.finished)
	}

	if b.Closed {
		t.Error("Injected backend must not be closed by Run")
	}
}

func TestRunForceClosesOpenSpeech(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.9, 0.9, 0.9, 0.9, 0.9},
	}

	var out bytes.Buffer
	if _, err := Run(context.Background(), testOptions(b, pcm(6), &out)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.String() != "0.00,0.16\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestRunCentisecondsAndPadding(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.1, 0.1, 0.6, 0.6, 0.6, 0.6, 0.05, 0.05, 0.05, 0.05, 0.1},
	}

	var out bytes.Buffer
	opts := testOptions(b, pcm(11), &out)
	opts.Format = vad.FormatCentiseconds
	opts.SpeechPadMs = 30

	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// [2,6] chunks of 32 ms padded by 30 ms
	if out.String() != "3,22\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestRunRawProbabilities(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.1, 0.2, 0.3, 0.9},
	}

	var out bytes.Buffer
	opts := testOptions(b, pcm(2.5), &out)
	opts.RawProbabilities = true

	summary, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The half chunk at the end still yields a probability
	if out.String() != "0.100000\n0.200000\n0.300000\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
	if summary.Chunks != 3 || summary.Segments != 0 {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestRunEmptyInput(t *testing.T) {
	b := &mock.Backend{Meta: mock.Metadata(testWindow, 0)}

	var out bytes.Buffer
	summary, err := Run(context.Background(), testOptions(b, nil, &out))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.Len() != 0 || len(b.Calls) != 0 {
		t.Errorf("Expected no output and no inference, got %q and %d calls", out.String(), len(b.Calls))
	}
	if summary.Chunks != 0 || summary.TotalSamples != 0 {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestRunCaptureSplit(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.1, 0.5, 0.9},
	}

	all := &recordingSink{}
	speech := &recordingSink{}
	noise := &recordingSink{}

	opts := testOptions(b, pcm(4), &bytes.Buffer{})
	opts.Capture = Capture{Audio: all, Speech: speech, Noise: noise}

	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(all.samples) != 4*testWindow {
		t.Errorf("Expected %d captured samples, got %d", 4*testWindow, len(all.samples))
	}

	// Chunks 0 and 3 are speech; 0.5 is not above the threshold
	if len(speech.samples) != 2*testWindow || speech.samples[0] != 1 || speech.samples[testWindow] != 4 {
		t.Errorf("Unexpected speech capture: %d samples", len(speech.samples))
	}
	if len(noise.samples) != 2*testWindow || noise.samples[0] != 2 || noise.samples[testWindow] != 3 {
		t.Errorf("Unexpected noise capture: %d samples", len(noise.samples))
	}

	if all.closed || speech.closed || noise.closed {
		t.Error("Run must leave capture sinks to the caller")
	}
}

func TestRunFailingCaptureIsDropped(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.9, 0.9, 0.9},
	}

	var out bytes.Buffer
	opts := testOptions(b, pcm(4), &out)
	opts.Capture = Capture{Audio: &recordingSink{fail: true}}

	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Capture failures must not fail the run: %v", err)
	}
	if out.String() != "0.00,0.10\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestRunBackendFailureSkipsFlush(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.9, 0.9, 0.9, 0.05, 0.05, 0.05, 0.9},
		RunErr:        errors.New("session lost"),
		RunErrAt:      7,
	}
	rec := &countingRecorder{}

	var out bytes.Buffer
	opts := testOptions(b, pcm(10), &out)
	opts.Metrics = rec

	_, err := Run(context.Background(), opts)
	if CodeOf(err) != CodeBackend {
		t.Fatalf("Expected CodeBackend, got %v", err)
	}

	// Call 7 fails before the cycle holding chunk 6 is segmented; the open run is dropped
	if out.Len() != 0 {
		t.Errorf("Expected no partial flush, got %q", out.String())
	}
	if len(rec.finished) != 1 || rec.finished[0] != "backend" {
		t.Errorf("Unexpected finish codes %v", rec.finished)
	}
}

func TestRunSetupErrors(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Options, *mock.Backend)
		expected Code
	}{
		{
			name:     "invalid threshold",
			modify:   func(o *Options, _ *mock.Backend) { o.Threshold = 2 },
			expected: CodeInvalidOptions,
		},
		{
			name:     "missing output",
			modify:   func(o *Options, _ *mock.Backend) { o.Output = nil },
			expected: CodeInvalidOptions,
		},
		{
			name:     "arena too small",
			modify:   func(o *Options, _ *mock.Backend) { o.ArenaSize = 1024 },
			expected: CodeOutOfMemory,
		},
		{
			name:     "tensor creation fails",
			modify:   func(_ *Options, b *mock.Backend) { b.CreateErr = errors.New("bad model") },
			expected: CodeBackend,
		},
		{
			name:     "unknown backend",
			modify:   func(o *Options, _ *mock.Backend) { o.Backend = nil; o.BackendName = "missing" },
			expected: CodeBackend,
		},
		{
			name: "missing raw file",
			modify: func(o *Options, _ *mock.Backend) {
				o.Source = Source{Path: filepath.Join(t.TempDir(), "missing.pcm"), RawPCM: true}
			},
			expected: CodeSourceOpen,
		},
		{
			name: "missing transcoder",
			modify: func(o *Options, _ *mock.Backend) {
				o.Source = Source{Path: "input.mp4", Transcoder: filepath.Join(t.TempDir(), "no-ffmpeg")}
			},
			expected: CodeSourceOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mock.Backend{Meta: mock.Metadata(testWindow, 0)}
			opts := testOptions(b, pcm(2), &bytes.Buffer{})
			tt.modify(&opts, b)

			_, err := Run(context.Background(), opts)
			if got := CodeOf(err); got != tt.expected {
				t.Errorf("Expected %s, got %s (%v)", tt.expected, got, err)
			}

			var perr *Error
			if !errors.As(err, &perr) {
				t.Errorf("Expected *Error, got %T", err)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	b := &mock.Backend{Meta: mock.Metadata(testWindow, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	summary, err := Run(ctx, testOptions(b, pcm(4), &out))
	if err != nil {
		t.Fatalf("Cancellation must stop cleanly: %v", err)
	}
	if summary.Termination != "cancelled" {
		t.Errorf("Expected cancelled termination, got %q", summary.Termination)
	}
	if len(b.Calls) != 0 {
		t.Errorf("Expected no inference after cancellation, got %d calls", len(b.Calls))
	}
}

func TestRunStatsReport(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.9, 0.05, 0.05, 0.05, 0.9, 0.9, 0.05, 0.05, 0.05},
	}

	var out, report bytes.Buffer
	opts := testOptions(b, pcm(10), &out)
	opts.Stats = true
	opts.Report = &report

	summary, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.String() != "0.00,0.06\n0.16,0.22\n" {
		t.Errorf("Unexpected output %q", out.String())
	}

	lines := strings.Split(strings.TrimSpace(report.String()), "\n")
	// One line per emitted segment plus the final report
	if len(lines) != 3 {
		t.Fatalf("Expected 3 report lines, got %d: %q", len(lines), report.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "time=00:00:00.") {
			t.Errorf("Unexpected report line %q", line)
		}
	}
	if summary.Segments != 2 {
		t.Errorf("Expected 2 segments, got %d", summary.Segments)
	}
}

func TestRunWithoutStatsReportsNothing(t *testing.T) {
	b := &mock.Backend{
		Meta:          mock.Metadata(testWindow, 0),
		Probabilities: []float32{0.9, 0.9, 0.05, 0.05, 0.05},
	}

	var out, report bytes.Buffer
	opts := testOptions(b, pcm(5), &out)
	opts.Report = &report

	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != "0.00,0.06\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
	if report.Len() != 0 {
		t.Errorf("Expected no statistics without Stats, got %q", report.String())
	}
}

func TestRunEnergyBackend(t *testing.T) {
	const window = 1536

	samples := make([]int16, 48*window)
	for i := 16 * window; i < 32*window; i++ {
		samples[i] = 16000
	}

	for _, batch := range []int{1, 4, 96} {
		t.Run(fmt.Sprintf("batch %d", batch), func(t *testing.T) {
			var out bytes.Buffer
			opts := DefaultOptions()
			opts.BackendName = "energy"
			opts.Batch = batch
			opts.Source = Source{Reader: bytes.NewReader(audio.AppendS16LE(nil, samples))}
			opts.Output = &out
			opts.Logger = quietLogger()

			summary, err := Run(context.Background(), opts)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if out.String() != "1.51,3.20\n" {
				t.Errorf("Unexpected output %q", out.String())
			}
			if summary.Chunks != 48 || summary.Backend != "energy" {
				t.Errorf("Unexpected summary %+v", summary)
			}
		})
	}
}

func TestRunnerSummaryWhileIdle(t *testing.T) {
	r := New(testOptions(&mock.Backend{Meta: mock.Metadata(testWindow, 0)}, nil, &bytes.Buffer{}))

	s := r.Summary()
	if s.Running || s.RunID != r.RunID() || s.Source != "stdin" {
		t.Errorf("Unexpected idle summary %+v", s)
	}
}

func TestCycleSamples(t *testing.T) {
	tests := []struct {
		batch    int
		expected int
	}{
		{batch: 1, expected: 2 * testWindow},
		{batch: 2, expected: 2 * testWindow},
		{batch: 3, expected: 3 * testWindow},
		{batch: 96, expected: 96 * testWindow},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("batch %d", tt.batch), func(t *testing.T) {
			b := &mock.Backend{Meta: mock.Metadata(testWindow, 0)}
			b.Meta.BatchRestriction = tt.batch

			opts := testOptions(b, nil, &bytes.Buffer{})
			r := New(opts)
			if _, err := r.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if got := cycleSamples(r.Summary().Layout); got != tt.expected {
				t.Errorf("Expected %d samples per cycle, got %d", tt.expected, got)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Error("Expected CodeOK for nil")
	}
	if CodeOf(errors.New("plain")) != CodeBackend {
		t.Error("Expected CodeBackend for a plain error")
	}

	wrapped := fmt.Errorf("run: %w", &Error{Code: CodeSourceOpen, Err: errors.New("no such file")})
	if CodeOf(wrapped) != CodeSourceOpen {
		t.Errorf("Expected CodeSourceOpen, got %s", CodeOf(wrapped))
	}
	if CodeSourceOpen.ExitStatus() != 2 || CodeOK.ExitStatus() != 0 {
		t.Error("Unexpected exit status mapping")
	}
	if !strings.Contains(wrapped.Error(), "source_open: no such file") {
		t.Errorf("Unexpected message %q", wrapped.Error())
	}
}

func TestOpenCapture(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenCapture(context.Background(), CaptureOptions{
		SaveAudio:  filepath.Join(dir, "all.wav"),
		SaveSpeech: filepath.Join(dir, "speech.pcm"),
	})
	if err != nil {
		t.Fatalf("OpenCapture failed: %v", err)
	}
	if c.Audio == nil || c.Speech == nil || c.Noise != nil {
		t.Errorf("Unexpected sinks %+v", c)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	_, err = OpenCapture(context.Background(), CaptureOptions{
		SaveAudio: filepath.Join(dir, "ok.wav"),
		SaveNoise: filepath.Join(dir, "missing", "noise.wav"),
	})
	if err == nil {
		t.Error("Expected error for unwritable capture path")
	}
}

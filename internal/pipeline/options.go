package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skypro1111/vadc/internal/arena"
	"github.com/skypro1111/vadc/internal/audio"
	"github.com/skypro1111/vadc/internal/inference"
	"github.com/skypro1111/vadc/internal/stream"
	"github.com/skypro1111/vadc/internal/vad"
)

// Default detection settings
const (
	DefaultThreshold            = 0.5
	DefaultNegThresholdRelative = 0.15
	DefaultMinSilenceMs         = 200
	DefaultMinSpeechMs          = 250
	DefaultSpeechPadMs          = 30
	DefaultBatch                = 96
	DefaultSequenceCount        = 1536
	DefaultArenaSize            = 64 << 20

	// StdinBatch keeps a live stream at two chunks per refill
	StdinBatch = 2

	// chunksPerCycle is the minimum number of chunks read per refill. The
	// cycle is rounded up to a whole number of batches
	chunksPerCycle = 2
)

// Recorder receives run counters. *metrics.Metrics implements it
type Recorder interface {
	AddSamples(n int)
	AddChunks(n int)
	AddSegment(seconds float64)
	ObserveInference(d time.Duration)
	StreamTerminated(code string)
	RunFinished(code string)
}

type nopRecorder struct{}

func (nopRecorder) AddSamples(int)                 {}
func (nopRecorder) AddChunks(int)                  {}
func (nopRecorder) AddSegment(float64)             {}
func (nopRecorder) ObserveInference(time.Duration) {}
func (nopRecorder) StreamTerminated(string)        {}
func (nopRecorder) RunFinished(string)             {}

// Source selects where samples come from. With an empty Path, Reader is
// read directly. A Path is decoded through the transcoder unless RawPCM is
// set, in which case the file is read as s16le (or 16 kHz mono WAV)
type Source struct {
	Reader       io.Reader
	Path         string
	RawPCM       bool
	AudioSource  int
	StartSeconds float64
	Transcoder   string
	Stderr       io.Writer
}

func (src Source) open(ctx context.Context, a *arena.Arena, size int) (*stream.Stream, error) {
	switch {
	case src.Path == "":
		return stream.NewReader(a, src.Reader, size)
	case src.RawPCM:
		return stream.OpenFile(a, src.Path, size)
	default:
		return stream.OpenTranscode(ctx, a, stream.TranscodeOptions{
			Path:         src.Path,
			AudioSource:  src.AudioSource,
			StartSeconds: src.StartSeconds,
			Command:      src.Transcoder,
			Stderr:       src.Stderr,
		}, size)
	}
}

// Describe returns a short label of the source for logs
func (src Source) Describe() string {
	switch {
	case src.Path == "":
		return "stdin"
	case src.RawPCM:
		return "file:" + src.Path
	default:
		return "transcode:" + src.Path
	}
}

// Capture holds the optional side-channel sinks of a run. Audio receives
// every sample read; Speech and Noise receive each chunk's samples
// depending on whether its probability is above the threshold
type Capture struct {
	Audio  audio.SampleSink
	Speech audio.SampleSink
	Noise  audio.SampleSink
}

// Close closes every sink that is set
func (c Capture) Close() error {
	var errs []error
	for _, s := range []audio.SampleSink{c.Audio, c.Speech, c.Noise} {
		if s != nil {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CaptureOptions names the capture files and playback pipes to open
type CaptureOptions struct {
	SaveAudio  string
	SaveSpeech string
	SaveNoise  string
	PlaySpeech bool
	PlayNoise  bool
	Player     string
}

// OpenCapture opens the sinks described by opts. On failure every sink
// opened so far is closed
func OpenCapture(ctx context.Context, opts CaptureOptions) (Capture, error) {
	var c Capture
	var opened []audio.SampleSink

	openFile := func(path string) (audio.SampleSink, error) {
		if path == "" {
			return nil, nil
		}
		s, err := audio.OpenSink(path)
		if err == nil {
			opened = append(opened, s)
		}
		return s, err
	}
	openPlayer := func(enabled bool) (audio.SampleSink, error) {
		if !enabled {
			return nil, nil
		}
		s, err := audio.StartPlayback(ctx, opts.Player)
		if err == nil {
			opened = append(opened, s)
		}
		return s, err
	}
	abort := func(err error) (Capture, error) {
		for _, s := range opened {
			s.Close()
		}
		return Capture{}, err
	}

	var err error
	if c.Audio, err = openFile(opts.SaveAudio); err != nil {
		return abort(err)
	}

	speechFile, err := openFile(opts.SaveSpeech)
	if err != nil {
		return abort(err)
	}
	speechPlayer, err := openPlayer(opts.PlaySpeech)
	if err != nil {
		return abort(fmt.Errorf("failed to start speech playback: %w", err))
	}
	c.Speech = audio.Tee(speechFile, speechPlayer)

	noiseFile, err := openFile(opts.SaveNoise)
	if err != nil {
		return abort(err)
	}
	noisePlayer, err := openPlayer(opts.PlayNoise)
	if err != nil {
		return abort(fmt.Errorf("failed to start noise playback: %w", err))
	}
	c.Noise = audio.Tee(noiseFile, noisePlayer)

	return c, nil
}

// Options configures a detection run
type Options struct {
	Threshold            float32
	NegThresholdRelative float32 // the close threshold is Threshold - NegThresholdRelative
	MinSilenceMs         float32
	MinSpeechMs          float32
	SpeechPadMs          float32
	Batch                int // preferred batch for backends that accept any
	SequenceCount        int // desired window in samples, clamped to the backend bounds
	ArenaSize            int

	// Backend, if set, is used instead of opening BackendName. Run does not
	// close an injected backend
	Backend     inference.Backend
	BackendName string
	ModelPath   string

	Source           Source
	Output           io.Writer
	Format           vad.OutputFormat
	RawProbabilities bool
	Stats            bool      // report statistics after every emitted segment and at the end
	Report           io.Writer // receives the statistics lines
	Verbose          bool

	Capture Capture
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// DefaultOptions returns options with the stock detection settings
func DefaultOptions() Options {
	return Options{
		Threshold:            DefaultThreshold,
		NegThresholdRelative: DefaultNegThresholdRelative,
		MinSilenceMs:         DefaultMinSilenceMs,
		MinSpeechMs:          DefaultMinSpeechMs,
		SpeechPadMs:          DefaultSpeechPadMs,
		Batch:                DefaultBatch,
		SequenceCount:        DefaultSequenceCount,
		ArenaSize:            DefaultArenaSize,
	}
}

// NegThreshold is the probability below which a triggered run counts silence
func (o *Options) NegThreshold() float32 {
	return o.Threshold - o.NegThresholdRelative
}

// Validate checks the options that do not depend on the backend
func (o *Options) Validate() error {
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", o.Threshold)
	}
	if o.NegThresholdRelative <= 0 {
		return fmt.Errorf("neg threshold relative must be positive, got %f", o.NegThresholdRelative)
	}
	if o.MinSilenceMs < 0 {
		return fmt.Errorf("min silence must not be negative, got %f", o.MinSilenceMs)
	}
	if o.MinSpeechMs < 0 {
		return fmt.Errorf("min speech must not be negative, got %f", o.MinSpeechMs)
	}
	if o.SpeechPadMs < 0 {
		return fmt.Errorf("speech pad must not be negative, got %f", o.SpeechPadMs)
	}
	if o.Batch < 1 {
		return fmt.Errorf("batch must be at least 1, got %d", o.Batch)
	}
	if o.SequenceCount < 1 {
		return fmt.Errorf("sequence count must be at least 1, got %d", o.SequenceCount)
	}
	if o.ArenaSize <= 0 {
		return fmt.Errorf("arena size must be positive, got %d", o.ArenaSize)
	}
	if o.Output == nil {
		return fmt.Errorf("output writer is required")
	}
	if o.Source.Path == "" && o.Source.Reader == nil {
		return fmt.Errorf("source needs a path or a reader")
	}
	if o.Source.StartSeconds < 0 {
		return fmt.Errorf("start seconds must not be negative, got %f", o.Source.StartSeconds)
	}
	if o.Source.AudioSource < 0 {
		return fmt.Errorf("audio source must not be negative, got %d", o.Source.AudioSource)
	}
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/vadc/internal/arena"
	"github.com/skypro1111/vadc/internal/audio"
	"github.com/skypro1111/vadc/internal/inference"
	"github.com/skypro1111/vadc/internal/stream"
	"github.com/skypro1111/vadc/internal/vad"
)

// Summary describes a run, in progress or finished
type Summary struct {
	RunID         string           `json:"run_id"`
	Source        string           `json:"source"`
	Backend       string           `json:"backend"`
	Variant       string           `json:"variant"`
	Layout        inference.Layout `json:"layout"`
	Running       bool             `json:"running"`
	Termination   string           `json:"termination,omitempty"`
	Chunks        int              `json:"chunks"`
	Segments      int              `json:"segments"`
	Calls         int              `json:"inference_calls"`
	TotalSamples  int64            `json:"total_samples"`
	TotalDuration float64          `json:"total_duration_seconds"`
	TotalSpeech   float64          `json:"total_speech_seconds"`
	SpeechPercent float64          `json:"speech_percent"`
	Speed         float64          `json:"speed"`
	Started       time.Time        `json:"started"`
}

// Runner executes one detection run and publishes its progress
type Runner struct {
	opts   Options
	runID  string
	logger *slog.Logger
	rec    Recorder

	mu      sync.RWMutex
	summary Summary

	capture Capture
}

// New prepares a run. Nothing is opened until Run is called
func New(opts Options) *Runner {
	runID := uuid.NewString()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	return &Runner{
		opts:    opts,
		runID:   runID,
		logger:  logger.With(slog.String("run_id", runID)),
		rec:     rec,
		capture: opts.Capture,
		summary: Summary{RunID: runID, Source: opts.Source.Describe()},
	}
}

// Run is shorthand for New(opts).Run(ctx)
func Run(ctx context.Context, opts Options) (Summary, error) {
	return New(opts).Run(ctx)
}

// RunID returns the identifier attached to every log line of the run
func (r *Runner) RunID() string {
	return r.runID
}

// Summary returns a snapshot of the run. It is safe to call from any goroutine
func (r *Runner) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}

// Run reads the source to its end, writing one line per speech segment to
// the output. The returned error, if any, is an *Error
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	r.summary.Running = true
	r.mu.Unlock()

	err := r.run(ctx)
	code := CodeOf(err)
	r.rec.RunFinished(code.String())

	r.mu.Lock()
	r.summary.Running = false
	summary := r.summary
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Detection run failed",
			slog.String("code", code.String()),
			slog.String("error", err.Error()),
		)
	}
	return summary, err
}

// session is the state of one run between setup and the final flush
type session struct {
	layout   inference.Layout
	asm      *inference.Assembler
	src      *stream.Stream
	samples  []int16
	floats   []float32
	probs    []float32
	params   vad.Params
	state    vad.FeedState
	emitter  *vad.Emitter
	stats    *vad.Stats
	chunk    int
	segments int
}

// cycleSamples is the number of samples read per refill: at least
// chunksPerCycle chunks, rounded up to whole batches
func cycleSamples(l inference.Layout) int {
	chunks := (chunksPerCycle + l.Batch - 1) / l.Batch * l.Batch
	return chunks * l.Window
}

func (r *Runner) run(ctx context.Context) error {
	opts := &r.opts
	if err := opts.Validate(); err != nil {
		return &Error{Code: CodeInvalidOptions, Err: err}
	}

	a, err := arena.New(opts.ArenaSize)
	if err != nil {
		return fail(CodeOutOfMemory, "failed to create arena: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = inference.Open(opts.BackendName, opts.ModelPath)
		if err != nil {
			return &Error{Code: CodeBackend, Err: err}
		}
		defer backend.Close()
	}

	meta := backend.Metadata()
	layout, err := inference.ResolveLayout(meta, opts.SequenceCount, opts.Batch)
	if err != nil {
		return fail(CodeBackend, "failed to resolve tensor layout: %w", err)
	}
	if layout.Window != opts.SequenceCount {
		r.logger.Info("Sequence count clamped to backend bounds",
			slog.Int("requested", opts.SequenceCount),
			slog.Int("window", layout.Window),
		)
	}

	buffers, err := inference.NewBuffers(a, layout)
	if err != nil {
		return &Error{Code: CodeOutOfMemory, Err: err}
	}

	asm, err := inference.NewAssembler(backend, layout, buffers)
	if err != nil {
		return &Error{Code: CodeBackend, Err: err}
	}

	chunkMs := float64(layout.Window) / audio.SampleRate * 1000.0
	params := vad.Params{
		Threshold:        opts.Threshold,
		NegThreshold:     opts.NegThreshold(),
		MinSilenceChunks: vad.ChunksFromMillis(float64(opts.MinSilenceMs), chunkMs),
		MinSpeechChunks:  vad.ChunksFromMillis(float64(opts.MinSpeechMs), chunkMs),
	}
	if err := params.Validate(); err != nil {
		return &Error{Code: CodeInvalidOptions, Err: err}
	}

	cycle := cycleSamples(layout)
	samples, _, err := arena.PushSlice[int16](a, cycle)
	if err != nil {
		return fail(CodeOutOfMemory, "failed to allocate sample buffer: %w", err)
	}
	floats, _, err := arena.PushSlice[float32](a, cycle)
	if err != nil {
		return fail(CodeOutOfMemory, "failed to allocate normalized sample buffer: %w", err)
	}
	probs, _, err := arena.PushSlice[float32](a, asm.ProbabilityCapacity(cycle))
	if err != nil {
		return fail(CodeOutOfMemory, "failed to allocate probability buffer: %w", err)
	}

	src, err := opts.Source.open(ctx, a, cycle*audio.BytesPerSample)
	defer func() {
		if cerr := src.Close(); cerr != nil {
			r.logger.Warn("Failed to close source", slog.String("error", cerr.Error()))
		}
	}()
	if err != nil {
		if src.Err() == stream.Memory {
			return fail(CodeOutOfMemory, "failed to allocate stream buffer: %w", err)
		}
		return fail(CodeSourceOpen, "failed to open %s: %w", opts.Source.Describe(), err)
	}

	stats := vad.NewStats(audio.SampleRate, opts.Now)
	secondsPerChunk := float32(layout.Window) / float32(audio.SampleRate)

	s := &session{
		layout:  layout,
		asm:     asm,
		src:     src,
		samples: samples,
		floats:  floats,
		probs:   probs,
		params:  params,
		stats:   stats,
		emitter: vad.NewEmitter(opts.Output, opts.Format, secondsPerChunk, opts.SpeechPadMs, stats),
	}
	s.emitter.OnEmit = func(seg vad.Segment) {
		s.segments++
		r.rec.AddSegment(seg.Duration())
		r.logger.Debug("Segment emitted",
			slog.Float64("start", float64(seg.Start)),
			slog.Float64("end", float64(seg.End)),
		)
		if opts.Stats {
			r.report(stats)
		}
	}

	r.mu.Lock()
	r.summary.Backend = meta.Name
	r.summary.Variant = asm.Variant()
	r.summary.Layout = layout
	r.summary.Started = stats.Started
	r.mu.Unlock()

	r.logger.Info("Detection started",
		slog.String("source", opts.Source.Describe()),
		slog.String("backend", meta.Name),
		slog.String("variant", asm.Variant()),
		slog.Int("window", layout.Window),
		slog.Int("batch", layout.Batch),
		slog.Int("cycle_samples", cycle),
		slog.Int("min_silence_chunks", params.MinSilenceChunks),
		slog.Int("min_speech_chunks", params.MinSpeechChunks),
		slog.Float64("threshold", float64(params.Threshold)),
		slog.Float64("neg_threshold", float64(params.NegThreshold)),
	)

	termination, err := r.loop(ctx, s)
	if err != nil {
		return err
	}

	if !opts.RawProbabilities {
		if err := s.emitter.Add(s.state.Finish(params, s.chunk-1)); err != nil {
			return &Error{Code: CodeOutput, Err: err}
		}
		if err := s.emitter.Flush(); err != nil {
			return &Error{Code: CodeOutput, Err: err}
		}
	}

	r.publish(s, termination)
	if opts.Stats {
		r.report(stats)
	}

	r.logger.Info("Detection complete",
		slog.String("termination", termination),
		slog.Int("chunks", s.chunk),
		slog.Int("segments", s.segments),
		slog.Float64("total_duration", stats.TotalDuration),
		slog.Float64("total_speech", stats.TotalSpeech),
		slog.Float64("speed", stats.Speed()),
	)
	return nil
}

// loop runs refill, inference and segmentation until the stream ends or
// ctx is cancelled, and returns what stopped it
func (r *Runner) loop(ctx context.Context, s *session) (string, error) {
	opts := &r.opts
	window := s.layout.Window

	for {
		if ctx.Err() != nil {
			r.logger.Info("Detection cancelled", slog.Int("chunks", s.chunk))
			return "cancelled", nil
		}

		if code := s.src.Refill(); code != stream.NoError {
			r.rec.StreamTerminated(code.String())
			if code == stream.Error {
				r.logger.Warn("Stream read failed, finishing", slog.String("code", code.String()))
			} else {
				r.logger.Debug("Stream ended", slog.String("code", code.String()))
			}
			return code.String(), nil
		}

		n := audio.DecodeS16LE(s.samples, s.src.Window())
		s.src.Consume()

		s.stats.AddSamples(n)
		r.rec.AddSamples(n)
		r.write("audio", &r.capture.Audio, s.samples[:n])

		audio.Normalize(s.floats, s.samples[:n])

		started := time.Now()
		count, err := s.asm.Process(ctx, s.floats, n, s.probs)
		r.rec.ObserveInference(time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Detection cancelled", slog.Int("chunks", s.chunk))
				return "cancelled", nil
			}
			return "", &Error{Code: CodeBackend, Err: err}
		}
		r.rec.AddChunks(count)

		if opts.RawProbabilities {
			for i := 0; i < count; i++ {
				if _, err := fmt.Fprintf(opts.Output, "%f\n", s.probs[i]); err != nil {
					return "", fail(CodeOutput, "failed to write probability: %w", err)
				}
				s.chunk++
			}
			if opts.Verbose && count > 0 {
				r.logger.Debug("Probabilities written",
					slog.Int("count", count),
					slog.Float64("total_duration", s.stats.TotalDuration),
				)
			}
			r.publish(s, "")
			continue
		}

		for i := 0; i < count; i++ {
			p := s.probs[i]

			from := i * window
			to := min(from+window, n)
			if p > opts.Threshold {
				r.write("speech", &r.capture.Speech, s.samples[from:to])
			} else {
				r.write("noise", &r.capture.Noise, s.samples[from:to])
			}

			result := s.state.Feed(s.params, p, s.chunk)
			if result.Valid {
				start := float64(result.SpeechStart) * float64(window) / audio.SampleRate
				end := float64(result.SpeechEnd) * float64(window) / audio.SampleRate
				r.logger.Info("Speech detected",
					slog.Float64("start", start),
					slog.Float64("end", end),
					slog.Float64("duration", end-start),
					slog.Float64("probability", float64(p)),
				)
				if err := s.emitter.Add(result); err != nil {
					return "", &Error{Code: CodeOutput, Err: err}
				}
			}

			if opts.Verbose && s.chunk%10 == 0 {
				if p > opts.Threshold {
					r.logger.Debug("Speaking", slog.Int("chunk", s.chunk), slog.Float64("probability", float64(p)))
				} else if s.state.Triggered {
					r.logger.Debug("Still speaking", slog.Int("chunk", s.chunk), slog.Float64("probability", float64(p)))
				}
			}

			s.chunk++
		}

		r.publish(s, "")
	}
}

// write forwards samples to a capture sink. A sink that fails is dropped
// for the rest of the run; detection carries on
func (r *Runner) write(name string, sink *audio.SampleSink, samples []int16) {
	if *sink == nil || len(samples) == 0 {
		return
	}
	if err := (*sink).WriteSamples(samples); err != nil {
		r.logger.Warn("Capture sink failed, disabling it",
			slog.String("sink", name),
			slog.String("error", err.Error()),
		)
		*sink = nil
	}
}

func (r *Runner) report(stats *vad.Stats) {
	if r.opts.Report == nil {
		return
	}
	if _, err := io.WriteString(r.opts.Report, stats.String()+"\n"); err != nil {
		r.logger.Warn("Failed to write statistics", slog.String("error", err.Error()))
	}
}

func (r *Runner) publish(s *session, termination string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Chunks = s.chunk
	r.summary.Segments = s.segments
	r.summary.Calls = s.asm.Calls()
	r.summary.TotalSamples = s.stats.TotalSamples
	r.summary.TotalDuration = s.stats.TotalDuration
	r.summary.TotalSpeech = s.stats.TotalSpeech
	r.summary.SpeechPercent = s.stats.SpeechPercent()
	r.summary.Speed = s.stats.Speed()
	if termination != "" {
		r.summary.Termination = termination
	}
}

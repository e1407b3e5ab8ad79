package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/vadc/internal/config"
	"github.com/skypro1111/vadc/internal/inference"
	"github.com/skypro1111/vadc/internal/metrics"
	"github.com/skypro1111/vadc/internal/pipeline"
	"github.com/skypro1111/vadc/internal/server"
	"github.com/skypro1111/vadc/internal/vad"
)

// override copies one flag-controlled setting from the flag values into the
// effective configuration
type override func(dst, src *config.Config)

// overrides maps each flag to the setting it controls. Only flags set on the
// command line are applied, so the config file keeps everything else
var overrides = map[string]override{
	"threshold":              func(d, s *config.Config) { d.VAD.Threshold = s.VAD.Threshold },
	"neg_threshold_relative": func(d, s *config.Config) { d.VAD.NegThresholdRelative = s.VAD.NegThresholdRelative },
	"min_silence":            func(d, s *config.Config) { d.VAD.MinSilenceMs = s.VAD.MinSilenceMs },
	"min_speech":             func(d, s *config.Config) { d.VAD.MinSpeechMs = s.VAD.MinSpeechMs },
	"speech_pad":             func(d, s *config.Config) { d.VAD.SpeechPadMs = s.VAD.SpeechPadMs },
	"batch":                  func(d, s *config.Config) { d.VAD.Batch = s.VAD.Batch },
	"sequence_count":         func(d, s *config.Config) { d.VAD.SequenceCount = s.VAD.SequenceCount },
	"arena_size":             func(d, s *config.Config) { d.VAD.ArenaSize = s.VAD.ArenaSize },
	"model":                  func(d, s *config.Config) { d.Model.Path = s.Model.Path },
	"backend":                func(d, s *config.Config) { d.Model.Backend = s.Model.Backend },
	"stdin":                  func(d, s *config.Config) { d.Input.Stdin = s.Input.Stdin },
	"raw_pcm":                func(d, s *config.Config) { d.Input.RawPCM = s.Input.RawPCM },
	"audio_source":           func(d, s *config.Config) { d.Input.AudioSource = s.Input.AudioSource },
	"start_seconds":          func(d, s *config.Config) { d.Input.StartSeconds = s.Input.StartSeconds },
	"transcoder":             func(d, s *config.Config) { d.Input.Transcoder = s.Input.Transcoder },
	"raw_probabilities":      func(d, s *config.Config) { d.Output.RawProbabilities = s.Output.RawProbabilities },
	"output_centi_seconds":   func(d, s *config.Config) { d.Output.Centiseconds = s.Output.Centiseconds },
	"stats":                  func(d, s *config.Config) { d.Output.Stats = s.Output.Stats },
	"save_audio":             func(d, s *config.Config) { d.Capture.SaveAudio = s.Capture.SaveAudio },
	"save_speech_audio":      func(d, s *config.Config) { d.Capture.SaveSpeechAudio = s.Capture.SaveSpeechAudio },
	"save_noise_audio":       func(d, s *config.Config) { d.Capture.SaveNoiseAudio = s.Capture.SaveNoiseAudio },
	"play_speech":            func(d, s *config.Config) { d.Capture.PlaySpeech = s.Capture.PlaySpeech },
	"play_noise":             func(d, s *config.Config) { d.Capture.PlayNoise = s.Capture.PlayNoise },
	"player":                 func(d, s *config.Config) { d.Capture.Player = s.Capture.Player },
	"log_level":              func(d, s *config.Config) { d.Logging.Level = s.Logging.Level },
	"log_format":             func(d, s *config.Config) { d.Logging.Format = s.Logging.Format },
	"save_log":               func(d, s *config.Config) { d.Logging.SaveLog = s.Logging.SaveLog },
	"verbose":                func(d, s *config.Config) { d.Logging.Verbose = s.Logging.Verbose },
	"metrics_address":        func(d, s *config.Config) { d.Metrics.Address = s.Metrics.Address },
}

func newRootCommand() *cobra.Command {
	flags := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:   "vadc [file]",
		Short: "Detect speech segments in an audio stream",
		Long: `vadc reads 16 kHz mono audio, runs a voice activity model over it and
writes one "start,end" line per detected speech segment to stdout.

Without a file (or with --stdin) raw s16le samples are read from stdin.
A file is decoded through ffmpeg unless --raw_pcm is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath, flags, args)
			if err != nil {
				return &pipeline.Error{Code: pipeline.CodeInvalidOptions, Err: err}
			}

			// Flags are fine from here on, failures are logged by the run
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			return runDetector(cmd.Context(), cfg)
		},
	}

	bindFlags(cmd, flags, &configPath)
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindFlags registers the detector flags on cmd, storing their values in
// flags and the config file path in configPath
func bindFlags(cmd *cobra.Command, flags *config.Config, configPath *string) {
	fs := cmd.Flags()
	fs.StringVar(configPath, "config", "", "Path to configuration file")

	fs.Float32Var(&flags.VAD.Threshold, "threshold", flags.VAD.Threshold, "Speech probability threshold")
	fs.Float32Var(&flags.VAD.NegThresholdRelative, "neg_threshold_relative", flags.VAD.NegThresholdRelative, "Close threshold is threshold minus this value")
	fs.Float32Var(&flags.VAD.MinSilenceMs, "min_silence", flags.VAD.MinSilenceMs, "Silence in ms that closes a segment")
	fs.Float32Var(&flags.VAD.MinSpeechMs, "min_speech", flags.VAD.MinSpeechMs, "Shortest segment in ms that is kept")
	fs.Float32Var(&flags.VAD.SpeechPadMs, "speech_pad", flags.VAD.SpeechPadMs, "Padding in ms added on both sides of a segment")
	fs.IntVar(&flags.VAD.Batch, "batch", flags.VAD.Batch, "Preferred inference batch for models without a fixed one (0: 2 for stdin, 96 otherwise)")
	fs.IntVar(&flags.VAD.SequenceCount, "sequence_count", flags.VAD.SequenceCount, "Samples per chunk, clamped to what the model accepts")
	fs.IntVar(&flags.VAD.ArenaSize, "arena_size", flags.VAD.ArenaSize, "Working memory in bytes")

	fs.StringVar(&flags.Model.Path, "model", flags.Model.Path, "Path to the model file")
	fs.StringVar(&flags.Model.Backend, "backend", flags.Model.Backend, fmt.Sprintf("Inference backend %v", inference.Backends()))

	fs.BoolVar(&flags.Input.Stdin, "stdin", flags.Input.Stdin, "Read s16le samples from stdin")
	fs.BoolVar(&flags.Input.RawPCM, "raw_pcm", flags.Input.RawPCM, "Read the file as s16le or 16 kHz WAV without decoding")
	fs.IntVar(&flags.Input.AudioSource, "audio_source", flags.Input.AudioSource, "Audio stream index to decode")
	fs.Float64Var(&flags.Input.StartSeconds, "start_seconds", flags.Input.StartSeconds, "Seek offset in seconds before decoding")
	fs.StringVar(&flags.Input.Transcoder, "transcoder", flags.Input.Transcoder, "Decoder executable")

	fs.BoolVar(&flags.Output.RawProbabilities, "raw_probabilities", flags.Output.RawProbabilities, "Print every chunk probability instead of segments")
	fs.BoolVar(&flags.Output.Centiseconds, "output_centi_seconds", flags.Output.Centiseconds, "Print segment times as integer centiseconds")
	fs.BoolVar(&flags.Output.Stats, "stats", flags.Output.Stats, "Print statistics after every segment")

	fs.StringVar(&flags.Capture.SaveAudio, "save_audio", flags.Capture.SaveAudio, "Save all input audio to this file")
	fs.StringVar(&flags.Capture.SaveSpeechAudio, "save_speech_audio", flags.Capture.SaveSpeechAudio, "Save speech chunks to this file")
	fs.StringVar(&flags.Capture.SaveNoiseAudio, "save_noise_audio", flags.Capture.SaveNoiseAudio, "Save non-speech chunks to this file")
	fs.BoolVar(&flags.Capture.PlaySpeech, "play_speech", flags.Capture.PlaySpeech, "Play speech chunks")
	fs.BoolVar(&flags.Capture.PlayNoise, "play_noise", flags.Capture.PlayNoise, "Play non-speech chunks")
	fs.StringVar(&flags.Capture.Player, "player", flags.Capture.Player, "Playback executable")

	fs.StringVar(&flags.Logging.Level, "log_level", flags.Logging.Level, "Log level [debug, info, warn, error]")
	fs.StringVar(&flags.Logging.Format, "log_format", flags.Logging.Format, "Log format [text, json]")
	fs.StringVar(&flags.Logging.SaveLog, "save_log", flags.Logging.SaveLog, "Also write logs to this file")
	fs.BoolVar(&flags.Logging.Verbose, "verbose", flags.Logging.Verbose, "Log segments and progress")

	fs.StringVar(&flags.Metrics.Address, "metrics_address", flags.Metrics.Address, "Serve status and metrics on host:port while running")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
		},
	}
}

// resolveConfig layers the config file, the flags set on the command line
// and the positional file argument over the defaults
func resolveConfig(cmd *cobra.Command, configPath string, flags *config.Config, args []string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply(cfg, flags)
		}
	}

	if len(args) == 1 {
		cfg.Input.Path = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// detectorOptions translates the configuration into run options
func detectorOptions(cfg *config.Config) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Threshold = cfg.VAD.Threshold
	opts.NegThresholdRelative = cfg.VAD.NegThresholdRelative
	opts.MinSilenceMs = cfg.VAD.MinSilenceMs
	opts.MinSpeechMs = cfg.VAD.MinSpeechMs
	opts.SpeechPadMs = cfg.VAD.SpeechPadMs
	opts.SequenceCount = cfg.VAD.SequenceCount
	opts.ArenaSize = cfg.VAD.ArenaSize

	opts.BackendName = cfg.Model.Backend
	opts.ModelPath = cfg.Model.Path

	opts.Source = pipeline.Source{
		Path:         cfg.Input.Path,
		RawPCM:       cfg.Input.RawPCM,
		AudioSource:  cfg.Input.AudioSource,
		StartSeconds: cfg.Input.StartSeconds,
		Transcoder:   cfg.Input.Transcoder,
	}
	if cfg.Input.Path == "" {
		opts.Source.Reader = os.Stdin
	}

	// Each refill holds a whole number of batches, so a large batch delays
	// the first segment on a live stream
	switch {
	case cfg.VAD.Batch > 0:
		opts.Batch = cfg.VAD.Batch
	case cfg.Input.Path == "":
		opts.Batch = pipeline.StdinBatch
	default:
		opts.Batch = pipeline.DefaultBatch
	}

	if !cfg.Logging.Verbose {
		opts.Source.Stderr = io.Discard
	}

	opts.Output = os.Stdout
	if cfg.Output.Centiseconds {
		opts.Format = vad.FormatCentiseconds
	}
	opts.RawProbabilities = cfg.Output.RawProbabilities
	opts.Stats = cfg.Output.Stats
	opts.Report = os.Stderr
	opts.Verbose = cfg.Logging.Verbose

	return opts
}

func runDetector(parent context.Context, cfg *config.Config) error {
	logger, closeLog, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return &pipeline.Error{Code: pipeline.CodeOutput, Err: err}
	}
	defer closeLog()

	logger.Info("Detector starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)
	logger.Debug("Configuration loaded",
		slog.Float64("threshold", float64(cfg.VAD.Threshold)),
		slog.Float64("neg_threshold", float64(cfg.VAD.NegThreshold())),
		slog.Duration("min_silence", cfg.VAD.GetMinSilenceDuration()),
		slog.Duration("min_speech", cfg.VAD.GetMinSpeechDuration()),
		slog.Duration("speech_pad", cfg.VAD.GetSpeechPadDuration()),
		slog.Int("batch", cfg.VAD.Batch),
		slog.Int("sequence_count", cfg.VAD.SequenceCount),
		slog.String("backend", cfg.Model.Backend),
		slog.String("model", cfg.Model.Path),
	)

	// Interrupts end the run cleanly: segments found so far are still written
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	capture, err := pipeline.OpenCapture(ctx, pipeline.CaptureOptions{
		SaveAudio:  cfg.Capture.SaveAudio,
		SaveSpeech: cfg.Capture.SaveSpeechAudio,
		SaveNoise:  cfg.Capture.SaveNoiseAudio,
		PlaySpeech: cfg.Capture.PlaySpeech,
		PlayNoise:  cfg.Capture.PlayNoise,
		Player:     cfg.Capture.Player,
	})
	if err != nil {
		logger.Error("Failed to open capture", slog.String("error", err.Error()))
		return &pipeline.Error{Code: pipeline.CodeOutput, Err: err}
	}
	defer func() {
		if err := capture.Close(); err != nil {
			logger.Warn("Failed to close capture", slog.String("error", err.Error()))
		}
	}()

	appMetrics := metrics.NewMetrics()

	opts := detectorOptions(cfg)
	opts.Capture = capture
	opts.Logger = logger
	opts.Metrics = appMetrics

	runner := pipeline.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	if cfg.Metrics.Enabled() {
		httpServer := server.NewHTTPServer(cfg.Metrics.Address, logger, cfg, runner, appMetrics, serviceVersion)
		g.Go(func() error {
			if err := httpServer.Run(runCtx); err != nil {
				logger.Error("HTTP API server failed", slog.String("error", err.Error()))
				return &pipeline.Error{Code: pipeline.CodeInvalidOptions, Err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		// The status server lives as long as the run
		defer finish()
		_, err := runner.Run(runCtx)
		return err
	})

	return g.Wait()
}

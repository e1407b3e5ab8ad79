package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete detector configuration
type Config struct {
	VAD     VADConfig     `yaml:"vad" json:"vad"`
	Model   ModelConfig   `yaml:"model" json:"model"`
	Input   InputConfig   `yaml:"input" json:"input"`
	Output  OutputConfig  `yaml:"output" json:"output"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// VADConfig contains the segmentation and batching parameters
type VADConfig struct {
	Threshold            float32 `yaml:"threshold" json:"threshold"`
	NegThresholdRelative float32 `yaml:"neg_threshold_relative" json:"neg_threshold_relative"`
	MinSilenceMs         float32 `yaml:"min_silence_ms" json:"min_silence_ms"`
	MinSpeechMs          float32 `yaml:"min_speech_ms" json:"min_speech_ms"`
	SpeechPadMs          float32 `yaml:"speech_pad_ms" json:"speech_pad_ms"`
	Batch                int     `yaml:"batch" json:"batch"`                   // preferred batch for backends without a fixed one, 0 picks by input
	SequenceCount        int     `yaml:"sequence_count" json:"sequence_count"` // samples per chunk, clamped to the model
	ArenaSize            int     `yaml:"arena_size" json:"arena_size"`         // bytes
}

// ModelConfig selects the inference backend
type ModelConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// InputConfig selects the audio source
type InputConfig struct {
	Path         string  `yaml:"path" json:"path"`
	Stdin        bool    `yaml:"stdin" json:"stdin"`
	RawPCM       bool    `yaml:"raw_pcm" json:"raw_pcm"`
	AudioSource  int     `yaml:"audio_source" json:"audio_source"`
	StartSeconds float64 `yaml:"start_seconds" json:"start_seconds"`
	Transcoder   string  `yaml:"transcoder" json:"transcoder"`
}

// OutputConfig controls what is written to stdout
type OutputConfig struct {
	RawProbabilities bool `yaml:"raw_probabilities" json:"raw_probabilities"`
	Centiseconds     bool `yaml:"centiseconds" json:"centiseconds"`
	Stats            bool `yaml:"stats" json:"stats"`
}

// CaptureConfig contains the side-channel capture and playback targets
type CaptureConfig struct {
	SaveAudio       string `yaml:"save_audio" json:"save_audio"`
	SaveSpeechAudio string `yaml:"save_speech_audio" json:"save_speech_audio"`
	SaveNoiseAudio  string `yaml:"save_noise_audio" json:"save_noise_audio"`
	PlaySpeech      bool   `yaml:"play_speech" json:"play_speech"`
	PlayNoise       bool   `yaml:"play_noise" json:"play_noise"`
	Player          string `yaml:"player" json:"player"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	Format  string `yaml:"format" json:"format"`
	Output  string `yaml:"output" json:"output"`
	SaveLog string `yaml:"save_log" json:"save_log"` // additional log file
	Verbose bool   `yaml:"verbose" json:"verbose"`
}

// MetricsConfig contains the optional HTTP status server configuration
type MetricsConfig struct {
	Address string `yaml:"address" json:"address"` // empty disables the server
}

// Default returns the stock configuration
func Default() *Config {
	return &Config{
		VAD: VADConfig{
			Threshold:            0.5,
			NegThresholdRelative: 0.15,
			MinSilenceMs:         200,
			MinSpeechMs:          250,
			SpeechPadMs:          30,
			Batch:                0,
			SequenceCount:        1536,
			ArenaSize:            64 << 20,
		},
		Input: InputConfig{
			Transcoder: "ffmpeg",
		},
		Capture: CaptureConfig{
			Player: "aplay",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}

	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.NegThresholdRelative <= 0 {
		return fmt.Errorf("neg_threshold_relative must be positive, got %f", v.NegThresholdRelative)
	}

	if v.MinSilenceMs < 0 {
		return fmt.Errorf("min_silence_ms cannot be negative, got %f", v.MinSilenceMs)
	}

	if v.MinSpeechMs < 0 {
		return fmt.Errorf("min_speech_ms cannot be negative, got %f", v.MinSpeechMs)
	}

	if v.SpeechPadMs < 0 {
		return fmt.Errorf("speech_pad_ms cannot be negative, got %f", v.SpeechPadMs)
	}

	if v.Batch < 0 {
		return fmt.Errorf("batch cannot be negative, got %d", v.Batch)
	}

	if v.SequenceCount < 1 {
		return fmt.Errorf("sequence_count must be at least 1, got %d", v.SequenceCount)
	}

	if v.ArenaSize < 1<<20 {
		return fmt.Errorf("arena_size must be at least 1 MiB, got %d", v.ArenaSize)
	}

	return nil
}

// Validate validates model configuration
func (m *ModelConfig) Validate() error {
	if m.Backend == "onnx" && m.Path == "" {
		return fmt.Errorf("path is required for the onnx backend")
	}

	return nil
}

// Validate validates input configuration
func (i *InputConfig) Validate() error {
	if i.Stdin && i.Path != "" {
		return fmt.Errorf("stdin and path are mutually exclusive")
	}

	if i.RawPCM && i.Path == "" {
		return fmt.Errorf("raw_pcm needs a path")
	}

	if i.AudioSource < 0 {
		return fmt.Errorf("audio_source cannot be negative, got %d", i.AudioSource)
	}

	if i.StartSeconds < 0 {
		return fmt.Errorf("start_seconds cannot be negative, got %f", i.StartSeconds)
	}

	if i.Path != "" && !i.RawPCM && i.Transcoder == "" {
		return fmt.Errorf("transcoder cannot be empty when decoding a file")
	}

	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	if o.RawProbabilities && o.Centiseconds {
		return fmt.Errorf("raw_probabilities and centiseconds are mutually exclusive")
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if (c.PlaySpeech || c.PlayNoise) && c.Player == "" {
		return fmt.Errorf("player cannot be empty when playback is enabled")
	}

	paths := map[string]string{}
	for name, path := range map[string]string{
		"save_audio":        c.SaveAudio,
		"save_speech_audio": c.SaveSpeechAudio,
		"save_noise_audio":  c.SaveNoiseAudio,
	} {
		if path == "" {
			continue
		}
		if other, dup := paths[path]; dup {
			return fmt.Errorf("%s and %s point to the same file %s", other, name, path)
		}
		paths[path] = name
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout and stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Address == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		return fmt.Errorf("address must be host:port, got '%s': %w", m.Address, err)
	}

	return nil
}

// Enabled reports whether the status server should run
func (m *MetricsConfig) Enabled() bool {
	return m.Address != ""
}

// NegThreshold returns the absolute probability below which silence is counted
func (v *VADConfig) NegThreshold() float32 {
	return v.Threshold - v.NegThresholdRelative
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(float64(v.MinSilenceMs) * float64(time.Millisecond))
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(float64(v.MinSpeechMs) * float64(time.Millisecond))
}

// GetSpeechPadDuration returns the segment padding as a time.Duration
func (v *VADConfig) GetSpeechPadDuration() time.Duration {
	return time.Duration(float64(v.SpeechPadMs) * float64(time.Millisecond))
}

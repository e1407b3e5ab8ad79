package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/skypro1111/vadc/internal/config"
	"github.com/skypro1111/vadc/internal/pipeline"
)

const serviceName = "vadc"

// Set with -ldflags "-X main.serviceVersion=..."
var serviceVersion = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := pipeline.CodeInvalidOptions
		var runErr *pipeline.Error
		if errors.As(err, &runErr) {
			code = runErr.Code
		}
		os.Exit(code.ExitStatus())
	}
}

// initLogger creates and configures the structured logger based on configuration.
// The returned function closes any log files that were opened
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}
	if cfg.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Level == "debug", // Add source info for debug level
	}

	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	openLog := func(path string) (*os.File, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		files = append(files, f)
		return f, nil
	}

	// Determine output destination. Stdout carries the segments, so logs
	// only go there when asked to explicitly
	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		// Assume it's a file path
		f, err := openLog(cfg.Output)
		if err != nil {
			return nil, closeFiles, err
		}
		output = f
	}

	if cfg.SaveLog != "" {
		f, err := openLog(cfg.SaveLog)
		if err != nil {
			closeFiles()
			return nil, func() {}, err
		}
		output = io.MultiWriter(output, f)
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFiles, nil
}

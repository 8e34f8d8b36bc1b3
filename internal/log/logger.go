// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides structured logging for the engine built on log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// RunIDKey is the field key for run identifiers.
	RunIDKey = "run_id"
	// StepNameKey is the field key for step names.
	StepNameKey = "step_name"
	// JobKey is the field key for job names.
	JobKey = "job"
	// WorkerIDKey is the field key for worker identifiers.
	WorkerIDKey = "worker_id"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// EventKey is the field key for event types.
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - DURABLY_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - DURABLY_LOG_LEVEL: debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("DURABLY_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	// DURABLY_LOG_LEVEL takes precedence over LOG_LEVEL (but not DURABLY_DEBUG)
	if debug == "" {
		if level := os.Getenv("DURABLY_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the engine generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext returns a new logger with run context fields.
// This adds run_id and job name to all subsequent log entries.
func WithRunContext(logger *slog.Logger, runID, jobName string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(JobKey, jobName),
	)
}

// WithStepContext returns a new logger with step context fields.
func WithStepContext(logger *slog.Logger, runID, stepName string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepNameKey, stepName),
	)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value int64) slog.Attr {
	return slog.Int64(key+"_ms", value)
}

// Package logging configures structured slog output for qdrant-loader.
//
// Ingestion logs to stderr plus an optional workspace file. In stdio MCP
// mode stdout carries only JSON-RPC frames, so console output moves to
// stderr or is disabled entirely via MCP_DISABLE_CONSOLE_LOGGING.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// Console enables human-readable output on stderr (default: true).
	Console bool
}

// DefaultConfig returns defaults for ingestion runs in the given workspace.
func DefaultConfig(workspace string) Config {
	return Config{
		Level:     "info",
		FilePath:  filepath.Join(workspace, "logs", "qdrant-loader.log"),
		MaxSizeMB: 10,
		MaxFiles:  5,
		Console:   true,
	}
}

// ServeConfig returns configuration for the MCP server, honoring the
// MCP_LOG_LEVEL, MCP_LOG_FILE and MCP_DISABLE_CONSOLE_LOGGING environment
// variables.
func ServeConfig(workspace string) Config {
	cfg := DefaultConfig(workspace)
	if v := os.Getenv("MCP_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("MCP_LOG_FILE"); v != "" {
		cfg.FilePath = v
	}
	if v := os.Getenv("MCP_DISABLE_CONSOLE_LOGGING"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil && disabled {
			cfg.Console = false
		} else if strings.EqualFold(v, "true") {
			cfg.Console = false
		}
	}
	return cfg
}

// Setup initializes logging and returns the logger and a cleanup function
// that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var writers []io.Writer
	var file *RotatingWriter

	if cfg.FilePath != "" {
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		file = w
		writers = append(writers, w)
	}
	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 1:
		output = writers[0]
	case 2:
		output = io.MultiWriter(writers...)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)

	cleanup := func() {
		if file != nil {
			_ = file.Sync()
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

// SetupDefault configures logging and installs the logger as slog default.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

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

// LevelFromString converts a string level to slog.Level.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}

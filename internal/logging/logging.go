// Package logging sets up the daemon's slog logger: stderr plus a size-rotated
// file in the user's cache directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Format represents the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  slog.Level
	Format Format

	// Output is "stderr", "file" or "both".
	Output string

	FilePath   string
	MaxSize    int64 // megabytes
	MaxBackups int
}

// DefaultConfig returns the daemon's logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      slog.LevelInfo,
		Format:     FormatText,
		Output:     "both",
		FilePath:   DefaultLogPath(),
		MaxSize:    50,
		MaxBackups: 3,
	}
}

// DefaultLogPath returns $XDG_CACHE_HOME/stasis/stasis.log.
func DefaultLogPath() string {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		homeDir, _ := os.UserHomeDir()
		cacheHome = filepath.Join(homeDir, ".cache")
	}
	return filepath.Join(cacheHome, "stasis", "stasis.log")
}

// Logger wraps slog.Logger and owns the rotating file, if any.
type Logger struct {
	*slog.Logger
	rotator *FileRotator
}

// New creates a Logger. If the log file cannot be opened the logger falls
// back to stderr and the error is returned alongside it.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{}
	var writers []io.Writer
	var fileErr error

	output := strings.ToLower(cfg.Output)
	if output == "stderr" || output == "both" || output == "" {
		writers = append(writers, os.Stderr)
	}
	if output == "file" || output == "both" {
		rotator, err := NewFileRotator(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups)
		if err != nil {
			fileErr = fmt.Errorf("open log file: %w", err)
		} else {
			l.rotator = rotator
			writers = append(writers, rotator)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	w := io.MultiWriter(writers...)

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	l.Logger = slog.New(handler)
	return l, fileErr
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

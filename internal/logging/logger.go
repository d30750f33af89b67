package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"offload/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// Console receives human-facing output. Nil selects stdout; io.Discard
	// silences the console while keeping the file output.
	Console io.Writer
	// FilePath enables a rotating JSON log file when set.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// RunID tags every record with the daemon run identifier.
	RunID       string
	Development bool
}

// New constructs a slog logger using the provided options. The returned
// closer flushes and releases the rotating file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	addSource := opts.Development || level <= slog.LevelDebug

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var consoleHandler slog.Handler
	switch format {
	case "json":
		consoleHandler = newJSONHandler(console, levelVar, addSource)
	case "console":
		consoleHandler = newPrettyHandler(console, levelVar, addSource)
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	if console == io.Discard {
		consoleHandler = nil
	}

	var fileHandler slog.Handler
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		if err := ensureLogDir(path); err != nil {
			return nil, nil, fmt.Errorf("ensure log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		fileHandler = newJSONHandler(rotator, levelVar, addSource)
		closer = rotator
	}

	handler := newFanoutHandler(consoleHandler, fileHandler)
	if id := strings.TrimSpace(opts.RunID); id != "" {
		handler = newRunIDHandler(handler, id)
	}
	return slog.New(handler), closer, nil
}

// NewFromConfig creates a logger using application config defaults. The
// daemon passes withFile so records also land in the rotating log file.
func NewFromConfig(cfg *config.Config, runID string, withFile bool) (*slog.Logger, io.Closer, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console", RunID: runID})
	}
	opts := Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		RunID:  runID,
	}
	if withFile && cfg.Paths.LogDir != "" {
		opts.FilePath = cfg.LogPath()
		opts.MaxSizeMB = cfg.Logging.MaxSizeMB
		opts.MaxBackups = cfg.Logging.MaxBackups
		opts.MaxAgeDays = cfg.Logging.RetentionDays
	}
	return New(opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

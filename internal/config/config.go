package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains destination and state locations.
type Paths struct {
	DestinationRoot string `toml:"destination_root"`
	StateDir        string `toml:"state_dir"`
	LogDir          string `toml:"log_dir"`
	HistoryFile     string `toml:"history_file"`
}

// Ingest contains copy session defaults.
type Ingest struct {
	MediaMode  string `toml:"media_mode"`
	Continuous bool   `toml:"continuous"`
	Verify     bool   `toml:"verify"`
	AutoCopy   bool   `toml:"auto_copy"`
	DumpPrefix string `toml:"dump_prefix"`
	UseIndex   bool   `toml:"use_index"`
}

// Extensions lists the file extensions eligible for each media kind.
type Extensions struct {
	Photo []string `toml:"photo"`
	Video []string `toml:"video"`
}

// Monitor contains removable-volume polling settings.
type Monitor struct {
	PollIntervalSeconds     int      `toml:"poll_interval_seconds"`
	EjectSuppressionSeconds int      `toml:"eject_suppression_seconds"`
	EnumerateTimeoutSeconds int      `toml:"enumerate_timeout_seconds"`
	MountRoots              []string `toml:"mount_roots"`
	Netlink                 bool     `toml:"netlink"`
	WatchMounts             bool     `toml:"watch_mounts"`
	DetectExisting          bool     `toml:"detect_existing"`
}

// Pattern describes one camera folder layout.
type Pattern struct {
	Kind    string `toml:"kind"`
	Brand   string `toml:"brand"`
	Anchor  string `toml:"anchor"`
	Match   string `toml:"match"`
	Subpath string `toml:"subpath"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
}

// Notifications configures ntfy push messages. An empty topic disables them.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	CardDetected          bool   `toml:"card_detected"`
	SessionFinished       bool   `toml:"session_finished"`
}

// NotifyTimeout returns the ntfy request timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

// Config encapsulates all configuration values for Offload.
//
// Configuration sections by subsystem:
//   - Paths: destination root, state directory, logs, history ledger
//   - Ingest: media mode, continuous dumps, verification, auto-copy
//   - Extensions: photo and video extension sets
//   - Monitor: volume polling, eject suppression, wake sources
//   - Patterns: camera folder layouts consumed by the scanner
//   - Logging: log format, level, and rotation
//   - Notifications: optional ntfy push messages
type Config struct {
	Paths         Paths         `toml:"paths"`
	Ingest        Ingest        `toml:"ingest"`
	Extensions    Extensions    `toml:"extensions"`
	Monitor       Monitor       `toml:"monitor"`
	Patterns      []Pattern     `toml:"patterns"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Patterns from the file replace the built-in table rather than append to it.
		cfg.Patterns = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("offload.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// DestinationRoot is created on a best-effort basis so the daemon can run
// while external storage is offline.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, filepath.Dir(c.Paths.HistoryFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.DestinationRoot) != "" {
		_ = os.MkdirAll(c.Paths.DestinationRoot, 0o755)
	}
	return nil
}

// SocketPath returns the IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "offload.sock")
}

// LockPath returns the daemon single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "offloadd.lock")
}

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "offload.pid")
}

// IndexPath returns the continuous-mode dump index database location.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Paths.StateDir, "dumps.db")
}

// LogPath returns the rotating daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "offload.log")
}

// PollInterval returns the volume polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSeconds) * time.Second
}

// EjectSuppression returns the post-eject detach suppression window.
func (c *Config) EjectSuppression() time.Duration {
	return time.Duration(c.Monitor.EjectSuppressionSeconds) * time.Second
}

// EnumerateTimeout bounds a single volume enumeration call.
func (c *Config) EnumerateTimeout() time.Duration {
	return time.Duration(c.Monitor.EnumerateTimeoutSeconds) * time.Second
}

// AllowedExtensions returns the extension set for a media mode. An empty mode
// selects the configured default.
func (c *Config) AllowedExtensions(mode string) ([]string, error) {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized == "" {
		normalized = c.Ingest.MediaMode
	}
	switch normalized {
	case MediaModePhoto:
		return append([]string(nil), c.Extensions.Photo...), nil
	case MediaModeVideo:
		return append([]string(nil), c.Extensions.Video...), nil
	case MediaModeAll:
		out := make([]string, 0, len(c.Extensions.Photo)+len(c.Extensions.Video))
		out = append(out, c.Extensions.Photo...)
		return append(out, c.Extensions.Video...), nil
	default:
		return nil, fmt.Errorf("unknown media mode %q (want photo, video, or all)", mode)
	}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

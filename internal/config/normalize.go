package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeIngest()
	c.normalizeExtensions()
	c.normalizeMonitor()
	c.normalizePatterns()
	c.normalizeLogging()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DestinationRoot, err = expandPath(strings.TrimSpace(c.Paths.DestinationRoot)); err != nil {
		return fmt.Errorf("paths.destination_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.HistoryFile) == "" {
		c.Paths.HistoryFile = defaultHistoryFile
	}
	if c.Paths.HistoryFile, err = expandPath(c.Paths.HistoryFile); err != nil {
		return fmt.Errorf("paths.history_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeIngest() {
	c.Ingest.MediaMode = strings.ToLower(strings.TrimSpace(c.Ingest.MediaMode))
	if c.Ingest.MediaMode == "" {
		c.Ingest.MediaMode = MediaModeAll
	}
	c.Ingest.DumpPrefix = strings.TrimSpace(c.Ingest.DumpPrefix)
	if c.Ingest.DumpPrefix == "" {
		c.Ingest.DumpPrefix = defaultDumpPrefix
	}
}

func (c *Config) normalizeExtensions() {
	c.Extensions.Photo = normalizeExtensionList(c.Extensions.Photo, defaultPhotoExtensions)
	c.Extensions.Video = normalizeExtensionList(c.Extensions.Video, defaultVideoExtensions)
}

func normalizeExtensionList(values, fallback []string) []string {
	if len(values) == 0 {
		return append([]string(nil), fallback...)
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		ext := strings.ToLower(strings.TrimSpace(value))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, exists := seen[ext]; exists {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}

func (c *Config) normalizeMonitor() {
	if c.Monitor.PollIntervalSeconds <= 0 {
		c.Monitor.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Monitor.EjectSuppressionSeconds < 0 {
		c.Monitor.EjectSuppressionSeconds = 0
	}
	if c.Monitor.EnumerateTimeoutSeconds <= 0 {
		c.Monitor.EnumerateTimeoutSeconds = defaultEnumerateTimeoutSeconds
	}
	roots := make([]string, 0, len(c.Monitor.MountRoots))
	for _, root := range c.Monitor.MountRoots {
		if trimmed := strings.TrimSpace(root); trimmed != "" {
			roots = append(roots, trimmed)
		}
	}
	if len(roots) == 0 {
		roots = append(roots, defaultMountRoots...)
	}
	c.Monitor.MountRoots = roots
}

func (c *Config) normalizePatterns() {
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultPatterns()
		return
	}
	for i := range c.Patterns {
		p := &c.Patterns[i]
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.Brand = strings.TrimSpace(p.Brand)
		p.Anchor = strings.ToUpper(strings.TrimSpace(p.Anchor))
		if p.Anchor == "" {
			p.Anchor = AnchorVolume
		}
		p.Match = strings.TrimSpace(p.Match)
		p.Subpath = strings.Trim(strings.TrimSpace(p.Subpath), "/")
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}
	if err := c.validatePatterns(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	parsed, err := url.Parse(topic)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL (got %q)", topic)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DestinationRoot) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("paths.destination_root is required. Edit %s (create with 'offload config init')", defaultPath)
	}
	if strings.TrimSpace(c.Paths.HistoryFile) == "" {
		return errors.New("paths.history_file must be set")
	}
	return nil
}

func (c *Config) validateIngest() error {
	switch c.Ingest.MediaMode {
	case MediaModePhoto, MediaModeVideo, MediaModeAll:
	default:
		return fmt.Errorf("ingest.media_mode must be photo, video, or all (got %q)", c.Ingest.MediaMode)
	}
	if strings.ContainsAny(c.Ingest.DumpPrefix, `/\`) {
		return errors.New("ingest.dump_prefix must not contain path separators")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	return ensurePositiveMap(map[string]int{
		"monitor.poll_interval_seconds":     c.Monitor.PollIntervalSeconds,
		"monitor.enumerate_timeout_seconds": c.Monitor.EnumerateTimeoutSeconds,
	})
}

func (c *Config) validatePatterns() error {
	for i, p := range c.Patterns {
		switch p.Kind {
		case KindPhoto, KindVideo:
		default:
			return fmt.Errorf("patterns[%d].kind must be photo or video (got %q)", i, p.Kind)
		}
		switch p.Anchor {
		case AnchorDCIM, AnchorRoot, AnchorVolume:
		default:
			return fmt.Errorf("patterns[%d].anchor must be DCIM, ROOT, or VOLUME (got %q)", i, p.Anchor)
		}
		if p.Match == "" {
			return fmt.Errorf("patterns[%d].match must be set", i)
		}
		if _, err := regexp.Compile(p.Match); err != nil {
			return fmt.Errorf("patterns[%d].match: %w", i, err)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

package testsupport

import (
	"path/filepath"
	"testing"

	"offload/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DestinationRoot = filepath.Join(base, "footage")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.HistoryFile = filepath.Join(base, "state", "copy_history.json")
	cfgVal.Monitor.MountRoots = []string{filepath.Join(base, "media")}
	cfgVal.Monitor.Netlink = false
	cfgVal.Monitor.WatchMounts = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMediaMode sets the ingest media mode.
func WithMediaMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.MediaMode = mode
	}
}

// WithContinuous enables continuous dump mode.
func WithContinuous() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.Continuous = true
	}
}

// WithVerify enables post-copy verification.
func WithVerify() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.Verify = true
	}
}

// WithAutoCopy enables auto-copy for known cards.
func WithAutoCopy() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.AutoCopy = true
	}
}

// WithIndex enables the continuous-mode dump index.
func WithIndex() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.UseIndex = true
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

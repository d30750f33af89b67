// Package daemonrun assembles and runs the offload daemon process.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"offload/internal/config"
	"offload/internal/daemon"
	"offload/internal/deps"
	"offload/internal/dumpindex"
	"offload/internal/events"
	"offload/internal/history"
	"offload/internal/ipc"
	"offload/internal/logging"
	"offload/internal/notifications"
	"offload/internal/preflight"
)

const (
	eventBufferSize = 4096
	shutdownTimeout = 30 * time.Second
	retentionSweep  = 24 * time.Hour
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the offload daemon and blocks until a signal or cmdCtx ends it.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		FilePath:    cfg.LogPath(),
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.RetentionDays,
		RunID:       runID,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	hub := events.NewHub(eventBufferSize, logger)
	eventsPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("events-%s.jsonl", runID))
	archive, archiveErr := events.OpenArchive(eventsPath)
	if archiveErr != nil {
		logging.WarnWithContext(logger, "event archive unavailable", "event_archive_open_failed",
			logging.String("path", eventsPath),
			logging.Error(archiveErr),
			logging.String(logging.FieldImpact, "event readers cannot catch up past the in-memory buffer"),
		)
	} else {
		hub.SetArchive(archive)
		defer archive.Close()
	}

	if cfg.Notifications.NtfyTopic != "" {
		forwarder := notifications.NewForwarder(notifications.NewService(cfg), cfg.Notifications, logger)
		hub.AddSink(forwarder)
		defer forwarder.Close()
	}

	sweepRetention(logger, cfg, eventsPath)
	logPreflight(signalCtx, logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ledger, err := history.Open(cfg.Paths.HistoryFile, logger, history.WithDumpPrefix(cfg.Ingest.DumpPrefix))
	if err != nil {
		logger.Error("open history ledger", logging.Error(err))
		return err
	}

	var index *dumpindex.Store
	if cfg.Ingest.UseIndex {
		index, err = dumpindex.Open(cfg.IndexPath(), nil)
		if err != nil {
			logging.WarnWithContext(logger, "dump index unavailable; continuous mode will rescan", "dump_index_open_failed",
				logging.String("path", cfg.IndexPath()),
				logging.Error(err),
			)
			index = nil
		} else {
			defer index.Close()
		}
	}

	d, err := daemon.New(cfg, hub, ledger, index, logger, daemon.Options{})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		d.Stop(stopCtx)
		stopCancel()
		return fmt.Errorf("start IPC server: %w", err)
	}
	ipcServer.Serve()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("offload daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
		ipcServer.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		d.Stop(stopCtx)
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(retentionSweep)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if cfg.Notifications.NtfyTopic != "" {
		forwarder := notifications.NewForwarder(notifications.NewService(cfg), cfg.Notifications, logger)
		hub.AddSink(forwarder)
		defer forwarder.Close()
	}

	sweepRetention(logger, cfg, eventsPath)
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func sweepRetention(logger *slog.Logger, cfg *config.Config, currentEvents string) {
	logging.CleanupOldFiles(logger, time.Now(), cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "events-*.jsonl", Exclude: []string{currentEvents}},
	)
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			logger.Info("preflight check passed",
				logging.String(logging.FieldEventType, "preflight_passed"),
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run offload config validate and check destination permissions"),
		)
	}
	for _, dep := range deps.CheckBinaries(deps.PlatformTools(runtime.GOOS)) {
		if dep.Available {
			continue
		}
		attrs := []logging.Attr{
			logging.String("dependency", dep.Name),
			logging.String("command", dep.Command),
			logging.String("detail", dep.Detail),
		}
		if dep.Optional {
			logger.Info("optional tool missing", logging.Args(attrs...)...)
			continue
		}
		logging.WarnWithContext(logger, "required tool missing", "dependency_missing",
			append(attrs, logging.String(logging.FieldImpact, "card eject will fail"))...)
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

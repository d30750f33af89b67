package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"offload/internal/config"
	"offload/internal/deps"
	"offload/internal/dumpindex"
	"offload/internal/events"
	"offload/internal/history"
	"offload/internal/identity"
	"offload/internal/logging"
	"offload/internal/session"
	"offload/internal/volume"
)

// Options overrides the platform collaborators, mainly for tests.
type Options struct {
	FS          afero.Fs
	Enumerator  volume.Enumerator
	Ejector     volume.Ejector
	WakeSources []volume.WakeSource
	FreeSpace   func(string) (uint64, error)
	Monitor     []volume.Option
}

// Daemon owns the single-instance lock, the volume monitor and the session
// controller.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	hub     *events.Hub
	ledger  *history.Ledger
	index   *dumpindex.Store
	monitor *volume.Monitor
	ctrl    *session.Controller

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LockFilePath string
	Session      session.Status
	Dependencies []deps.Status
	LastSequence uint64
}

// New constructs a daemon with initialized dependencies. index may be nil.
func New(cfg *config.Config, hub *events.Hub, ledger *history.Ledger, index *dumpindex.Store, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || hub == nil || ledger == nil || logger == nil {
		return nil, errors.New("daemon requires config, hub, ledger, and logger")
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		hub:      hub,
		ledger:   ledger,
		index:    index,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}

	ctrl, err := session.New(cfg, session.Dependencies{
		FS:        fsys,
		Ledger:    ledger,
		Index:     index,
		Emitter:   hub,
		Logger:    logger,
		Ejector:   ejectFunc(d.ejectCard),
		FreeSpace: opts.FreeSpace,
	})
	if err != nil {
		return nil, fmt.Errorf("session controller: %w", err)
	}
	d.ctrl = ctrl

	enum := opts.Enumerator
	if enum == nil {
		enum = volume.NewEnumerator(cfg.Monitor.MountRoots)
	}
	wakers := opts.WakeSources
	if wakers == nil {
		if cfg.Monitor.Netlink {
			wakers = append(wakers, volume.NewNetlinkWaker(logger))
		}
		if cfg.Monitor.WatchMounts {
			wakers = append(wakers, volume.NewMountWatcher(cfg.Monitor.MountRoots, logger))
		}
	}
	monitorOpts := []volume.Option{
		volume.WithPollInterval(cfg.PollInterval()),
		volume.WithEjectSuppression(cfg.EjectSuppression()),
		volume.WithEnumerateTimeout(cfg.EnumerateTimeout()),
		volume.WithDetectExisting(cfg.Monitor.DetectExisting),
		volume.WithWakeSources(wakers...),
	}
	if opts.Ejector != nil {
		monitorOpts = append(monitorOpts, volume.WithEjector(opts.Ejector))
	}
	monitorOpts = append(monitorOpts, opts.Monitor...)
	d.monitor = volume.NewMonitor(enum, identity.NewStore(fsys), ctrl, logger, monitorOpts...)
	return d, nil
}

type ejectFunc func(context.Context) error

func (f ejectFunc) Eject(ctx context.Context) error { return f(ctx) }

func (d *Daemon) ejectCard(ctx context.Context) error {
	return d.monitor.Eject(ctx)
}

// Start acquires the daemon lock and launches the volume monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another offload daemon instance is already running")
	}

	if err := d.monitor.Start(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start volume monitor: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("offload daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("destination_root", d.cfg.Paths.DestinationRoot),
		logging.Bool("auto_copy", d.cfg.Ingest.AutoCopy),
		logging.Bool("continuous", d.cfg.Ingest.Continuous),
	)
	return nil
}

// Stop halts the monitor, cancels any running copy and releases the lock.
// A stopped daemon cannot start new sessions.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	d.monitor.Stop()
	if err := d.ctrl.Close(ctx); err != nil {
		logging.WarnWithContext(d.logger, "copy session did not stop in time", "session_stop_timeout",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the last history record may remain In Progress"),
		)
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file manually before restarting"),
		)
	}
	d.running.Store(false)
	d.logger.Info("offload daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Controller returns the session controller.
func (d *Daemon) Controller() *session.Controller { return d.ctrl }

// Hub returns the event hub.
func (d *Daemon) Hub() *events.Hub { return d.hub }

// Ledger returns the history ledger.
func (d *Daemon) Ledger() *history.Ledger { return d.ledger }

// Wake requests an immediate volume poll.
func (d *Daemon) Wake() { d.monitor.Wake() }

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		Session:      d.ctrl.Status(),
		Dependencies: deps.CheckBinaries(deps.PlatformTools(runtime.GOOS)),
		LastSequence: d.hub.LastSequence(),
	}
}

package volume

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Ejector releases a volume so the card can be removed.
type Ejector interface {
	Eject(ctx context.Context, v Volume) error
}

type commandEjector struct {
	runner commandRunner
	goos   string
}

// NewEjector returns an Ejector that shells out to the platform tools:
// udisksctl or eject on Linux and diskutil on macOS.
func NewEjector() Ejector {
	return commandEjector{runner: execCommandRunner{}, goos: runtime.GOOS}
}

func (e commandEjector) Eject(ctx context.Context, v Volume) error {
	switch e.goos {
	case "linux":
		return e.ejectLinux(ctx, v)
	case "darwin":
		return e.ejectDarwin(ctx, v)
	default:
		return fmt.Errorf("eject %s: not supported on %s", v.Name(), e.goos)
	}
}

func (e commandEjector) ejectLinux(ctx context.Context, v Volume) error {
	device := strings.TrimSpace(v.Device)
	if device == "" {
		if _, err := e.runner.Output(ctx, "eject", v.Path); err != nil {
			return fmt.Errorf("eject %s: %w", v.Name(), err)
		}
		return nil
	}
	_, unmountErr := e.runner.Output(ctx, "udisksctl", "unmount", "--no-user-interaction", "-b", device)
	if unmountErr == nil {
		// An unmounted card is already safe to pull, so power-off failures are ignored.
		_, _ = e.runner.Output(ctx, "udisksctl", "power-off", "--no-user-interaction", "-b", device)
		return nil
	}
	if _, err := e.runner.Output(ctx, "eject", device); err != nil {
		return fmt.Errorf("eject %s: %w", v.Name(), errors.Join(unmountErr, err))
	}
	return nil
}

func (e commandEjector) ejectDarwin(ctx context.Context, v Volume) error {
	if _, err := e.runner.Output(ctx, "diskutil", "unmountDisk", "force", v.Path); err != nil {
		return fmt.Errorf("unmount %s: %w", v.Name(), err)
	}
	if _, err := e.runner.Output(ctx, "diskutil", "eject", v.Path); err != nil {
		return fmt.Errorf("eject %s: %w", v.Name(), err)
	}
	return nil
}

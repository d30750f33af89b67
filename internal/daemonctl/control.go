// Package daemonctl launches, probes and stops a background offload daemon
// on behalf of the CLI.
package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"offload/internal/config"
	"offload/internal/ipc"
)

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

// StartResult captures daemon start orchestration state.
type StartResult struct {
	AlreadyRunning bool
	PID            int
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	ForcedKill bool
	PID        int
}

// Launch starts a detached "offload daemon run" process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon", "run"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless its socket already answers.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	result := StartResult{AlreadyRunning: err == nil}
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return StartResult{}, err
	}
	result.PID = status.PID
	return result, nil
}

// WaitForShutdown waits for daemon IPC to disappear.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			return nil
		}
		_ = client.Close()
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, statusErr := client.Status()
	if statusErr != nil {
		return true, 0, statusErr
	}
	return true, status.PID, nil
}

// ReadPID reads the daemon PID file.
func ReadPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", pidPath)
	}
	return pid, nil
}

// StopAndTerminate sends SIGTERM to the daemon and force-kills it if it is
// still answering after gracePeriod.
func StopAndTerminate(socketPath string, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	alive, pid, err := ProcessInfo(socketPath)
	if err != nil {
		return StopResult{}, err
	}
	if !alive {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == 0 && cfg != nil {
		pid, _ = ReadPID(cfg.PIDPath())
	}
	if pid <= 0 {
		return StopResult{}, errors.New("unable to determine daemon pid")
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return StopResult{}, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return StopResult{}, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}

	result := StopResult{PID: pid}
	if WaitForShutdown(socketPath, gracePeriod) == nil {
		return result, nil
	}
	if err := proc.Kill(); err != nil {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	_ = os.Remove(socketPath)
	if cfg != nil {
		_ = os.Remove(cfg.PIDPath())
	}
	result.ForcedKill = true
	return result, nil
}

func isDaemonUnavailable(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) || os.IsNotExist(err)
}

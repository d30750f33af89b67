package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"offload/internal/daemonctl"
	"offload/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the background daemon",
	}

	var logLevel string
	var development bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	runCmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath(),
				LogLevel:   logLevel,
			}, 10*time.Second)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if result.AlreadyRunning {
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
				return nil
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			return nil
		},
	}
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), 35*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon (pid %d) did not exit in time and was killed\n", result.PID)
				return nil
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	daemonCmd.AddCommand(runCmd, startCmd, stopCmd)
	return daemonCmd
}

// Command offloadd runs the offload daemon in the foreground. It is
// equivalent to `offload daemon run` and suits service managers that expect
// a dedicated binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"offload/internal/config"
	"offload/internal/daemonrun"
)

func main() {
	var configPath, logLevel string
	cmd := &cobra.Command{
		Use:           "offloadd",
		Short:         "Run the offload card-ingest daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

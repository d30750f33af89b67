package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"offload/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var filter logs.Filter
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := cfg.LogPath()
			out := cmd.OutOrStdout()
			opts := logs.TailOptions{Offset: -1, Limit: lines}
			for {
				result, err := logs.Tail(cmd.Context(), path, opts)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				for _, line := range result.Lines {
					if rendered, ok := logs.Render(line, filter); ok {
						fmt.Fprintln(out, rendered)
					}
				}
				if !follow {
					return nil
				}
				opts = logs.TailOptions{Offset: result.Offset, Follow: true, Wait: 5 * time.Second}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&filter.Component, "component", "", "Only show records from this component")
	cmd.Flags().StringVar(&filter.CardID, "card", "", "Only show records for this card identity prefix")
	cmd.Flags().StringVar(&filter.MinLevel, "level", "", "Minimum level: debug, info, warn, or error")
	return cmd
}

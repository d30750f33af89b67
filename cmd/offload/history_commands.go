package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"offload/internal/history"
	"offload/internal/ipc"
	"offload/internal/logging"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and edit the card copy history",
	}
	cmd.AddCommand(newHistoryListCommand(ctx))
	cmd.AddCommand(newHistoryDeleteCommand(ctx))
	cmd.AddCommand(newHistoryExportCommand(ctx))
	return cmd
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var cardID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded copy operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(cardID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Rows)
				}
				out := cmd.OutOrStdout()
				if len(resp.Rows) == 0 {
					fmt.Fprintln(out, "No history recorded")
					return nil
				}
				fmt.Fprint(out, renderHistoryTable(resp.Rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "Only show records for this card identity")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderHistoryTable(rows []ipc.HistoryRow) string {
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		table = append(table, []string{row.CardID, row.Timestamp, row.Status, row.Destination})
	}
	return renderTable([]string{"Card", "Timestamp", "Status", "Destination"}, table, nil)
}

func newHistoryDeleteCommand(ctx *commandContext) *cobra.Command {
	var cardID, timestamp string
	var all bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one record, or every record for a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(cardID) == "" {
				return errors.New("--card is required")
			}
			if (timestamp == "") == !all {
				return errors.New("specify exactly one of --timestamp or --all")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.DeleteHistory(ipc.DeleteHistoryRequest{CardID: cardID, Timestamp: timestamp, All: all}); err != nil {
					return err
				}
				if all {
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted all history for %s\n", cardID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted record %s for %s\n", timestamp, cardID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "Card identity")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "Timestamp of the record to delete")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every record for the card")
	return cmd
}

func newHistoryExportCommand(ctx *commandContext) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the history ledger as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ledger, err := history.Open(cfg.Paths.HistoryFile, logging.NewNop())
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer file.Close()
				out = file
			}

			switch strings.ToLower(format) {
			case "csv":
				return ledger.ExportCSV(out)
			case "json":
				rows, err := ledger.Rows()
				if err != nil {
					return err
				}
				if rows == nil {
					rows = []history.Row{}
				}
				enc := jsonEncoder(out)
				return enc.Encode(rows)
			default:
				return fmt.Errorf("unsupported export format %q (want csv or json)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "Export format: csv or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

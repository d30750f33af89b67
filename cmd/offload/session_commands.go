package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"offload/internal/ipc"
)

func newSessionCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStatusCommand(ctx),
		newStartCommand(ctx),
		newCancelCommand(ctx),
		newPauseCommand(ctx),
		newEjectCommand(ctx),
		newRescanCommand(ctx),
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show card, session and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				renderStatus(cmd.OutOrStdout(), status, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderStatus(out io.Writer, status *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Running", statusOK, fmt.Sprintf("pid %d", status.PID), colorize))
	spaceKind := statusOK
	if !strings.HasSuffix(status.FreeSpace, "Free") {
		spaceKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Destination", spaceKind, status.FreeSpace, colorize))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Card", colorize) {
		fmt.Fprintln(out, line)
	}
	if card := status.Card; card == nil {
		fmt.Fprintln(out, renderStatusLine("Card", statusInfo, "No card detected", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Name", statusInfo, fmt.Sprintf("%s (%s)", card.Name, card.Path), colorize))
		if card.IdentityAvailable {
			fmt.Fprintln(out, renderStatusLine("Identity", statusOK, card.ID, colorize))
		} else {
			fmt.Fprintln(out, renderStatusLine("Identity", statusWarn, "unavailable; history is not recorded", colorize))
		}
		if len(card.Brands) == 0 {
			fmt.Fprintln(out, renderStatusLine("Media", statusWarn, "No media structures found", colorize))
		} else {
			fmt.Fprintln(out, renderStatusLine("Media", statusOK, strings.Join(card.Brands, ", "), colorize))
		}
		if card.LastDestination != "" {
			fmt.Fprintln(out, renderStatusLine("Last copy", statusInfo, card.LastDestination, colorize))
		}
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Session", colorize) {
		fmt.Fprintln(out, line)
	}
	switch {
	case status.Busy:
		state := "copying"
		kind := statusInfo
		if status.Paused {
			state = "paused"
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("State", kind, fmt.Sprintf("%s to %s", state, status.Destination), colorize))
	case status.Last != nil:
		last := status.Last
		fmt.Fprintln(out, renderStatusLine("Last result", outcomeKind(last.Status),
			fmt.Sprintf("%s (%d copied, %d failed) at %s", last.Status, last.Copied, last.Failed, last.FinishedAt), colorize))
		if len(last.Summary) > 0 {
			keys := make([]string, 0, len(last.Summary))
			for key := range last.Summary {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, key := range keys {
				parts = append(parts, fmt.Sprintf("%s=%d", key, last.Summary[key]))
			}
			fmt.Fprintln(out, renderStatusLine("Summary", statusInfo, strings.Join(parts, " "), colorize))
		}
	default:
		fmt.Fprintln(out, renderStatusLine("State", statusInfo, "idle", colorize))
	}

	if len(status.Dependencies) == 0 {
		return
	}
	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Dependencies", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, dep := range status.Dependencies {
		kind := statusOK
		detail := dep.Command
		if !dep.Available {
			kind = statusError
			if dep.Optional {
				kind = statusWarn
			}
			detail = dep.Detail
		}
		fmt.Fprintln(out, renderStatusLine(dep.Name, kind, detail, colorize))
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var subfolder, destination, mode string
	var resume, verify, continuous bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start copying the detected card",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.StartOperationRequest{
				Subfolder:   subfolder,
				Destination: destination,
				Resume:      resume,
				Mode:        mode,
			}
			if req.Subfolder == "" && req.Destination == "" && !req.Resume {
				return errors.New("one of --subfolder, --dest, or --resume is required")
			}
			if cmd.Flags().Changed("verify") {
				req.Verify = &verify
			}
			if cmd.Flags().Changed("continuous") {
				req.Continuous = &continuous
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartOperation(req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started session %s to %s\n", resp.SessionID, resp.Destination)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subfolder, "subfolder", "", "Copy into this folder under the destination root")
	cmd.Flags().StringVar(&destination, "dest", "", "Copy into this absolute destination")
	cmd.Flags().BoolVar(&resume, "resume", false, "Copy to the card's last destination")
	cmd.Flags().StringVar(&mode, "mode", "", "Media mode: photo, video, or all")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify copies with MD5 after copying")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "Copy only new files into the next dump folder")
	cmd.MarkFlagsMutuallyExclusive("subfolder", "dest", "resume")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Cancel(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cancel requested")
				return nil
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause or resume the running copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TogglePause()
				if err != nil {
					return err
				}
				if resp.Paused {
					fmt.Fprintln(cmd.OutOrStdout(), "Copy paused")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Copy resumed")
				}
				return nil
			})
		},
	}
}

func newEjectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "eject",
		Short: "Eject the detected card",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Eject(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Card ejected")
				return nil
			})
		},
	}
}

func newRescanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Re-read the detected card's media folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Rescan()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Card.Folders) == 0 {
					fmt.Fprintln(out, "No media structures found")
					return nil
				}
				rows := make([][]string, 0, len(resp.Card.Folders))
				for _, folder := range resp.Card.Folders {
					rows = append(rows, []string{folder})
				}
				fmt.Fprint(out, renderTable([]string{"Folder"}, rows, nil))
				fmt.Fprintf(out, "Brands: %s\n", strings.Join(resp.Card.Brands, ", "))
				return nil
			})
		},
	}
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var limit int
	var since uint64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show daemon activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				cursor := since
				if cursor == 0 && limit > 0 {
					status, err := client.Status()
					if err != nil {
						return err
					}
					if status.LastSequence > uint64(limit) {
						cursor = status.LastSequence - uint64(limit)
					}
				}
				for {
					wait := 0
					if follow {
						wait = 1000
					}
					resp, err := client.Events(ipc.EventsRequest{Since: cursor, Limit: limit, WaitMillis: wait})
					if err != nil {
						return err
					}
					for _, evt := range resp.Events {
						if line := formatEvent(evt); line != "" {
							fmt.Fprintln(out, line)
						}
					}
					cursor = resp.Next
					if !follow {
						return nil
					}
					if err := cmd.Context().Err(); err != nil {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().IntVarP(&limit, "lines", "n", 50, "Number of recent events to show first")
	cmd.Flags().Uint64Var(&since, "since", 0, "Start after this event sequence")
	return cmd
}

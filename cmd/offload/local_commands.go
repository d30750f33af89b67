package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"offload/internal/config"
	"offload/internal/events"
	"offload/internal/logging"
	"offload/internal/planner"
	"offload/internal/scanner"
	"offload/internal/transfer"
)

// localSources scans root with the configured patterns.
func localSources(cfg *config.Config, fsys afero.Fs, root string) (scanner.Result, error) {
	patterns, err := scanner.Compile(cfg.Patterns)
	if err != nil {
		return scanner.Result{}, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return scanner.Result{}, err
	}
	result := scanner.New(fsys, logging.NewNop()).Scan(abs, patterns)
	if result.Empty() {
		return result, fmt.Errorf("no known camera folder structures found under %s", abs)
	}
	return result, nil
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "List the media folders found on a mounted card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := localSources(cfg, afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"folders": result.Folders, "brands": result.Brands})
			}
			rows := make([][]string, 0, len(result.Folders))
			for _, folder := range result.Folders {
				rows = append(rows, []string{folder})
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable([]string{"Folder"}, rows, nil))
			fmt.Fprintf(out, "Brands: %s\n", strings.Join(result.Brands, ", "))
			for _, ioErr := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", ioErr)
			}
			return nil
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

type planFlags struct {
	destination string
	mode        string
	continuous  bool
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.destination, "dest", "", "Destination folder (required)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Media mode: photo, video, or all")
	cmd.Flags().BoolVar(&f.continuous, "continuous", false, "Copy only new files into the next dump folder")
	_ = cmd.MarkFlagRequired("dest")
}

func buildLocalPlan(cmdCtx context.Context, cfg *config.Config, fsys afero.Fs, root string, flags planFlags, continuous bool) (planner.Plan, error) {
	sources, err := localSources(cfg, fsys, root)
	if err != nil {
		return planner.Plan{}, err
	}
	extensions, err := cfg.AllowedExtensions(flags.mode)
	if err != nil {
		return planner.Plan{}, err
	}
	destination, err := config.ExpandPath(flags.destination)
	if err != nil {
		return planner.Plan{}, err
	}
	return planner.New(fsys, logging.NewNop()).Plan(cmdCtx, planner.Request{
		Sources:     sources.Folders,
		Destination: destination,
		Extensions:  extensions,
		Continuous:  continuous,
		DumpPrefix:  cfg.Ingest.DumpPrefix,
	})
}

func newPlanCommand(ctx *commandContext) *cobra.Command {
	var flags planFlags
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <path>",
		Short: "Show which files a copy would transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			continuous := cfg.Ingest.Continuous
			if cmd.Flags().Changed("continuous") {
				continuous = flags.continuous
			}
			plan, err := buildLocalPlan(cmd.Context(), cfg, afero.NewOsFs(), args[0], flags, continuous)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, plan)
			}
			out := cmd.OutOrStdout()
			if plan.Empty() {
				fmt.Fprintf(out, "No new files to copy to %s\n", plan.Destination)
				return nil
			}
			rows := make([][]string, 0, len(plan.Items))
			for _, item := range plan.Items {
				rows = append(rows, []string{item.Source, humanize.IBytes(uint64(item.Size)), item.Dest})
			}
			footer := []string{fmt.Sprintf("%d files", len(plan.Items)), humanize.IBytes(uint64(plan.TotalBytes)), plan.Destination}
			fmt.Fprint(out, renderTableWithFooter([]string{"Source", "Size", "Destination"}, rows, footer,
				[]columnAlignment{alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
	flags.register(cmd)
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newCopyCommand(ctx *commandContext) *cobra.Command {
	var flags planFlags
	var verify bool
	cmd := &cobra.Command{
		Use:   "copy <path>",
		Short: "Copy a mounted card without the daemon",
		Long: "Copy a mounted card in the foreground. History is not recorded; " +
			"use the daemon for history and resume.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			continuous := cfg.Ingest.Continuous
			if cmd.Flags().Changed("continuous") {
				continuous = flags.continuous
			}
			if !cmd.Flags().Changed("verify") {
				verify = cfg.Ingest.Verify
			}

			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}
			runCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fsys := afero.NewOsFs()
			plan, err := buildLocalPlan(runCtx, cfg, fsys, args[0], flags, continuous)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			display := newCopyDisplay(out, isTerminal(out))
			engine := transfer.NewEngine(fsys, display, logging.NewNop())
			result := engine.Run(runCtx, transfer.Session{
				ID:     uuid.NewString(),
				Plan:   plan,
				Verify: verify,
			})
			display.finish()

			if display.bar != nil && len(result.Summary) > 0 {
				fmt.Fprint(out, renderTable([]string{"Type", "Files"}, summaryRows(result.Summary),
					[]columnAlignment{alignLeft, alignRight}))
			}
			fmt.Fprintf(out, "%s: %d copied, %d failed -> %s\n", result.Status, result.Copied, result.Failed, result.Destination)
			switch result.Status {
			case transfer.StatusCompleted, transfer.StatusCompletedVerified, transfer.StatusNoNewFiles:
				if result.Failed > 0 {
					return fmt.Errorf("%d files failed to copy", result.Failed)
				}
				return nil
			case transfer.StatusCanceled:
				return context.Canceled
			default:
				if result.Err != nil {
					return result.Err
				}
				return errors.New(strings.ToLower(result.Status))
			}
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify copies with MD5 after copying")
	return cmd
}

// copyDisplay renders engine events as a progress bar on terminals and as
// plain log lines elsewhere.
type copyDisplay struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	speed string
}

func newCopyDisplay(out io.Writer, interactive bool) *copyDisplay {
	d := &copyDisplay{out: out}
	if interactive {
		d.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("Copying"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	return d
}

func (d *copyDisplay) Emit(evt events.Event) {
	switch evt.Type {
	case events.TypeProgress:
		if d.bar == nil {
			return
		}
		desc := evt.Message
		if d.speed != "" {
			desc = fmt.Sprintf("%s %s", desc, d.speed)
		}
		d.bar.Describe(desc)
		_ = d.bar.Set(int(evt.Percent))
	case events.TypeSpeed:
		d.speed = evt.Speed
	case events.TypeLog, events.TypeVerification:
		if d.bar != nil && evt.Level != "error" && evt.Type == events.TypeLog {
			return
		}
		if d.bar != nil {
			_ = d.bar.Clear()
		}
		fmt.Fprintln(d.out, evt.Message)
	}
}

func (d *copyDisplay) finish() {
	if d.bar != nil {
		_ = d.bar.Finish()
	}
}

// summaryRows renders a copy summary map sorted by extension.
func summaryRows(summary map[string]int) [][]string {
	keys := make([]string, 0, len(summary))
	for key := range summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, fmt.Sprintf("%d", summary[key])})
	}
	return rows
}

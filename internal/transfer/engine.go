// Package transfer copies a planned file set one file at a time, reporting
// progress and throughput and honoring pause and cancel requests.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"offload/internal/events"
	"offload/internal/fileutil"
	"offload/internal/logging"
	"offload/internal/planner"
	"offload/internal/verify"
)

// Terminal statuses.
const (
	StatusCompleted         = "Completed"
	StatusCompletedVerified = "Completed & Verified"
	StatusNoNewFiles        = "Completed (No new files)"
	StatusCanceled          = "Canceled"
	StatusVerifyFailed      = "Verification Failed"
	StatusError             = "Error"
	// StatusInProgress is recorded in history while a session runs.
	StatusInProgress = "In Progress"
)

// ErrFatal marks a failure of the copy loop itself rather than of one file.
var ErrFatal = errors.New("fatal transfer error")

// PerFileError reports one file that could not be copied.
type PerFileError struct {
	Source string
	Err    error
}

func (e *PerFileError) Error() string {
	return fmt.Sprintf("copy %s: %v", filepath.Base(e.Source), e.Err)
}

func (e *PerFileError) Unwrap() error { return e.Err }

// Session is the engine's input for one run.
type Session struct {
	ID     string
	CardID string
	Plan   planner.Plan
	Verify bool
	// Gate pauses the run between files; nil means never paused.
	Gate *Gate
	// Finalize runs after the outcome is known and before Finished is
	// emitted, so callers can persist the status first.
	Finalize func(Result)
}

// Result is the outcome of a run.
type Result struct {
	Status      string
	Copied      int
	Failed      int
	Destination string
	Summary     map[string]int
	// Items lists the files that were copied, in plan order.
	Items        []planner.Item
	Errors       []*PerFileError
	Verification *verify.Report
	Err          error
}

// Engine runs transfer sessions.
type Engine struct {
	fs       afero.Fs
	emitter  events.Emitter
	logger   *slog.Logger
	clock    clockwork.Clock
	sampler  *logging.ProgressSampler
	interval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for throughput.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSpeedInterval overrides the minimum spacing of speed events. Zero
// reports after every file.
func WithSpeedInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// NewEngine returns an Engine. A nil fsys selects the OS filesystem and a nil
// emitter discards events.
func NewEngine(fsys afero.Fs, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Engine {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if emitter == nil {
		emitter = events.Discard
	}
	e := &Engine{
		fs:       fsys,
		emitter:  emitter,
		logger:   logging.NewComponentLogger(logger, "transfer"),
		clock:    clockwork.NewRealClock(),
		sampler:  logging.NewProgressSampler(5),
		interval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes s and emits exactly one Finished event, last.
func (e *Engine) Run(ctx context.Context, s Session) Result {
	ctx = logging.WithSessionID(logging.WithCardID(ctx, s.CardID), s.ID)
	logger := logging.WithContext(ctx, e.logger)
	e.sampler.Reset()

	result := e.run(ctx, logger, s)

	if s.Finalize != nil {
		s.Finalize(result)
	}
	e.emit(s, events.Speed(""))
	e.emit(s, events.Event{
		Type:        events.TypeFinished,
		Status:      result.Status,
		Copied:      result.Copied,
		Failed:      result.Failed,
		Summary:     result.Summary,
		Destination: result.Destination,
	})
	logger.Info("copy session finished",
		logging.String("status", result.Status),
		logging.Int("copied", result.Copied),
		logging.Int("failed", result.Failed),
		logging.String("destination", result.Destination),
	)
	return result
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, s Session) (result Result) {
	plan := s.Plan
	result.Destination = plan.Destination
	if plan.Empty() {
		e.log(s, "info", "No new files found to copy.")
		result.Status = StatusNoNewFiles
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusError
			result.Err = fmt.Errorf("%w: %v", ErrFatal, r)
			e.log(s, "error", fmt.Sprintf("FATAL ERROR during copy: %v", r))
			logging.ErrorWithContext(logger, "copy loop aborted", "transfer_fatal", logging.Error(result.Err))
		}
	}()

	total := len(plan.Items)
	e.log(s, "info", fmt.Sprintf("Found %d new files to copy to '%s'.", total, filepath.Base(plan.Destination)))
	existed, _ := afero.DirExists(e.fs, plan.Destination)
	if err := e.fs.MkdirAll(plan.Destination, 0o755); err != nil {
		result.Status = StatusError
		result.Err = fmt.Errorf("%w: create destination %s: %w", ErrFatal, plan.Destination, err)
		e.log(s, "error", fmt.Sprintf("FATAL ERROR during copy: %v", err))
		logging.ErrorWithContext(logger, "destination root unavailable", "transfer_fatal",
			logging.String("destination", plan.Destination),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the destination drive is mounted and writable"),
		)
		return result
	}
	if !existed {
		// An unused Dump N must not consume its number.
		defer func() {
			if result.Copied == 0 {
				e.discardEmptyRoot(logger, plan.Destination)
			}
		}()
	}

	gate := s.Gate
	if gate == nil {
		gate = NewGate()
	}
	speed := rate.Sometimes{First: 1, Interval: e.interval}
	if e.interval <= 0 {
		speed = rate.Sometimes{Every: 1}
	}
	start := e.clock.Now()
	var bytesCopied int64
	canceled := false

	for _, item := range plan.Items {
		if err := gate.Wait(ctx); err != nil {
			canceled = true
			break
		}
		if ctx.Err() != nil {
			canceled = true
			break
		}

		if err := e.copyItem(item); err != nil {
			fileErr := &PerFileError{Source: item.Source, Err: err}
			result.Errors = append(result.Errors, fileErr)
			result.Failed++
			e.log(s, "error", fmt.Sprintf("ERROR copying file %s: %v", filepath.Base(item.Source), err))
			logging.WarnWithContext(logger, "file copy failed; skipping", "file_copy_failed",
				logging.String("source", item.Source),
				logging.String("dest", item.Dest),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space on the destination and the card's health"),
				logging.String(logging.FieldImpact, "file was not copied"),
			)
			continue
		}

		result.Copied++
		result.Items = append(result.Items, item)
		bytesCopied += item.Size
		e.log(s, "info", "Copied: "+filepath.Base(item.Source))
		if ctx.Err() != nil {
			canceled = true
			break
		}

		percent := float64(result.Copied*100/total)
		message := fmt.Sprintf("Copying %d of %d files... (%d%%)", result.Copied, total, int(percent))
		e.emit(s, events.Progress(percent, message))
		if e.sampler.ShouldLog(percent, "copy") {
			logger.Info(message, logging.Bytes("copied_bytes", bytesCopied))
		}
		if elapsed := e.clock.Since(start); elapsed > 0 {
			value := FormatSpeed(float64(bytesCopied) / elapsed.Seconds())
			speed.Do(func() { e.emit(s, events.Speed(value)) })
		}
	}

	if canceled {
		result.Status = StatusCanceled
		return result
	}

	result.Summary = Summarize(result.Items)
	e.emit(s, events.Progress(100, "Completed copy process."))
	for _, line := range SummaryLines(result.Summary, result.Copied) {
		e.log(s, "info", line)
	}

	if !s.Verify {
		result.Status = StatusCompleted
		return result
	}
	report := verify.New(e.fs, sessionEmitter{e: e, s: s}, e.logger).Verify(ctx, result.Items)
	result.Verification = &report
	if report.OK {
		result.Status = StatusCompletedVerified
	} else {
		result.Status = StatusVerifyFailed
	}
	return result
}

func (e *Engine) copyItem(item planner.Item) error {
	if err := e.fs.MkdirAll(filepath.Dir(item.Dest), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	_, err := fileutil.CopyFile(e.fs, item.Source, item.Dest)
	return err
}

// discardEmptyRoot removes a destination root created by this run when no
// file landed in it.
func (e *Engine) discardEmptyRoot(logger *slog.Logger, root string) {
	hasFiles := false
	err := afero.Walk(e.fs, root, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			hasFiles = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil || hasFiles {
		return
	}
	if err := e.fs.RemoveAll(root); err != nil {
		logger.Debug("could not remove empty destination", logging.String("destination", root), logging.Error(err))
	}
}

func (e *Engine) emit(s Session, evt events.Event) {
	evt.CardID = s.CardID
	evt.SessionID = s.ID
	e.emitter.Emit(evt)
}

func (e *Engine) log(s Session, level, message string) {
	e.emit(s, events.Log(level, message))
}

// sessionEmitter stamps verifier events with the session identity.
type sessionEmitter struct {
	e *Engine
	s Session
}

func (se sessionEmitter) Emit(evt events.Event) { se.e.emit(se.s, evt) }

// FormatSpeed renders bytes per second the way the progress display shows
// it: MB/s above 1 MiB/s, KB/s otherwise.
func FormatSpeed(bytesPerSecond float64) string {
	const mib = 1024 * 1024
	if bytesPerSecond > mib {
		return fmt.Sprintf("%.2f MB/s", bytesPerSecond/mib)
	}
	return fmt.Sprintf("%.2f KB/s", bytesPerSecond/1024)
}

// Summarize counts copied items per extension. Keys are the upper-case
// extension without the dot; files without an extension are not counted.
func Summarize(items []planner.Item) map[string]int {
	upper := cases.Upper(language.Und)
	summary := make(map[string]int)
	for _, item := range items {
		ext := strings.TrimPrefix(filepath.Ext(item.Source), ".")
		if ext == "" {
			continue
		}
		summary[upper.String(ext)]++
	}
	return summary
}

// SummaryLines renders a summary as "EXT = n Files" lines in key order
// followed by the total.
func SummaryLines(summary map[string]int, copied int) []string {
	keys := make([]string, 0, len(summary))
	for key := range summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s = %d Files", key, summary[key]))
	}
	return append(lines, fmt.Sprintf("Total Files Copied = %d", copied))
}

// Package session coordinates card detection, copy sessions and the history
// ledger. It enforces one active copy at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"offload/internal/config"
	"offload/internal/dumpindex"
	"offload/internal/events"
	"offload/internal/fileutil"
	"offload/internal/history"
	"offload/internal/logging"
	"offload/internal/planner"
	"offload/internal/preflight"
	"offload/internal/scanner"
	"offload/internal/transfer"
)

var (
	// ErrBusy rejects a start while a session is active.
	ErrBusy = errors.New("a copy is already in progress")
	// ErrNoCard rejects an operation that needs a detected card.
	ErrNoCard = errors.New("no card detected")
	// ErrNoMedia rejects a start on a card without media folders.
	ErrNoMedia = errors.New("no media structures found on card")
	// ErrIdle rejects cancel and pause when nothing is running.
	ErrIdle = errors.New("no copy in progress")
	// ErrNoDestination rejects a start without a destination.
	ErrNoDestination = errors.New("destination is required")
)

// Request starts a copy. Empty Sources selects the active card's folders.
type Request struct {
	Sources     []string
	Destination string
	Verify      bool
	Mode        string
	Continuous  bool
}

// CardInfo describes the detected card.
type CardInfo struct {
	ID                string
	Name              string
	Path              string
	IdentityAvailable bool
	LastDestination   string
	Folders           []string
	Brands            []string
}

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID   string
	Status      string
	Copied      int
	Failed      int
	Destination string
	Summary     map[string]int
	FinishedAt  time.Time
}

// Status is a snapshot of the controller.
type Status struct {
	Card        *CardInfo
	Busy        bool
	Paused      bool
	SessionID   string
	Destination string
	FreeSpace   string
	Last        *Outcome
}

// CardEjector ejects the active card.
type CardEjector interface {
	Eject(ctx context.Context) error
}

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	FS       afero.Fs
	Patterns []scanner.Pattern
	Ledger   *history.Ledger
	// Index is optional; when set, continuous plans read known files from it.
	Index     *dumpindex.Store
	Emitter   events.Emitter
	Logger    *slog.Logger
	Ejector   CardEjector
	FreeSpace func(path string) (uint64, error)
	Engine    []transfer.Option
}

type run struct {
	id          string
	cardID      string
	base        string
	destination string
	continuous  bool
	cancel      context.CancelFunc
	gate        *transfer.Gate
	done        chan struct{}
}

// Controller owns the single copy slot.
type Controller struct {
	cfg       *config.Config
	fs        afero.Fs
	patterns  []scanner.Pattern
	scanner   *scanner.Scanner
	planner   *planner.Planner
	engine    *transfer.Engine
	ledger    *history.Ledger
	index     *dumpindex.Store
	emitter   events.Emitter
	logger    *slog.Logger
	ejector   CardEjector
	freeSpace func(string) (uint64, error)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	card   *CardInfo
	active *run
	last   *Outcome
}

// New builds a controller for cfg.
func New(cfg *config.Config, deps Dependencies) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	fsys := deps.FS
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.Discard
	}
	patterns := deps.Patterns
	if patterns == nil {
		compiled, err := scanner.Compile(cfg.Patterns)
		if err != nil {
			return nil, err
		}
		patterns = compiled
	}
	freeSpace := deps.FreeSpace
	if freeSpace == nil {
		freeSpace = preflight.FreeBytes
	}
	logger := logging.NewComponentLogger(deps.Logger, "session")

	var plannerOpts []planner.Option
	if deps.Index != nil {
		plannerOpts = append(plannerOpts, planner.WithKnownSource(deps.Index))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		fs:         fsys,
		patterns:   patterns,
		scanner:    scanner.New(fsys, deps.Logger),
		planner:    planner.New(fsys, deps.Logger, plannerOpts...),
		ledger:     deps.Ledger,
		index:      deps.Index,
		emitter:    emitter,
		logger:     logger,
		ejector:    deps.Ejector,
		freeSpace:  freeSpace,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	c.engine = transfer.NewEngine(fsys, emitter, deps.Logger, deps.Engine...)
	return c, nil
}

// Emit receives volume monitor events, acts on them and forwards them.
func (c *Controller) Emit(evt events.Event) {
	switch evt.Type {
	case events.TypeCardDetected:
		c.onCardDetected(evt)
	case events.TypeCardRemoved:
		c.onCardRemoved(evt)
	default:
		c.emitter.Emit(evt)
	}
}

func (c *Controller) onCardDetected(evt events.Event) {
	if evt.IdentityAvailable {
		if last, ok := c.lastRecord(evt.CardID); ok {
			evt.LastDestination = last.Destination
		}
	}

	c.mu.Lock()
	busy := c.active != nil
	c.mu.Unlock()
	c.emitter.Emit(evt)
	if busy {
		c.log("info", fmt.Sprintf("Card '%s' detected, but a copy is already in progress.", evt.Name))
		return
	}

	info := &CardInfo{
		ID:                evt.CardID,
		Name:              evt.Name,
		Path:              evt.Path,
		IdentityAvailable: evt.IdentityAvailable,
		LastDestination:   evt.LastDestination,
	}
	c.scanCard(info)
	c.mu.Lock()
	c.card = info
	c.mu.Unlock()

	if len(info.Folders) == 0 {
		c.log("warn", "Card connected, but no media structures found.")
	}

	if !info.IdentityAvailable || info.LastDestination == "" {
		c.log("info", "No history for this card.")
		return
	}
	if parent := filepath.Dir(info.LastDestination); isDir(c.fs, parent) {
		c.log("info", fmt.Sprintf("History: Last copy was to '.../%s'", filepath.Base(parent)))
	}
	if c.cfg.Ingest.AutoCopy {
		c.autoCopy(info)
	}
}

func (c *Controller) onCardRemoved(evt events.Event) {
	c.mu.Lock()
	if c.card != nil && c.card.Path == evt.Path {
		c.card = nil
	}
	c.mu.Unlock()
	c.emitter.Emit(evt)
}

func (c *Controller) scanCard(info *CardInfo) {
	result := c.scanner.Scan(info.Path, c.patterns)
	info.Folders = result.Folders
	info.Brands = result.Brands
	for _, scanErr := range result.Errors {
		c.log("error", fmt.Sprintf("Error scanning directory %s: %v", scanErr.Path, scanErr.Err))
	}
	if result.Empty() {
		c.log("info", "No known camera folder structures found on this card.")
		return
	}
	lines := make([]string, 0, len(result.Brands))
	for _, brand := range result.Brands {
		lines = append(lines, "- "+brand)
	}
	c.log("info", "Found media structures for:\n"+strings.Join(lines, "\n"))
}

func (c *Controller) autoCopy(info *CardInfo) {
	c.log("info", "--- Auto-Copy Initiated ---")
	destination, err := c.resumeDestination(info.ID)
	if err != nil {
		c.log("error", "Auto-copy failed: Last destination is invalid.")
		logging.WarnWithContext(c.logger, "auto-copy skipped", "auto_copy_failed",
			logging.String(logging.FieldCardID, info.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "start a manual copy to choose a new destination"),
			logging.String(logging.FieldImpact, "card was not copied automatically"),
		)
		return
	}
	if _, err := c.Start(c.DefaultRequest(destination)); err != nil {
		c.logger.Warn("auto-copy start failed",
			logging.String(logging.FieldEventType, "auto_copy_start_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the activity log for the start failure"),
		)
	}
}

// DefaultRequest builds a request for destination from the ingest settings.
func (c *Controller) DefaultRequest(destination string) Request {
	return Request{
		Destination: destination,
		Verify:      c.cfg.Ingest.Verify,
		Mode:        c.cfg.Ingest.MediaMode,
		Continuous:  c.cfg.Ingest.Continuous,
	}
}

// ManualDestination resolves a subfolder of the destination root.
func (c *Controller) ManualDestination(subfolder string) (string, error) {
	subfolder = strings.TrimSpace(subfolder)
	if subfolder == "" {
		return "", ErrNoDestination
	}
	if filepath.IsAbs(subfolder) {
		return "", fmt.Errorf("subfolder %q must be relative to the destination root", subfolder)
	}
	clean := fileutil.SanitizeRelative(subfolder)
	if clean == "" {
		return "", fmt.Errorf("subfolder %q must be a plain name", subfolder)
	}
	return filepath.Join(c.cfg.Paths.DestinationRoot, clean), nil
}

// ResumeDestination returns where the active card was last copied to.
func (c *Controller) ResumeDestination() (string, error) {
	c.mu.Lock()
	card := c.card
	c.mu.Unlock()
	if card == nil {
		return "", ErrNoCard
	}
	if !card.IdentityAvailable {
		return "", fmt.Errorf("%w: card has no identity", history.ErrNoHistory)
	}
	return c.resumeDestination(card.ID)
}

func (c *Controller) resumeDestination(cardID string) (string, error) {
	if c.ledger == nil {
		return "", history.ErrNoHistory
	}
	return c.ledger.ResumeDestination(cardID)
}

// Start launches a copy session and returns its identifier.
func (c *Controller) Start(req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.log("warn", "A copy is already in progress.")
		return "", ErrBusy
	}

	sources := req.Sources
	var card *CardInfo
	if len(sources) == 0 {
		if c.card == nil {
			return "", ErrNoCard
		}
		if len(c.card.Folders) == 0 {
			return "", ErrNoMedia
		}
		card = c.card
		sources = append([]string(nil), c.card.Folders...)
	} else if c.card != nil && underPath(c.card.Path, sources) {
		card = c.card
	}

	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		return "", ErrNoDestination
	}
	destination = filepath.Clean(destination)
	mode := req.Mode
	if mode == "" {
		mode = c.cfg.Ingest.MediaMode
	}
	extensions, err := c.cfg.AllowedExtensions(mode)
	if err != nil {
		return "", err
	}
	if err := c.fs.MkdirAll(destination, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}

	r := &run{
		id:          uuid.NewString(),
		base:        destination,
		destination: destination,
		continuous:  req.Continuous,
		gate:        transfer.NewGate(),
		done:        make(chan struct{}),
	}
	if card != nil && card.IdentityAvailable {
		r.cardID = card.ID
	}
	runCtx, cancel := context.WithCancel(c.baseCtx)
	r.cancel = cancel
	c.active = r

	c.log("info", fmt.Sprintf("Starting copy to destination: %s", destination))
	if r.cardID != "" && c.ledger != nil {
		if _, err := c.ledger.Append(r.cardID, history.Record{Destination: destination, Status: transfer.StatusInProgress}); err != nil {
			c.log("error", fmt.Sprintf("Could not save copy history: %v", err))
		}
		card.LastDestination = destination
	}
	c.emitter.Emit(events.Event{
		Type:        events.TypeSessionStarted,
		CardID:      r.cardID,
		SessionID:   r.id,
		Destination: destination,
	})
	c.logger.Info("copy session started",
		logging.String(logging.FieldEventType, "session_started"),
		logging.String(logging.FieldSessionID, r.id),
		logging.String(logging.FieldCardID, r.cardID),
		logging.String("destination", destination),
		logging.Bool("continuous", req.Continuous),
		logging.Bool("verify", req.Verify),
		logging.String("mode", mode),
	)

	planReq := planner.Request{
		Sources:     sources,
		Destination: destination,
		Extensions:  extensions,
		Continuous:  req.Continuous,
		DumpPrefix:  c.cfg.Ingest.DumpPrefix,
	}
	go c.execute(runCtx, r, planReq, req.Verify)
	return r.id, nil
}

func (c *Controller) execute(ctx context.Context, r *run, req planner.Request, verify bool) {
	defer close(r.done)
	defer r.cancel()
	// The slot stays taken until Finished has been emitted so the next
	// session's events cannot overtake it.
	defer c.release(r)

	if req.Continuous {
		c.emitSession(r, events.Log("info", "Continuous dump mode. Scanning previous dumps..."))
	}
	c.emitSession(r, events.Log("info", "Scanning card for new files..."))

	plan, err := c.planner.Plan(ctx, req)
	if err != nil {
		status := transfer.StatusError
		if ctx.Err() != nil {
			status = transfer.StatusCanceled
		} else {
			c.emitSession(r, events.Log("error", fmt.Sprintf("FATAL ERROR during copy: %v", err)))
		}
		result := transfer.Result{Status: status, Destination: req.Destination, Err: err}
		c.finish(r, result)
		c.emitSession(r, events.Event{Type: events.TypeFinished, Status: status, Destination: req.Destination})
		return
	}
	r.destination = plan.Destination

	c.engine.Run(ctx, transfer.Session{
		ID:       r.id,
		CardID:   r.cardID,
		Plan:     plan,
		Verify:   verify,
		Gate:     r.gate,
		Finalize: func(result transfer.Result) { c.finish(r, result) },
	})
}

// finish runs before the engine emits Finished.
func (c *Controller) finish(r *run, result transfer.Result) {
	if r.cardID != "" && c.ledger != nil {
		if err := c.ledger.UpdateLast(r.cardID, result.Status); err != nil {
			c.emitSession(r, events.Log("error", "Could not update history for a finished copy."))
		}
	}
	if c.index != nil && r.continuous && len(result.Items) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.index.Record(ctx, r.base, filepath.Base(result.Destination), result.Items); err != nil {
			logging.WarnWithContext(c.logger, "dump index update failed", "dump_index_record_failed",
				logging.String("destination", r.base),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the next continuous copy will rescan the destination"),
			)
			_ = c.index.Forget(ctx, r.base)
		}
		cancel()
	}

	outcome := &Outcome{
		SessionID:   r.id,
		Status:      result.Status,
		Copied:      result.Copied,
		Failed:      result.Failed,
		Destination: result.Destination,
		Summary:     result.Summary,
		FinishedAt:  time.Now(),
	}
	c.mu.Lock()
	c.last = outcome
	c.mu.Unlock()

	c.emitSession(r, events.Log("info", fmt.Sprintf("Operation finished with status: %s", result.Status)))
	c.logger.Info("copy session closed",
		logging.String(logging.FieldEventType, "session_finished"),
		logging.String(logging.FieldSessionID, r.id),
		logging.String("status", result.Status),
		logging.String("free_space", c.FreeSpace()),
	)
}

func (c *Controller) release(r *run) {
	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
}

// Cancel stops the active session and releases a paused gate.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return ErrIdle
	}
	c.emitSession(r, events.Log("info", "Cancel signal received. Stopping..."))
	r.cancel()
	if r.gate.Resume() {
		c.emitSession(r, events.Event{Type: events.TypePauseState, Paused: false})
	}
	return nil
}

// TogglePause flips the pause gate and reports the new state.
func (c *Controller) TogglePause() (bool, error) {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return false, ErrIdle
	}
	paused := r.gate.Toggle()
	message := "Resumed copy process."
	if paused {
		message = "Paused copy process."
	}
	c.emitSession(r, events.Log("info", message))
	c.emitSession(r, events.Event{Type: events.TypePauseState, Paused: paused})
	return paused, nil
}

// Eject ejects the active card when no copy is running.
func (c *Controller) Eject(ctx context.Context) error {
	c.mu.Lock()
	busy := c.active != nil
	card := c.card
	c.mu.Unlock()
	if busy {
		return ErrBusy
	}
	if card == nil || c.ejector == nil {
		return ErrNoCard
	}
	return c.ejector.Eject(ctx)
}

// Rescan re-reads the active card's media folders.
func (c *Controller) Rescan() (CardInfo, error) {
	c.mu.Lock()
	card := c.card
	c.mu.Unlock()
	if card == nil {
		return CardInfo{}, ErrNoCard
	}
	info := *card
	c.scanCard(&info)
	c.mu.Lock()
	if c.card == card {
		c.card = &info
	}
	c.mu.Unlock()
	if len(info.Folders) == 0 {
		c.log("warn", "Card connected, but no media structures found.")
	}
	return info, nil
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	status := Status{Last: c.last}
	if c.card != nil {
		card := *c.card
		status.Card = &card
	}
	if r := c.active; r != nil {
		status.Busy = true
		status.Paused = r.gate.Paused()
		status.SessionID = r.id
		status.Destination = r.destination
	}
	c.mu.Unlock()
	status.FreeSpace = c.FreeSpace()
	return status
}

// FreeSpace formats the free space of the destination root.
func (c *Controller) FreeSpace() string {
	free, err := c.freeSpace(c.cfg.Paths.DestinationRoot)
	return preflight.FormatFreeSpace(free, err)
}

// Wait blocks until the active session, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any active session and waits for it to finish.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	c.baseCancel()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lastRecord(cardID string) (history.Record, bool) {
	if c.ledger == nil || cardID == "" {
		return history.Record{}, false
	}
	record, ok, err := c.ledger.Last(cardID)
	if err != nil {
		c.logger.Warn("history read failed",
			logging.String(logging.FieldEventType, "history_read_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the history file for corruption"),
		)
		return history.Record{}, false
	}
	return record, ok
}

func (c *Controller) log(level, message string) {
	c.emitter.Emit(events.Log(level, message))
}

func (c *Controller) emitSession(r *run, evt events.Event) {
	evt.SessionID = r.id
	evt.CardID = r.cardID
	c.emitter.Emit(evt)
}

func isDir(fsys afero.Fs, path string) bool {
	ok, err := afero.DirExists(fsys, path)
	return err == nil && ok
}

func underPath(root string, paths []string) bool {
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return false
		}
	}
	return true
}

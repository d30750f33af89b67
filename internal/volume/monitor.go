package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"offload/internal/events"
	"offload/internal/identity"
	"offload/internal/logging"
)

// ErrNoCard reports an operation that needs an active card.
var ErrNoCard = errors.New("no card present")

// Card is the volume currently tracked by the monitor.
type Card struct {
	Path              string
	Device            string
	Name              string
	ID                identity.ID
	IdentityAvailable bool
}

// Volume returns the mounted volume backing c.
func (c Card) Volume() Volume {
	return Volume{Path: c.Path, Device: c.Device, Label: c.Name}
}

// WakeSource triggers an immediate poll when something may have changed.
type WakeSource interface {
	Name() string
	Run(ctx context.Context, wake func()) error
}

// Monitor polls for removable volumes and tracks a single active card.
type Monitor struct {
	enum    Enumerator
	ids     *identity.Store
	emitter events.Emitter
	logger  *slog.Logger
	clock   clockwork.Clock
	ejector Ejector
	wakers  []WakeSource

	interval         time.Duration
	suppression      time.Duration
	enumerateTimeout time.Duration
	detectExisting   bool

	mu            sync.Mutex
	active        *Card
	previous      map[string]struct{}
	baselined     bool
	suppressUntil time.Time
	ejected       *Card

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the polling and suppression clock.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithPollInterval sets the poll period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithEjectSuppression sets how long detach detection pauses after Eject.
func WithEjectSuppression(d time.Duration) Option {
	return func(m *Monitor) { m.suppression = d }
}

// WithEnumerateTimeout bounds each enumeration call.
func WithEnumerateTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.enumerateTimeout = d }
}

// WithEjector sets the ejector used by Eject.
func WithEjector(e Ejector) Option {
	return func(m *Monitor) { m.ejector = e }
}

// WithDetectExisting treats volumes mounted before the first poll as new.
func WithDetectExisting(enabled bool) Option {
	return func(m *Monitor) { m.detectExisting = enabled }
}

// WithWakeSources adds sources that trigger immediate polls.
func WithWakeSources(sources ...WakeSource) Option {
	return func(m *Monitor) {
		for _, src := range sources {
			if src != nil {
				m.wakers = append(m.wakers, src)
			}
		}
	}
}

// NewMonitor builds a monitor. Events go to emitter.
func NewMonitor(enum Enumerator, ids *identity.Store, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Monitor {
	if emitter == nil {
		emitter = events.Discard
	}
	if ids == nil {
		ids = identity.NewStore(nil)
	}
	m := &Monitor{
		enum:             enum,
		ids:              ids,
		emitter:          emitter,
		logger:           logging.NewComponentLogger(logger, "volume-monitor"),
		clock:            clockwork.NewRealClock(),
		ejector:          NewEjector(),
		interval:         2 * time.Second,
		suppression:      3 * time.Second,
		enumerateTimeout: 5 * time.Second,
		previous:         make(map[string]struct{}),
		wake:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = 2 * time.Second
	}
	return m
}

// Start launches the poll loop and wake sources.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil || m.enum == nil {
		return errors.New("volume monitor unavailable")
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("volume monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, src := range m.wakers {
		m.wg.Add(1)
		go m.runWakeSource(runCtx, src)
	}
	m.wg.Add(1)
	go m.loop(runCtx)

	m.logger.Info("volume monitor started",
		logging.String(logging.FieldEventType, "volume_monitor_started"),
		logging.Duration("poll_interval", m.interval),
		logging.Int("wake_sources", len(m.wakers)),
	)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.runMu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("volume monitor stopped", logging.String(logging.FieldEventType, "volume_monitor_stopped"))
}

// Wake requests an immediate poll.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Active returns the tracked card.
func (m *Monitor) Active() (Card, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Card{}, false
	}
	return *m.active, true
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Poll(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Poll(ctx)
		case <-m.wake:
			m.Poll(ctx)
		}
	}
}

func (m *Monitor) runWakeSource(ctx context.Context, src WakeSource) {
	defer m.wg.Done()
	if err := src.Run(ctx, m.Wake); err != nil && ctx.Err() == nil {
		m.logger.Warn("wake source stopped; relying on polling",
			logging.String("source", src.Name()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "wake_source_failed"),
			logging.String(logging.FieldErrorHint, "check permissions for netlink sockets and mount directories"),
			logging.String(logging.FieldImpact, "card detection falls back to the poll interval"),
		)
	}
}

// Poll runs one detection pass and emits the resulting events.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	out := m.pollLocked(ctx)
	m.mu.Unlock()
	for _, evt := range out {
		m.emitter.Emit(evt)
	}
}

func (m *Monitor) pollLocked(ctx context.Context) []events.Event {
	var out []events.Event
	if !m.suppressUntil.IsZero() {
		if m.clock.Now().Before(m.suppressUntil) {
			return nil
		}
		m.suppressUntil = time.Time{}
		if m.ejected != nil {
			out = append(out, removedEvent(*m.ejected))
			m.ejected = nil
		}
	}

	volumes, err := m.enumerate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("volume enumeration failed; will retry",
				logging.Error(err),
				logging.String(logging.FieldEventType, "volume_enumerate_failed"),
				logging.String(logging.FieldErrorHint, "check monitor.mount_roots and mount permissions"),
			)
		}
		return out
	}

	current := make(map[string]struct{}, len(volumes))
	for _, v := range volumes {
		current[v.Path] = struct{}{}
	}

	if !m.baselined {
		m.baselined = true
		if !m.detectExisting {
			m.previous = current
			m.logger.Debug("volume baseline recorded", logging.Int("volumes", len(current)))
			return out
		}
	}

	switch {
	case m.active != nil:
		if _, ok := current[m.active.Path]; !ok {
			card := *m.active
			m.active = nil
			m.logger.Info("card removed",
				logging.String(logging.FieldEventType, "card_removed"),
				logging.String(logging.FieldCardID, string(card.ID)),
				logging.String(logging.FieldVolume, card.Path),
			)
			out = append(out, events.Log("info", fmt.Sprintf("Card at '%s' removed.", card.Path)), removedEvent(card))
		}
	default:
		var fresh []Volume
		for _, v := range volumes {
			if _, seen := m.previous[v.Path]; !seen {
				fresh = append(fresh, v)
			}
		}
		if len(fresh) > 0 {
			sort.Slice(fresh, func(i, j int) bool { return fresh[i].Path < fresh[j].Path })
			card, detected := m.detect(ctx, fresh[0])
			m.active = &card
			out = append(out, detected...)
		}
	}

	m.previous = current
	return out
}

func (m *Monitor) enumerate(ctx context.Context) ([]Volume, error) {
	if m.enumerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.enumerateTimeout)
		defer cancel()
	}
	return m.enum.Mounted(ctx)
}

func (m *Monitor) detect(ctx context.Context, v Volume) (Card, []events.Event) {
	if v.Label == "" {
		if labeler, ok := m.enum.(Labeler); ok {
			v.Label = labeler.Label(ctx, v)
		}
	}
	card := Card{Path: v.Path, Device: v.Device, Name: v.Name()}
	var out []events.Event

	id, found, err := m.ids.Read(v.Path)
	switch {
	case err != nil:
		out = append(out, events.Log("error", fmt.Sprintf("ERROR: Could not read ID file. %v", err)))
	case found:
		card.ID, card.IdentityAvailable = id, true
		out = append(out, events.Log("info", fmt.Sprintf("Found existing ID file on card: %s", id)))
	default:
		out = append(out, events.Log("info", "No ID file found. Tagging card with a new unique ID."))
		id, err = m.ids.Resolve(v.Path)
		if err != nil {
			out = append(out, events.Log("error", fmt.Sprintf("ERROR: Could not write new ID file to card. %v", err)))
		} else {
			card.ID, card.IdentityAvailable = id, true
			out = append(out, events.Log("info", fmt.Sprintf("Successfully tagged card with ID: %s", id)))
		}
	}
	if err != nil {
		logging.WarnWithContext(m.logger, "card identity unavailable", "card_identity_unavailable",
			logging.String(logging.FieldVolume, v.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "unlock the card's write-protect switch to enable history"),
			logging.String(logging.FieldImpact, "auto-copy and history are disabled for this card"),
		)
	}

	m.logger.Info("card detected",
		logging.String(logging.FieldEventType, "card_detected"),
		logging.String(logging.FieldCardID, string(card.ID)),
		logging.String(logging.FieldVolume, card.Path),
		logging.String("name", card.Name),
		logging.Bool("identity_available", card.IdentityAvailable),
	)
	out = append(out, events.Event{
		Type:              events.TypeCardDetected,
		CardID:            string(card.ID),
		Name:              card.Name,
		Path:              card.Path,
		IdentityAvailable: card.IdentityAvailable,
	})
	return card, out
}

// Eject releases the active card and suppresses detach detection for the
// configured window. A single CardRemoved is emitted when the window ends.
func (m *Monitor) Eject(ctx context.Context) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoCard
	}
	card := *m.active
	if err := m.ejector.Eject(ctx, card.Volume()); err != nil {
		m.mu.Unlock()
		logging.WarnWithContext(m.logger, "eject failed", "card_eject_failed",
			logging.String(logging.FieldVolume, card.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "close any program using the card and retry"),
			logging.String(logging.FieldImpact, "card is still mounted"),
		)
		m.emitter.Emit(events.Log("error", fmt.Sprintf("Could not eject '%s'. Reason: %v", card.Name, err)))
		return err
	}

	m.active = nil
	var out []events.Event
	if m.suppression > 0 {
		m.ejected = &card
		m.suppressUntil = m.clock.Now().Add(m.suppression)
	} else {
		out = append(out, removedEvent(card))
	}
	m.mu.Unlock()

	m.logger.Info("card ejected",
		logging.String(logging.FieldEventType, "card_ejected"),
		logging.String(logging.FieldCardID, string(card.ID)),
		logging.String(logging.FieldVolume, card.Path),
	)
	m.emitter.Emit(events.Log("info", fmt.Sprintf("Successfully ejected '%s'.", card.Name)))
	for _, evt := range out {
		m.emitter.Emit(evt)
	}
	return nil
}

func removedEvent(card Card) events.Event {
	return events.Event{
		Type:   events.TypeCardRemoved,
		CardID: string(card.ID),
		Name:   card.Name,
		Path:   card.Path,
	}
}

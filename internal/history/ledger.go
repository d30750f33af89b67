// Package history keeps the per-card ledger of copy operations in a JSON
// file shared by the daemon and the CLI.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/gofrs/flock"

	"offload/internal/logging"
	"offload/internal/planner"
)

// TimestampLayout is the layout of Record.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrInvalidDestination reports that a card's last destination can no
	// longer be resumed.
	ErrInvalidDestination = errors.New("invalid resume destination")
	// ErrNoHistory reports a card without records.
	ErrNoHistory = errors.New("no history for card")
	// ErrNotFound reports a delete that matched nothing.
	ErrNotFound = errors.New("history record not found")
)

// Record is one copy operation against a card.
type Record struct {
	Destination string `json:"destination"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
}

// Row flattens a record with its card for tabular export.
type Row struct {
	Card        string `csv:"card" json:"card"`
	Destination string `csv:"destination" json:"destination"`
	Timestamp   string `csv:"timestamp" json:"timestamp"`
	Status      string `csv:"status" json:"status"`
}

// Ledger persists records keyed by card identity. Every mutation rewrites
// the whole file under an exclusive file lock.
type Ledger struct {
	path   string
	lock   *flock.Flock
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
	prefix string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDumpPrefix sets the continuous-mode folder prefix that resume
// resolves to its parent.
func WithDumpPrefix(prefix string) Option {
	return func(l *Ledger) { l.prefix = prefix }
}

// Open returns a ledger backed by path. The file is created on first write.
func Open(path string, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	l := &Ledger{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.NewComponentLogger(logger, "history"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append adds record to card's list. An empty timestamp is set to now.
func (l *Ledger) Append(card string, record Record) (Record, error) {
	card = strings.TrimSpace(card)
	if card == "" {
		return Record{}, errors.New("card identity is required")
	}
	if record.Timestamp == "" {
		record.Timestamp = l.now().Format(TimestampLayout)
	}
	err := l.mutate(func(data map[string][]Record) error {
		data[card] = append(data[card], record)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	l.logger.Debug("history record appended",
		logging.String(logging.FieldCardID, card),
		logging.String("destination", record.Destination),
		logging.String("status", record.Status),
	)
	return record, nil
}

// UpdateLast sets the status of card's most recent record. A card without
// records is left untouched.
func (l *Ledger) UpdateLast(card, status string) error {
	return l.mutate(func(data map[string][]Record) error {
		records := data[card]
		if len(records) == 0 {
			return nil
		}
		records[len(records)-1].Status = status
		return nil
	})
}

// All returns every card's records.
func (l *Ledger) All() (map[string][]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock history: %w", err)
	}
	defer l.unlock()
	return l.load()
}

// Get returns card's records in insertion order.
func (l *Ledger) Get(card string) ([]Record, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	return all[card], nil
}

// Last returns card's most recent record.
func (l *Ledger) Last(card string) (Record, bool, error) {
	records, err := l.Get(card)
	if err != nil || len(records) == 0 {
		return Record{}, false, err
	}
	return records[len(records)-1], true, nil
}

// Delete removes card's records stamped with timestamp.
func (l *Ledger) Delete(card, timestamp string) error {
	return l.mutate(func(data map[string][]Record) error {
		records := data[card]
		kept := records[:0]
		for _, record := range records {
			if record.Timestamp != timestamp {
				kept = append(kept, record)
			}
		}
		if len(kept) == len(records) {
			return fmt.Errorf("%w: %s at %s", ErrNotFound, card, timestamp)
		}
		if len(kept) == 0 {
			delete(data, card)
		} else {
			data[card] = kept
		}
		return nil
	})
}

// DeleteAll removes every record for card.
func (l *Ledger) DeleteAll(card string) error {
	return l.mutate(func(data map[string][]Record) error {
		if _, ok := data[card]; !ok {
			return fmt.Errorf("%w: %s", ErrNoHistory, card)
		}
		delete(data, card)
		return nil
	})
}

// ResumeDestination returns the base destination of card's most recent
// record. A destination that names a dump folder resolves to its parent.
// The result's parent directory must still exist.
func (l *Ledger) ResumeDestination(card string) (string, error) {
	last, ok, err := l.Last(card)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(last.Destination) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoHistory, card)
	}
	return ResolveResume(last.Destination, l.prefix)
}

// ResolveResume applies the resume rule to a recorded destination. An empty
// prefix selects the default dump folder name.
func ResolveResume(destination, prefix string) (string, error) {
	destination = filepath.Clean(destination)
	if planner.IsDumpFolder(filepath.Base(destination), prefix) {
		destination = filepath.Dir(destination)
	}
	parent := filepath.Dir(destination)
	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidDestination, destination)
	}
	return destination, nil
}

// Rows flattens the ledger sorted by card then timestamp.
func (l *Ledger) Rows() ([]Row, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	cards := make([]string, 0, len(all))
	for card := range all {
		cards = append(cards, card)
	}
	sort.Strings(cards)
	var rows []Row
	for _, card := range cards {
		for _, record := range all[card] {
			rows = append(rows, Row{Card: card, Destination: record.Destination, Timestamp: record.Timestamp, Status: record.Status})
		}
	}
	return rows, nil
}

// ExportCSV writes the ledger as CSV with a header row.
func (l *Ledger) ExportCSV(w io.Writer) error {
	rows, err := l.Rows()
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []Row{}
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("export history: %w", err)
	}
	return nil
}

func (l *Ledger) mutate(fn func(map[string][]Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("lock history: %w", err)
	}
	defer l.unlock()

	data, err := l.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	if err := l.save(data); err != nil {
		logging.WarnWithContext(l.logger, "history write failed", "history_write_failed",
			logging.String("path", l.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the history file directory"),
			logging.String(logging.FieldImpact, "copy history was not updated"),
		)
		return err
	}
	return nil
}

func (l *Ledger) unlock() {
	if err := l.lock.Unlock(); err != nil {
		l.logger.Debug("history unlock failed", logging.Error(err))
	}
}

func (l *Ledger) load() (map[string][]Record, error) {
	data := make(map[string][]Record)
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return data, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	for card, records := range data {
		if len(records) == 0 {
			delete(data, card)
		}
	}
	return data, nil
}

func (l *Ledger) save(data map[string][]Record) error {
	raw, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

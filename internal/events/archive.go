package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Archive journals events as JSON lines so IPC readers can replay a run even
// after the in-memory hub rolls over. One archive file is written per daemon
// run.
type Archive struct {
	path string
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenArchive creates (or truncates) the journal at path. An empty path
// disables archiving and returns a nil archive.
func OpenArchive(path string) (*Archive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", trimmed, err)
	}
	return &Archive{path: trimmed, file: file, enc: json.NewEncoder(file)}, nil
}

// Append writes evt to the archive. Write failures are dropped so the hub
// keeps publishing while the disk is unavailable.
func (a *Archive) Append(evt Event) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		a.file = file
		a.enc = json.NewEncoder(file)
	}
	_ = a.enc.Encode(evt)
}

// ReadSince returns archived events newer than since along with the cursor
// for the next read. Limit bounds the number of events returned (0 means
// unlimited).
func (a *Archive) ReadSince(since uint64, limit int) ([]Event, uint64, error) {
	if a == nil {
		return nil, since, nil
	}
	file, err := os.Open(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, since, nil
		}
		return nil, since, fmt.Errorf("open archive %s: %w", a.path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var result []Event
	cursor := since
	for {
		var evt Event
		if err := decoder.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, cursor, fmt.Errorf("decode archive %s: %w", a.path, err)
		}
		if evt.Sequence <= since {
			continue
		}
		result = append(result, evt)
		cursor = evt.Sequence
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, cursor, nil
}

// Path returns the on-disk location backing the archive.
func (a *Archive) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Close releases the archive file handle.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.file != nil {
		err = a.file.Close()
	}
	a.file = nil
	a.enc = nil
	return err
}

// Package identity gives a removable card a stable identifier by persisting a
// small marker file at the volume root.
//
// The marker survives remounts and mount-point changes, so history can be
// keyed by the physical card rather than by /media/<label>. Cards whose
// marker cannot be read or written are reported as unavailable; callers fall
// back to a history-less mode instead of failing the copy.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MarkerName is the file written at the volume root.
const MarkerName = ".lovewave_id"

// maxMarkerSize bounds marker reads; anything larger is not ours.
const maxMarkerSize = 256

// ErrIdentityUnavailable reports that a card cannot carry an identifier.
var ErrIdentityUnavailable = errors.New("card identity unavailable")

// ID is an opaque, stable card token.
type ID string

// String returns the token.
func (id ID) String() string { return string(id) }

// Store reads and writes card markers.
type Store struct {
	fs    afero.Fs
	newID func() string
}

// NewStore returns a Store over fsys. A nil fsys selects the OS filesystem.
func NewStore(fsys afero.Fs) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, newID: func() string { return uuid.NewString() }}
}

// Read returns the identity stored on the volume. The boolean is false when
// no usable marker exists yet.
func (s *Store) Read(volumeRoot string) (ID, bool, error) {
	path := filepath.Join(volumeRoot, MarkerName)
	info, err := s.lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: stat marker: %w", ErrIdentityUnavailable, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", false, fmt.Errorf("%w: marker %s is a symlink", ErrIdentityUnavailable, path)
	}
	if !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("%w: marker %s is not a regular file", ErrIdentityUnavailable, path)
	}
	if info.Size() > maxMarkerSize {
		return "", false, fmt.Errorf("%w: marker %s exceeds %d bytes", ErrIdentityUnavailable, path, maxMarkerSize)
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return "", false, fmt.Errorf("%w: read marker: %w", ErrIdentityUnavailable, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", false, nil
	}
	return ID(token), true, nil
}

// Resolve returns the card's identity, creating and persisting a fresh
// UUIDv4 when the marker is absent or blank.
func (s *Store) Resolve(volumeRoot string) (ID, error) {
	id, ok, err := s.Read(volumeRoot)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	token := s.newID()
	path := filepath.Join(volumeRoot, MarkerName)
	if err := afero.WriteFile(s.fs, path, []byte(token), 0o644); err != nil {
		return "", fmt.Errorf("%w: write marker: %w", ErrIdentityUnavailable, err)
	}
	return ID(token), nil
}

func (s *Store) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := s.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return s.fs.Stat(path)
}

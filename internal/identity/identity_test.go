package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

func TestResolveCreatesMarkerAndIsIdempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/media/CARD", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store := NewStore(fsys)

	first, err := store.Resolve("/media/CARD")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := uuid.Parse(first.String()); err != nil {
		t.Fatalf("expected uuid token, got %q", first)
	}
	data, err := afero.ReadFile(fsys, "/media/CARD/"+MarkerName)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	if string(data) != first.String() {
		t.Fatalf("marker content %q != %q", data, first)
	}

	second, err := store.Resolve("/media/CARD")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second != first {
		t.Fatalf("Resolve not idempotent: %q vs %q", first, second)
	}
}

func TestResolveTrimsExistingMarker(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/vol/"+MarkerName, []byte("  card-42\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, err := NewStore(fsys).Resolve("/vol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "card-42" {
		t.Fatalf("expected trimmed token, got %q", id)
	}
}

func TestResolveReplacesBlankMarker(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/vol/"+MarkerName, []byte("   \n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewStore(fsys)
	store.newID = func() string { return "fresh" }
	id, err := store.Resolve("/vol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "fresh" {
		t.Fatalf("expected fresh token, got %q", id)
	}
}

func TestResolveReadOnlyVolumeIsUnavailable(t *testing.T) {
	base := afero.NewMemMapFs()
	if err := base.MkdirAll("/vol", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := NewStore(afero.NewReadOnlyFs(base)).Resolve("/vol")
	if !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestReadRejectsOversizeMarker(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/vol/"+MarkerName, []byte(strings.Repeat("x", maxMarkerSize+1)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := NewStore(fsys).Read("/vol"); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestReadRejectsSymlinkMarker(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "elsewhere")
	if err := os.WriteFile(target, []byte("stolen"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(dir, MarkerName)); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := NewStore(afero.NewOsFs()).Resolve(dir); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable for symlink, got %v", err)
	}
}

func TestReadMissingMarker(t *testing.T) {
	_, ok, err := NewStore(afero.NewMemMapFs()).Read("/nothing")
	if err != nil || ok {
		t.Fatalf("expected absent marker, got ok=%v err=%v", ok, err)
	}
}

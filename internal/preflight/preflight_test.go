package preflight

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"offload/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestFreeBytesAndFormat(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	if err != nil {
		t.Fatalf("FreeBytes: %v", err)
	}
	if got := FormatFreeSpace(free, nil); !strings.HasSuffix(got, " GB Free") {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatFreeSpace(5*1024*1024*1024+512*1024*1024, nil); got != "5.5 GB Free" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatFreeSpace(0, fs.ErrNotExist); got != "Destination Not Found" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatFreeSpace(0, errors.New("io")); got != "Space Error" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestCheckFreeSpaceThreshold(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected pass: %s", result.Detail)
	}
	if result := CheckFreeSpace("space", dir, ^uint64(0)); result.Passed {
		t.Fatal("expected failure for impossible threshold")
	}
}

func TestRunAll(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DestinationRoot = t.TempDir()
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "missing")
	results := RunAll(t.Context(), &cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	if !results[0].Passed || results[1].Passed {
		t.Fatalf("unexpected results: %+v", results)
	}
}

package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestCopyFilePreservesModeAndMtime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "C0001.MP4")
	dst := filepath.Join(dir, "out", "C0001.MP4")
	if err := os.WriteFile(src, []byte("clip data"), 0o640); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := CopyFile(afero.NewOsFs(), src, dst)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if n != int64(len("clip data")) {
		t.Fatalf("unexpected byte count %d", n)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "clip data" {
		t.Fatalf("content mismatch: %q", got)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected mode 0640, got %o", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Fatalf("expected mtime %s, got %s", mtime, info.ModTime())
	}
	if _, err := os.Stat(dst + partialSuffix); !os.IsNotExist(err) {
		t.Fatal("partial file should be renamed away")
	}
}

func TestCopyFileOverwritesExisting(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/src/A.JPG", []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, "/dst/A.JPG", []byte("old and longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CopyFile(fsys, "/src/A.JPG", "/dst/A.JPG"); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, _ := afero.ReadFile(fsys, "/dst/A.JPG")
	if string(got) != "new" {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if _, err := CopyFile(fsys, "/nope", "/dst"); err == nil {
		t.Fatal("expected error for missing source")
	}
	if ok, _ := afero.Exists(fsys, "/dst"+partialSuffix); ok {
		t.Fatal("no partial file should be created")
	}
}

func TestCopyFileReadOnlyDestination(t *testing.T) {
	base := afero.NewMemMapFs()
	if err := afero.WriteFile(base, "/src/A.JPG", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CopyFile(afero.NewReadOnlyFs(base), "/src/A.JPG", "/dst/A.JPG"); err == nil {
		t.Fatal("expected write error on read-only filesystem")
	}
}

func TestSanitizeRelative(t *testing.T) {
	cases := map[string]string{
		"Wedding: Day 1":      "Wedding- Day 1",
		"2026/ Shoot?/":       filepath.Join("2026", "Shoot"),
		"./a//b":              filepath.Join("a", "b"),
		"../escape":           "",
		"  ":                  "",
		`clips\B*cam "final"`: "clips-B-cam final",
	}
	for in, want := range cases {
		if got := SanitizeRelative(in); got != want {
			t.Fatalf("SanitizeRelative(%q) = %q, want %q", in, got, want)
		}
	}
}

package testsupport

import (
	"bytes"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

// CardFile is one file placed on a fake card, relative to the card root.
type CardFile struct {
	Rel  string
	Size int64
}

// MakeCard writes files under root on the OS filesystem and returns root.
func MakeCard(t testing.TB, root string, files ...CardFile) string {
	t.Helper()
	return MakeCardFS(t, afero.NewOsFs(), root, files...)
}

// MakeCardFS writes files under root on fsys. Each file repeats its own name
// so two files of equal size still differ. A size <= 0 writes a single byte.
func MakeCardFS(t testing.TB, fsys afero.Fs, root string, files ...CardFile) string {
	t.Helper()
	for _, f := range files {
		target := filepath.Join(root, filepath.FromSlash(f.Rel))
		if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", target, err)
		}
		size := f.Size
		if size <= 0 {
			size = 1
		}
		name := []byte(path.Base(f.Rel))
		body := bytes.Repeat(name, int(size)/len(name)+1)[:size]
		if err := afero.WriteFile(fsys, target, body, 0o644); err != nil {
			t.Fatalf("write %s: %v", target, err)
		}
	}
	return root
}

// CanonCard lays out a Canon card with two stills and one clip.
func CanonCard(t testing.TB, root string) string {
	t.Helper()
	return MakeCard(t, root,
		CardFile{Rel: "DCIM/100CANON/IMG_0001.JPG", Size: 2048},
		CardFile{Rel: "DCIM/100CANON/IMG_0002.JPG", Size: 3072},
		CardFile{Rel: "DCIM/100CANON/MVI_0003.MP4", Size: 8192},
	)
}

// SonyCard lays out a Sony XAVC card with clips under PRIVATE/M4ROOT/CLIP.
func SonyCard(t testing.TB, root string) string {
	t.Helper()
	return MakeCard(t, root,
		CardFile{Rel: "PRIVATE/M4ROOT/CLIP/C0001.MP4", Size: 4096},
		CardFile{Rel: "PRIVATE/M4ROOT/CLIP/C0002.MP4", Size: 6144},
		CardFile{Rel: "PRIVATE/M4ROOT/CLIP/C0001M01.XML", Size: 128},
	)
}

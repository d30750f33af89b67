package testsupport

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
)

func TestMakeCardFSWritesSizedDistinctFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	MakeCardFS(t, fsys, "/card",
		CardFile{Rel: "DCIM/100CANON/IMG_0001.JPG", Size: 64},
		CardFile{Rel: "DCIM/100CANON/IMG_0002.JPG", Size: 64},
		CardFile{Rel: "MISC/empty.txt"},
	)

	first, err := afero.ReadFile(fsys, "/card/DCIM/100CANON/IMG_0001.JPG")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, err := afero.ReadFile(fsys, "/card/DCIM/100CANON/IMG_0002.JPG")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 64 || len(second) != 64 {
		t.Fatalf("unexpected sizes %d and %d", len(first), len(second))
	}
	if bytes.Equal(first, second) {
		t.Fatal("equal-sized files should have different content")
	}
	if info, err := fsys.Stat("/card/MISC/empty.txt"); err != nil || info.Size() != 1 {
		t.Fatalf("zero size should write one byte: %v %v", info, err)
	}
}

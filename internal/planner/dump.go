package planner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultDumpPrefix names continuous-mode folders.
const DefaultDumpPrefix = "Dump"

// NextDumpFolder returns <base>/<prefix> N for the lowest N >= 1 that does
// not exist yet. Gaps are reused: Dump 1 and Dump 3 yield Dump 2.
func NextDumpFolder(fsys afero.Fs, base, prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultDumpPrefix
	}
	for n := 1; ; n++ {
		candidate := filepath.Join(base, fmt.Sprintf("%s %d", prefix, n))
		if !exists(fsys, candidate) {
			return candidate
		}
	}
}

// IsDumpFolder reports whether name looks like a dump folder under any
// prefix casing, e.g. "dump 4".
func IsDumpFolder(name, prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultDumpPrefix
	}
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix)+" ")
}

func exists(fsys afero.Fs, path string) bool {
	if lstater, ok := fsys.(afero.Lstater); ok {
		_, _, err := lstater.LstatIfPossible(path)
		return err == nil
	}
	_, err := fsys.Stat(path)
	return err == nil
}

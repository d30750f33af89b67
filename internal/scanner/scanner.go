// Package scanner matches known camera folder layouts on a mounted card and
// resolves the concrete source folders to ingest.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"offload/internal/config"
	"offload/internal/logging"
)

// Pattern is one compiled camera folder layout.
type Pattern struct {
	Kind    string
	Brand   string
	Anchor  string
	Matcher *regexp.Regexp
	Subpath string
}

// Compile turns configured patterns into matchers. Matching is
// case-insensitive and anchored at the start of the directory name only.
func Compile(patterns []config.Pattern) ([]Pattern, error) {
	out := make([]Pattern, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(`(?i)^(?:` + p.Match + `)`)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, p.Brand, err)
		}
		anchor := strings.ToUpper(strings.TrimSpace(p.Anchor))
		if anchor == "" {
			anchor = config.AnchorVolume
		}
		out = append(out, Pattern{
			Kind:    p.Kind,
			Brand:   p.Brand,
			Anchor:  anchor,
			Matcher: re,
			Subpath: strings.Trim(p.Subpath, "/"),
		})
	}
	return out, nil
}

// ScanIOError reports a directory that could not be listed.
type ScanIOError struct {
	Path string
	Err  error
}

func (e *ScanIOError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *ScanIOError) Unwrap() error { return e.Err }

// Result lists the resolved source folders and the brands they matched.
type Result struct {
	Folders []string
	Brands  []string
	Errors  []*ScanIOError
}

// Empty reports whether no media folders were found.
func (r Result) Empty() bool { return len(r.Folders) == 0 }

// Scanner walks card layouts through an afero filesystem.
type Scanner struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New returns a Scanner over fsys. A nil fsys selects the OS filesystem.
func New(fsys afero.Fs, logger *slog.Logger) *Scanner {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Scanner{
		fs:     fsys,
		logger: logging.NewComponentLogger(logger, "scanner"),
	}
}

// Scan resolves source folders under volumeRoot. Folders come back sorted and
// deduplicated; listing failures skip only the affected anchor.
func (s *Scanner) Scan(volumeRoot string, patterns []Pattern) Result {
	var result Result
	if !s.isDir(volumeRoot) {
		return result
	}

	subpaths := subpathTable(patterns)
	seenFolders := make(map[string]struct{})
	seenBrands := make(map[string]struct{})
	listings := make(map[string][]fs.FileInfo)
	failed := make(map[string]struct{})

	for _, p := range patterns {
		anchor, ok := s.resolveAnchor(volumeRoot, p.Anchor)
		if !ok {
			continue
		}
		if _, skip := failed[anchor]; skip {
			continue
		}
		entries, cached := listings[anchor]
		if !cached {
			var err error
			entries, err = afero.ReadDir(s.fs, anchor)
			if err != nil {
				scanErr := &ScanIOError{Path: anchor, Err: err}
				result.Errors = append(result.Errors, scanErr)
				failed[anchor] = struct{}{}
				logging.WarnWithContext(s.logger, "card directory listing failed; skipping", "scan_io_error",
					logging.String("path", anchor),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check card health and mount permissions"),
					logging.String(logging.FieldImpact, "media under this directory is not offered for copy"),
				)
				continue
			}
			listings[anchor] = entries
		}

		for _, entry := range entries {
			if !entry.IsDir() || !p.Matcher.MatchString(entry.Name()) {
				continue
			}
			folder := filepath.Join(anchor, entry.Name())
			if nested, ok := subpaths[upperKey(entry.Name())]; ok {
				folder = filepath.Join(anchor, filepath.FromSlash(nested))
			}
			if !s.isDir(folder) {
				continue
			}
			seenBrands[p.Brand] = struct{}{}
			if _, dup := seenFolders[folder]; dup {
				continue
			}
			seenFolders[folder] = struct{}{}
			result.Folders = append(result.Folders, folder)
		}
	}

	sort.Strings(result.Folders)
	for brand := range seenBrands {
		if brand != "" {
			result.Brands = append(result.Brands, brand)
		}
	}
	sort.Strings(result.Brands)
	return result
}

// subpathTable keys nested clip paths by the upper-cased name of the folder
// that owns them, so any pattern matching PRIVATE resolves to its CLIP dir.
func subpathTable(patterns []Pattern) map[string]string {
	table := make(map[string]string)
	for _, p := range patterns {
		if p.Subpath == "" {
			continue
		}
		head, _, _ := strings.Cut(path.Clean(p.Subpath), "/")
		table[upperKey(head)] = p.Subpath
	}
	return table
}

func upperKey(name string) string {
	return cases.Upper(language.Und).String(name)
}

func (s *Scanner) resolveAnchor(root, anchor string) (string, bool) {
	switch anchor {
	case config.AnchorDCIM:
		dir := filepath.Join(root, "DCIM")
		return dir, s.isDir(dir)
	case config.AnchorRoot:
		dir := filepath.Join(root, "ROOT")
		if s.isDir(dir) {
			return dir, true
		}
		return root, true
	default:
		return root, true
	}
}

func (s *Scanner) isDir(path string) bool {
	info, err := s.fs.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("stat failed", logging.String("path", path), logging.Error(err))
		}
		return false
	}
	return info.IsDir()
}

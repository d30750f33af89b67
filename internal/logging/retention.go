package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RetentionTarget specifies a directory and filename pattern to prune.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Exclude []string
}

// CleanupOldFiles removes files matching the provided targets that are older
// than retentionDays and returns how many were removed. A retentionDays value
// of 0 disables pruning. The daemon uses it for per-run event archives; the
// rotating log file is aged out by its own writer.
func CleanupOldFiles(logger *slog.Logger, now time.Time, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0

	for _, target := range targets {
		dir := strings.TrimSpace(target.Dir)
		if dir == "" {
			continue
		}
		excluded := make(map[string]struct{}, len(target.Exclude))
		for _, path := range target.Exclude {
			if abs, err := filepath.Abs(strings.TrimSpace(path)); err == nil {
				excluded[abs] = struct{}{}
			}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if pat := strings.TrimSpace(target.Pattern); pat != "" {
				if matched, err := filepath.Match(pat, entry.Name()); err != nil || !matched {
					continue
				}
			}
			fullPath := filepath.Join(dir, entry.Name())
			if abs, err := filepath.Abs(fullPath); err == nil {
				fullPath = abs
			}
			if _, skip := excluded[fullPath]; skip {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(fullPath); err != nil {
				WarnWithContext(logger, "retention remove failed; file remains", "retention_failed",
					String("path", fullPath),
					Error(err),
					String(FieldErrorHint, "check file permissions on the state directory"),
					String(FieldImpact, "old file remains on disk"),
				)
				continue
			}
			removed++
			if logger != nil {
				logger.Debug("pruned old file",
					String("path", fullPath),
					String(FieldEventType, "file_pruned"),
				)
			}
		}
	}
	return removed
}

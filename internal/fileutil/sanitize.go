package fileutil

import (
	"path/filepath"
	"strings"
)

// nameReplacer swaps characters that exFAT and FAT32 destinations reject.
var nameReplacer = strings.NewReplacer(
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeSegment makes one path segment safe for removable destinations.
func SanitizeSegment(name string) string {
	return strings.TrimSpace(nameReplacer.Replace(strings.TrimSpace(name)))
}

// SanitizeRelative cleans a slash-separated relative path segment by
// segment, dropping empty and "." segments. It returns "" when nothing
// usable remains or when a segment is "..".
func SanitizeRelative(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = SanitizeSegment(part)
		switch part {
		case "", ".":
			continue
		case "..":
			return ""
		}
		kept = append(kept, part)
	}
	return filepath.Join(kept...)
}

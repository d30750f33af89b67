// Package volume watches for removable media, tracks the active card and
// ejects it on request.
package volume

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Volume is one mounted filesystem that may hold a card.
type Volume struct {
	Path   string
	Device string
	FSType string
	Label  string
}

// Name is the label when known, else the mount directory name.
func (v Volume) Name() string {
	if label := strings.TrimSpace(v.Label); label != "" {
		return label
	}
	return filepath.Base(v.Path)
}

// Enumerator lists currently mounted candidate volumes.
type Enumerator interface {
	Mounted(ctx context.Context) ([]Volume, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(ctx context.Context) ([]Volume, error)

// Mounted calls f.
func (f EnumeratorFunc) Mounted(ctx context.Context) ([]Volume, error) { return f(ctx) }

// Labeler resolves a volume's filesystem label on demand.
type Labeler interface {
	Label(ctx context.Context, v Volume) string
}

type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.Output()
}

var systemFSTypes = map[string]struct{}{
	"sysfs": {}, "proc": {}, "devtmpfs": {}, "devpts": {}, "tmpfs": {},
	"cgroup": {}, "cgroup2": {}, "overlay": {}, "squashfs": {}, "autofs": {},
	"fuse.gvfsd-fuse": {}, "fusectl": {}, "debugfs": {}, "tracefs": {},
	"securityfs": {}, "pstore": {}, "bpf": {}, "mqueue": {}, "hugetlbfs": {},
	"configfs": {}, "binfmt_misc": {}, "nsfs": {}, "ramfs": {},
}

var systemVolumeNames = []string{"Macintosh HD", "Preboot", "Recovery", "VM", "Data", "System", "Update"}

type diskEnumerator struct {
	roots  []string
	runner commandRunner
}

// NewEnumerator returns an Enumerator over mounts below roots.
func NewEnumerator(roots []string) Enumerator {
	cleaned := make([]string, 0, len(roots))
	for _, root := range roots {
		if root = strings.TrimSpace(root); root != "" {
			cleaned = append(cleaned, filepath.Clean(root))
		}
	}
	return &diskEnumerator{roots: cleaned, runner: execCommandRunner{}}
}

func (e *diskEnumerator) Mounted(ctx context.Context) ([]Volume, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("enumerate partitions: %w", err)
	}
	seen := make(map[string]struct{}, len(partitions))
	volumes := make([]Volume, 0, len(partitions))
	for _, part := range partitions {
		if !e.candidate(part) {
			continue
		}
		path := filepath.Clean(part.Mountpoint)
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		volumes = append(volumes, Volume{
			Path:   path,
			Device: part.Device,
			FSType: part.Fstype,
		})
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Path < volumes[j].Path })
	return volumes, nil
}

func (e *diskEnumerator) candidate(part disk.PartitionStat) bool {
	if _, system := systemFSTypes[part.Fstype]; system {
		return false
	}
	if isSystemVolumeName(filepath.Base(part.Mountpoint)) {
		return false
	}
	return underRoots(e.roots, part.Mountpoint)
}

// Label looks up the filesystem label for v. It falls back to an empty
// string when the platform has no lookup or the lookup fails.
func (e *diskEnumerator) Label(ctx context.Context, v Volume) string {
	return lookupLabel(ctx, e.runner, v)
}

func lookupLabel(ctx context.Context, runner commandRunner, v Volume) string {
	if runtime.GOOS != "linux" || strings.TrimSpace(v.Device) == "" || runner == nil {
		return ""
	}
	output, err := runner.Output(ctx, "lsblk", "-P", "-o", "LABEL", v.Device)
	if err != nil {
		return ""
	}
	return parseLsblkLabel(string(output))
}

func parseLsblkLabel(output string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if label := parseKeyValueLine(line)["LABEL"]; label != "" {
			return label
		}
	}
	return ""
}

// parseKeyValueLine splits lsblk -P output such as LABEL="EOS R5" FSTYPE="exfat".
func parseKeyValueLine(line string) map[string]string {
	result := make(map[string]string)
	for len(line) > 0 {
		line = strings.TrimLeft(line, " \t")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			break
		}
		key := line[:eq]
		rest := line[eq+1:]
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, line = rest[1:], ""
			} else {
				value, line = rest[1:end+1], rest[end+2:]
			}
		} else {
			end := strings.IndexAny(rest, " \t")
			if end < 0 {
				value, line = rest, ""
			} else {
				value, line = rest[:end], rest[end:]
			}
		}
		result[key] = value
	}
	return result
}

func isSystemVolumeName(name string) bool {
	for _, sys := range systemVolumeNames {
		if name == sys || strings.HasPrefix(name, sys+" ") {
			return true
		}
	}
	return false
}

func underRoots(roots []string, mountpoint string) bool {
	if len(roots) == 0 {
		return true
	}
	mountpoint = filepath.Clean(mountpoint)
	for _, root := range roots {
		if mountpoint == root {
			continue
		}
		rel, err := filepath.Rel(root, mountpoint)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

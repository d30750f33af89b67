package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sys/unix"

	"offload/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// FreeBytes reports the space available to unprivileged writers at path.
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return usage.Free, nil
}

// FormatFreeSpace renders free space for status displays, e.g. "118.4 GB Free".
func FormatFreeSpace(free uint64, err error) string {
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "Destination Not Found"
		}
		return "Space Error"
	}
	return fmt.Sprintf("%.1f GB Free", float64(free)/(1024*1024*1024))
}

// CheckFreeSpace passes when path has at least minBytes available.
func CheckFreeSpace(name, path string, minBytes uint64) Result {
	free, err := FreeBytes(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	detail := fmt.Sprintf("%s (%s free)", path, humanize.IBytes(free))
	if free < minBytes {
		return Result{Name: name, Detail: detail + fmt.Sprintf(", need %s", humanize.IBytes(minBytes))}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckSystemDeps reports the availability of the platform helpers used for
// volume labels and eject.
func CheckSystemDeps() []deps.Status {
	return deps.CheckBinaries(deps.PlatformTools(runtime.GOOS))
}

// Package fileutil holds the low-level copy used by the transfer engine.
package fileutil

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// partialSuffix marks a destination that is still being written.
const partialSuffix = ".offload-partial"

// CopyFile streams src to dst through fsys and carries over the source's
// permission bits and modification time. The data is written beside dst and
// renamed into place, so an interrupted copy never leaves a truncated file
// under the final name. It returns the number of bytes written.
func CopyFile(fsys afero.Fs, src, dst string) (int64, error) {
	info, err := fsys.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("copy %s: not a regular file", src)
	}

	in, err := fsys.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + partialSuffix
	out, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && written != info.Size() {
		err = fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return written, err
	}

	if err := fsys.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = fsys.Remove(tmp)
		return written, fmt.Errorf("set mode: %w", err)
	}
	mtime := info.ModTime()
	if err := fsys.Chtimes(tmp, mtime, mtime); err != nil {
		_ = fsys.Remove(tmp)
		return written, fmt.Errorf("set mtime: %w", err)
	}
	if err := fsys.Rename(tmp, dst); err != nil {
		_ = fsys.Remove(tmp)
		return written, fmt.Errorf("rename into place: %w", err)
	}
	return written, nil
}

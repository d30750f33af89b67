// Package verify re-reads copied files and compares source and destination
// content hashes, stopping at the first problem.
package verify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"offload/internal/events"
	"offload/internal/logging"
	"offload/internal/planner"
)

// ChunkSize is the read size used while hashing.
const ChunkSize = 4096

// Report summarizes a verification pass.
type Report struct {
	OK      bool
	Checked int
	// Failure describes the first problem when OK is false.
	Failure string
}

// Verifier hashes files through an afero filesystem.
type Verifier struct {
	fs      afero.Fs
	emitter events.Emitter
	logger  *slog.Logger
}

// New returns a Verifier. A nil fsys selects the OS filesystem and a nil
// emitter discards events.
func New(fsys afero.Fs, emitter events.Emitter, logger *slog.Logger) *Verifier {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Verifier{fs: fsys, emitter: emitter, logger: logging.NewComponentLogger(logger, "verify")}
}

// Verify checks items in order. It stops at the first missing file,
// mismatch, unreadable file or cancellation; OK is true only when every item
// matched.
func (v *Verifier) Verify(ctx context.Context, items []planner.Item) Report {
	v.log("info", "Starting file verification...")
	v.emitter.Emit(events.Verification("Verifying copied files..."))

	total := len(items)
	report := Report{}
	for i, item := range items {
		if ctx.Err() != nil {
			return v.fail(report, "Verification cancelled.")
		}
		name := filepath.Base(item.Source)
		report.Checked = i + 1
		v.emitter.Emit(events.Verification(fmt.Sprintf("Verifying %d/%d: %s", i+1, total, name)))

		if _, err := v.fs.Stat(item.Dest); err != nil {
			return v.fail(report, fmt.Sprintf("VERIFY FAILED: File '%s' was not found in destination.", name))
		}
		srcHash, err := v.hash(ctx, item.Source)
		if err != nil {
			return v.hashFailure(ctx, report, item.Source, err)
		}
		dstHash, err := v.hash(ctx, item.Dest)
		if err != nil {
			return v.hashFailure(ctx, report, item.Dest, err)
		}
		if srcHash != dstHash {
			v.logger.Debug("checksum mismatch",
				logging.String("source", item.Source),
				logging.String("source_md5", srcHash),
				logging.String("dest_md5", dstHash),
			)
			return v.fail(report, fmt.Sprintf("VERIFY FAILED: Checksum mismatch for '%s'.", name))
		}
	}

	report.OK = true
	v.log("info", "Verification successful: All files match.")
	v.emitter.Emit(events.Verification("Verification Complete!"))
	return report
}

func (v *Verifier) hashFailure(ctx context.Context, report Report, path string, err error) Report {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return v.fail(report, "Verification cancelled.")
	}
	v.logger.Warn("hash read failed", logging.String("path", path), logging.Error(err))
	return v.fail(report, fmt.Sprintf("ERROR: Could not read file for hashing: %s", path))
}

func (v *Verifier) fail(report Report, message string) Report {
	report.OK = false
	report.Failure = message
	v.log("error", message)
	return report
}

func (v *Verifier) log(level, message string) {
	v.emitter.Emit(events.Log(level, message))
	if level == "error" {
		v.logger.Warn(message, logging.String(logging.FieldEventType, "verification_failed"))
		return
	}
	v.logger.Info(message)
}

// hash returns the hex MD5 of path, checking ctx between chunks.
func (v *Verifier) hash(ctx context.Context, path string) (string, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

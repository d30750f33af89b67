package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const maxLineBytes = 1024 * 1024

// TailOptions selects what Tail reads. A negative Offset reads the last
// Limit lines; otherwise reading starts at Offset. Follow with a positive
// Wait blocks up to Wait for new lines when none are available.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from the log at path. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	if opts.Wait < 0 {
		opts.Wait = 0
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	var result TailResult
	if opts.Offset < 0 {
		result.Lines, result.Offset, err = readLastLines(path, opts.Limit)
	} else {
		offset := opts.Offset
		// A shorter file means lumberjack rotated it; start over.
		if offset > info.Size() {
			offset = 0
		}
		result.Lines, result.Offset, err = readForward(path, offset)
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, err
	}
	if opts.Follow && opts.Wait > 0 && len(result.Lines) == 0 {
		return waitForLines(ctx, path, result.Offset, opts.Wait)
	}
	return result, nil
}

func readLastLines(path string, limit int) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		offset, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, offset, nil
	}

	ring := make([]string, limit)
	count, next := 0, 0
	offset, err := scanLines(file, func(line string) {
		ring[next] = line
		next = (next + 1) % limit
		if count < limit {
			count++
		}
	})
	if err != nil {
		return nil, 0, err
	}

	lines := make([]string, count)
	start := 0
	if count == limit {
		start = next
	}
	for i := range lines {
		lines[i] = ring[(start+i)%limit]
	}
	return lines, offset, nil
}

func readForward(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	read, err := scanLines(file, func(line string) { lines = append(lines, line) })
	if err != nil {
		return nil, 0, err
	}
	return lines, offset + read, nil
}

// scanLines feeds complete lines to fn and returns the bytes consumed. A
// trailing partial line is left for the next read.
func scanLines(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			consumed += int64(len(line))
			if len(line) <= maxLineBytes {
				fn(line[:len(line)-1])
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		return consumed, fmt.Errorf("read log file: %w", err)
	}
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	result := TailResult{Offset: offset}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var changes <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			changes = watcher.Events
			watchErrs = watcher.Errors
		}
	}
	// Polling covers filesystems without inotify support.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		lines, next, err := readForward(path, result.Offset)
		if err != nil {
			return result, err
		}
		if len(lines) > 0 {
			return TailResult{Lines: lines, Offset: next}, nil
		}
		result.Offset = next

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timer.C:
			return result, nil
		case evt, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if filepath.Clean(evt.Name) != filepath.Clean(path) {
				continue
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				result.Offset = 0
			}
		case <-watchErrs:
		case <-poll.C:
		}
	}
}

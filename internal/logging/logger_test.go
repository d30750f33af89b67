package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConsoleHandlerFormatsComponentAndCard(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "console", Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger = NewComponentLogger(logger, "transfer")
	ctx := WithCardID(context.Background(), "3f2a9c1e-0000-4000-8000-000000000000")
	WithContext(ctx, logger).Info("Copying 1 of 2 files... (50%)", Int("copied", 1))

	line := buf.String()
	for _, want := range []string{"INFO", "[transfer]", "card 3f2a9c1e", "Copying 1 of 2 files... (50%)", "copied=1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "card_id=") {
		t.Fatalf("card id should render as subject, not field: %q", line)
	}
}

func TestConsoleHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewWritesRotatingJSONFileWithRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "offload.log")
	logger, closer, err := New(Options{
		Level:     "debug",
		Console:   io.Discard,
		FilePath:  path,
		MaxSizeMB: 1,
		RunID:     "run-123",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("card detected", String(FieldCardID, "abc"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "card detected" || record[FieldRunID] != "run-123" || record[FieldCardID] != "abc" {
		t.Fatalf("unexpected record: %v", record)
	}
	if record["level"] != "info" {
		t.Fatalf("expected lower-case level, got %v", record["level"])
	}
}

func TestFanoutHandlerDuplicatesRecords(t *testing.T) {
	var first, second bytes.Buffer
	h := newFanoutHandler(
		slog.NewJSONHandler(&first, &slog.HandlerOptions{Level: slog.LevelInfo}),
		nil,
		slog.NewJSONHandler(&second, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("component", "monitor")
	logger.Info("info only")
	logger.Warn("both")

	if !strings.Contains(first.String(), "info only") || !strings.Contains(first.String(), "both") {
		t.Fatalf("first handler missing records: %q", first.String())
	}
	if strings.Contains(second.String(), "info only") || !strings.Contains(second.String(), "both") {
		t.Fatalf("second handler should only see warnings: %q", second.String())
	}
	if !strings.Contains(second.String(), `"component":"monitor"`) {
		t.Fatalf("attrs should reach every handler: %q", second.String())
	}
}

func TestFanoutHandlerCollapsesTrivialSets(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}
	inner := slog.NewJSONHandler(io.Discard, nil)
	if newFanoutHandler(nil, inner) != inner {
		t.Fatal("expected single handler to be returned unwrapped")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WarnWithContext(logger, "history write failed", "history_write_failed", String(FieldImpact, "record lost"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record[FieldEventType] != "history_write_failed" {
		t.Fatalf("missing event type: %v", record)
	}
	if record[FieldErrorHint] == nil {
		t.Fatalf("missing error hint: %v", record)
	}
	if record[FieldImpact] != "record lost" {
		t.Fatalf("caller impact should win: %v", record)
	}
}

func TestCleanupOldFilesHonorsPatternAndExclusions(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-72 * time.Hour)

	write := func(name string, mtime time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write("events-a.jsonl", old)
	current := write("events-b.jsonl", old)
	fresh := write("events-c.jsonl", now)
	other := write("notes.txt", old)

	removed := CleanupOldFiles(NewNop(), now, 1, RetentionTarget{Dir: dir, Pattern: "events-*.jsonl", Exclude: []string{current}})
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale archive should be removed")
	}
	for _, path := range []string{current, fresh, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s should remain: %v", path, err)
		}
	}
	if CleanupOldFiles(nil, now, 0, RetentionTarget{Dir: dir}) != 0 {
		t.Fatal("zero retention should disable pruning")
	}
}

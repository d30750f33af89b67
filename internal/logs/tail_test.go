package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offload/internal/logs"
)

func TestTailLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offload.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("expected offset at end of file, got %d", result.Offset)
	}
}

func TestTailLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offload.log")
	if err := os.WriteFile(path, []byte("done\npart"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 0})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Offset != 5 {
		t.Fatalf("partial line should wait for its newline: %+v", result)
	}
}

func TestTailRestartsAfterRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offload.log")
	if err := os.WriteFile(path, []byte("fresh\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 4096})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "fresh" {
		t.Fatalf("expected rotated file to be read from the start: %#v", result.Lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "absent.log"), logs.TailOptions{Offset: -1, Limit: 5})
	if err != nil || len(result.Lines) != 0 {
		t.Fatalf("missing file should read as empty: %+v %v", result, err)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offload.log")
	if err := os.WriteFile(path, []byte("start\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("expected initial line, got %#v", result.Lines)
	}

	done := make(chan struct{})
	go func(offset int64) {
		defer close(done)
		res, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		if len(res.Lines) != 1 || res.Lines[0] != "later" {
			t.Errorf("unexpected follow lines: %#v", res.Lines)
		}
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("later\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}

func TestRenderFormatsJSONRecords(t *testing.T) {
	line := `{"ts":"2026-01-02T15:04:05Z","level":"warn","msg":"file copy failed; skipping","component":"transfer","card_id":"3f2a9c1e-0000","run_id":"r1","file":"IMG_0001.JPG"}`
	out, ok := logs.Render(line, logs.Filter{})
	if !ok {
		t.Fatal("expected record to render")
	}
	for _, want := range []string{"WARN [transfer] card 3f2a9c1e – file copy failed; skipping", "file=IMG_0001.JPG"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "run_id") {
		t.Fatalf("run id should be hidden: %q", out)
	}

	if _, ok := logs.Render(line, logs.Filter{Component: "monitor"}); ok {
		t.Fatal("component filter should reject the record")
	}
	if _, ok := logs.Render(line, logs.Filter{MinLevel: "error"}); ok {
		t.Fatal("level filter should reject a warning")
	}
	if _, ok := logs.Render(line, logs.Filter{CardID: "3f2a"}); !ok {
		t.Fatal("card prefix should match")
	}
	if out, ok := logs.Render("plain text", logs.Filter{}); !ok || out != "plain text" {
		t.Fatalf("plain lines should pass through: %q %v", out, ok)
	}
}

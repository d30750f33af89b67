package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	l, err := Open(filepath.Join(t.TempDir(), "state", "history.json"), nil, WithClock(clock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAppendUpdateAndPersistFormat(t *testing.T) {
	l := newLedger(t)
	rec, err := l.Append("card-a", Record{Destination: "/photos/Shoot", Status: "In Progress"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.Timestamp != "2026-03-14 09:30:01" {
		t.Fatalf("unexpected timestamp %q", rec.Timestamp)
	}
	if err := l.UpdateLast("card-a", "Completed"); err != nil {
		t.Fatalf("UpdateLast: %v", err)
	}

	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk map[string][]map[string]string
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("history file is not the expected JSON shape: %v", err)
	}
	got := onDisk["card-a"]
	if len(got) != 1 || got[0]["status"] != "Completed" || got[0]["destination"] != "/photos/Shoot" {
		t.Fatalf("unexpected file contents: %s", raw)
	}
	if _, err := os.Stat(l.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file should not remain")
	}
}

func TestUpdateLastWithoutRecordsIsNoop(t *testing.T) {
	l := newLedger(t)
	if err := l.UpdateLast("missing", "Completed"); err != nil {
		t.Fatalf("UpdateLast: %v", err)
	}
	all, err := l.All()
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty ledger, got %v (%v)", all, err)
	}
}

func TestDeleteRemovesEmptyKeys(t *testing.T) {
	l := newLedger(t)
	first, _ := l.Append("card-a", Record{Destination: "/a", Status: "Completed"})
	second, _ := l.Append("card-a", Record{Destination: "/b", Status: "Completed"})

	if err := l.Delete("card-a", first.Timestamp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	records, _ := l.Get("card-a")
	if len(records) != 1 || records[0].Timestamp != second.Timestamp {
		t.Fatalf("unexpected records: %+v", records)
	}
	if err := l.Delete("card-a", "1999-01-01 00:00:00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := l.Delete("card-a", second.Timestamp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, _ := l.All()
	if _, ok := all["card-a"]; ok {
		t.Fatal("card with no records should be removed")
	}
	if err := l.DeleteAll("card-a"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	l := newLedger(t)
	_, _ = l.Append("card-a", Record{Destination: "/a"})
	_, _ = l.Append("card-b", Record{Destination: "/b"})
	if err := l.DeleteAll("card-a"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	all, _ := l.All()
	if len(all) != 1 || len(all["card-b"]) != 1 {
		t.Fatalf("unexpected ledger: %v", all)
	}
}

func TestResumeDestination(t *testing.T) {
	root := t.TempDir()
	l := newLedger(t)

	if _, err := l.ResumeDestination("card-a"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}

	shoot := filepath.Join(root, "Shoot")
	_, _ = l.Append("card-a", Record{Destination: filepath.Join(shoot, "Dump 3")})
	got, err := l.ResumeDestination("card-a")
	if err != nil || got != shoot {
		t.Fatalf("dump destination should resume at its parent: %q (%v)", got, err)
	}

	_, _ = l.Append("card-a", Record{Destination: filepath.Join(root, "Wedding")})
	got, err = l.ResumeDestination("card-a")
	if err != nil || got != filepath.Join(root, "Wedding") {
		t.Fatalf("unexpected destination %q (%v)", got, err)
	}

	_, _ = l.Append("card-a", Record{Destination: filepath.Join(root, "gone", "Trip")})
	if _, err := l.ResumeDestination("card-a"); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
}

func TestResumeDestinationHonorsDumpPrefix(t *testing.T) {
	root := t.TempDir()
	l, err := Open(filepath.Join(t.TempDir(), "history.json"), nil, WithDumpPrefix("Offload"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	shoot := filepath.Join(root, "Shoot")
	_, _ = l.Append("card-a", Record{Destination: filepath.Join(shoot, "offload 2")})
	got, err := l.ResumeDestination("card-a")
	if err != nil || got != shoot {
		t.Fatalf("custom dump folder should resume at its parent: %q (%v)", got, err)
	}

	if err := os.MkdirAll(shoot, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err = ResolveResume(filepath.Join(shoot, "Dump 2"), "Offload")
	if err != nil || got != filepath.Join(shoot, "Dump 2") {
		t.Fatalf("default-named folder is not a dump under a custom prefix: %q (%v)", got, err)
	}
}

func TestExportCSV(t *testing.T) {
	l := newLedger(t)
	_, _ = l.Append("card-b", Record{Destination: "/b", Status: "Completed"})
	_, _ = l.Append("card-a", Record{Destination: "/a, with comma", Status: "Canceled"})

	var buf bytes.Buffer
	if err := l.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if lines[0] != "card,destination,timestamp,status" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], `card-a,"/a, with comma",`) {
		t.Fatalf("rows should be sorted by card and quoted: %q", lines[1])
	}
}

func TestLedgersShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	first, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = first.Append("card-a", Record{Destination: "/a", Status: "In Progress"})
	if err := second.UpdateLast("card-a", "Completed"); err != nil {
		t.Fatalf("UpdateLast: %v", err)
	}
	last, ok, err := first.Last("card-a")
	if err != nil || !ok || last.Status != "Completed" {
		t.Fatalf("writes through one ledger should be visible to the other: %+v %v %v", last, ok, err)
	}
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"offload/internal/events"
	"offload/internal/logging"
	"offload/internal/planner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makePlan(t *testing.T, fsys afero.Fs, dest string, names ...string) planner.Plan {
	t.Helper()
	plan := planner.Plan{Destination: dest}
	for i, name := range names {
		src := "/card/DCIM/100CANON/" + name
		body := strings.Repeat(fmt.Sprint(i), 100*(i+1))
		if err := afero.WriteFile(fsys, src, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", src, err)
		}
		rel := filepath.Join("100CANON", name)
		plan.Items = append(plan.Items, planner.Item{
			Source: src,
			Size:   int64(len(body)),
			Rel:    rel,
			Dest:   filepath.Join(dest, rel),
		})
		plan.TotalBytes += int64(len(body))
	}
	return plan
}

func lastEvent(t *testing.T, rec *events.Recorder) events.Event {
	t.Helper()
	all := rec.Events()
	if len(all) == 0 {
		t.Fatal("no events recorded")
	}
	return all[len(all)-1]
}

func TestRunCopiesAndSummarizes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "IMG_0001.JPG", "IMG_0002.jpg", "MVI_0003.MP4")
	var rec events.Recorder
	var finalized *Result
	engine := NewEngine(fsys, &rec, logging.NewNop())

	result := engine.Run(context.Background(), Session{
		ID:       "s1",
		CardID:   "card-1",
		Plan:     plan,
		Finalize: func(r Result) { finalized = &r },
	})

	if result.Status != StatusCompleted || result.Copied != 3 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Summary["JPG"] != 2 || result.Summary["MP4"] != 1 {
		t.Fatalf("unexpected summary: %v", result.Summary)
	}
	if finalized == nil || finalized.Status != StatusCompleted {
		t.Fatal("finalize should see the outcome")
	}
	for _, item := range plan.Items {
		got, err := afero.ReadFile(fsys, item.Dest)
		if err != nil {
			t.Fatalf("read %s: %v", item.Dest, err)
		}
		if int64(len(got)) != item.Size {
			t.Fatalf("%s: size %d, want %d", item.Dest, len(got), item.Size)
		}
	}

	progress := rec.OfType(events.TypeProgress)
	if len(progress) != 4 {
		t.Fatalf("expected 3 per-file updates and a final one, got %+v", progress)
	}
	if progress[0].Message != "Copying 1 of 3 files... (33%)" || progress[0].Percent != 33 {
		t.Fatalf("unexpected first progress: %+v", progress[0])
	}
	if progress[3].Percent != 100 || progress[3].Message != "Completed copy process." {
		t.Fatalf("unexpected final progress: %+v", progress[3])
	}

	last := lastEvent(t, &rec)
	if last.Type != events.TypeFinished || last.Status != StatusCompleted || last.SessionID != "s1" || last.CardID != "card-1" {
		t.Fatalf("finished must be last and stamped: %+v", last)
	}
	speeds := rec.OfType(events.TypeSpeed)
	if len(speeds) == 0 || speeds[len(speeds)-1].Speed != "" {
		t.Fatalf("speed should be cleared before finishing: %+v", speeds)
	}

	var logs []string
	for _, evt := range rec.OfType(events.TypeLog) {
		logs = append(logs, evt.Message)
	}
	joined := strings.Join(logs, "\n")
	for _, want := range []string{
		"Found 3 new files to copy to 'Shoot'.",
		"Copied: IMG_0001.JPG",
		"JPG = 2 Files",
		"MP4 = 1 Files",
		"Total Files Copied = 3",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing log %q in:\n%s", want, joined)
		}
	}
}

func TestRunEmptyPlan(t *testing.T) {
	var rec events.Recorder
	result := NewEngine(afero.NewMemMapFs(), &rec, nil).Run(context.Background(), Session{Plan: planner.Plan{Destination: "/dest"}})
	if result.Status != StatusNoNewFiles || result.Copied != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(rec.OfType(events.TypeProgress)) != 0 {
		t.Fatal("empty plan should not report progress")
	}
	if last := lastEvent(t, &rec); last.Type != events.TypeFinished || last.Status != StatusNoNewFiles {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestRunCancelAfterTwoOfFive(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG", "B.JPG", "C.JPG", "D.JPG", "E.JPG")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rec events.Recorder
	copied := 0
	canceledAt := -1
	emitter := events.EmitterFunc(func(evt events.Event) {
		rec.Emit(evt)
		if evt.Type == events.TypeLog && strings.HasPrefix(evt.Message, "Copied: ") {
			copied++
			if copied == 2 {
				cancel()
				canceledAt = len(rec.Events())
			}
		}
	})

	result := NewEngine(fsys, emitter, nil).Run(ctx, Session{Plan: plan})
	if result.Status != StatusCanceled || result.Copied != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	entries, err := afero.ReadDir(fsys, "/dest/Shoot/100CANON")
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly 2 files at destination, got %d", len(entries))
	}
	for _, evt := range rec.Events()[canceledAt:] {
		if evt.Type == events.TypeProgress {
			t.Fatalf("progress emitted after cancellation: %+v", evt)
		}
	}
	if last := lastEvent(t, &rec); last.Type != events.TypeFinished || last.Status != StatusCanceled {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestRunCanceledBeforeFirstFileLeavesNoDumpRoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Dump 2", "A.JPG", "B.JPG")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewEngine(fsys, nil, nil).Run(ctx, Session{Plan: plan})
	if result.Status != StatusCanceled || result.Copied != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if exists, _ := afero.DirExists(fsys, "/dest/Dump 2"); exists {
		t.Fatal("an unused dump folder should be removed")
	}
	if next := planner.NextDumpFolder(fsys, "/dest", "Dump"); next != filepath.Join("/dest", "Dump 1") {
		t.Fatalf("dump number should not be consumed, next is %q", next)
	}
}

func TestRunKeepsExistingRootWhenNothingCopied(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG")
	if err := fsys.MkdirAll("/dest/Shoot", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fsys.Remove(plan.Items[0].Source); err != nil {
		t.Fatalf("remove: %v", err)
	}
	result := NewEngine(fsys, nil, nil).Run(context.Background(), Session{Plan: plan})
	if result.Copied != 0 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if exists, _ := afero.DirExists(fsys, "/dest/Shoot"); !exists {
		t.Fatal("a destination that existed before the run must be kept")
	}
}

func TestRunSkipsFailedFileAndContinues(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG", "B.JPG", "C.JPG")
	if err := fsys.Remove(plan.Items[1].Source); err != nil {
		t.Fatalf("remove: %v", err)
	}
	var rec events.Recorder
	result := NewEngine(fsys, &rec, nil).Run(context.Background(), Session{Plan: plan})
	if result.Status != StatusCompleted || result.Copied != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], os.ErrNotExist) {
		t.Fatalf("expected a not-exist per-file error, got %+v", result.Errors)
	}
	found := false
	for _, evt := range rec.OfType(events.TypeLog) {
		if strings.HasPrefix(evt.Message, "ERROR copying file B.JPG") {
			found = true
		}
	}
	if !found {
		t.Fatal("missing per-file error log")
	}
}

func TestRunFatalWhenDestinationUnwritable(t *testing.T) {
	base := afero.NewMemMapFs()
	plan := makePlan(t, base, "/dest/Shoot", "A.JPG")
	fsys := afero.NewReadOnlyFs(base)
	result := NewEngine(fsys, nil, nil).Run(context.Background(), Session{Plan: plan})
	if result.Status != StatusError || !errors.Is(result.Err, ErrFatal) {
		t.Fatalf("expected fatal error, got %+v", result)
	}
}

func TestRunWithVerification(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG", "B.MP4")
	var rec events.Recorder
	result := NewEngine(fsys, &rec, nil).Run(context.Background(), Session{Plan: plan, Verify: true})
	if result.Status != StatusCompletedVerified {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Verification == nil || result.Verification.Checked != 2 {
		t.Fatalf("unexpected verification: %+v", result.Verification)
	}
	if len(rec.OfType(events.TypeVerification)) == 0 {
		t.Fatal("expected verification updates")
	}
}

func TestRunWaitsWhilePaused(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG", "B.JPG")
	gate := NewGate()
	gate.Pause()

	done := make(chan Result, 1)
	go func() {
		done <- NewEngine(fsys, nil, nil).Run(context.Background(), Session{Plan: plan, Gate: gate})
	}()

	select {
	case <-done:
		t.Fatal("run finished while paused")
	case <-time.After(30 * time.Millisecond):
	}
	if exists, _ := afero.Exists(fsys, plan.Items[0].Dest); exists {
		t.Fatal("no file should be copied while paused")
	}
	gate.Resume()
	select {
	case result := <-done:
		if result.Status != StatusCompleted || result.Copied != 2 {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunCancelWhilePaused(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG")
	gate := NewGate()
	gate.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := NewEngine(fsys, nil, nil).Run(ctx, Session{Plan: plan, Gate: gate})
	if result.Status != StatusCanceled || result.Copied != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunReportsSpeedFromClock(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := makePlan(t, fsys, "/dest/Shoot", "A.JPG", "B.JPG")
	clock := clockwork.NewFakeClock()
	var rec events.Recorder
	emitter := events.EmitterFunc(func(evt events.Event) {
		rec.Emit(evt)
		if evt.Type == events.TypeLog && strings.HasPrefix(evt.Message, "Copied: ") {
			clock.Advance(time.Second)
		}
	})
	NewEngine(fsys, emitter, nil, WithClock(clock), WithSpeedInterval(0)).Run(context.Background(), Session{Plan: plan})

	speeds := rec.OfType(events.TypeSpeed)
	if len(speeds) < 2 {
		t.Fatalf("expected speed updates, got %+v", speeds)
	}
	// 100 bytes in one second.
	if speeds[0].Speed != "0.10 KB/s" {
		t.Fatalf("unexpected first speed: %q", speeds[0].Speed)
	}
}

func TestFormatSpeed(t *testing.T) {
	cases := map[float64]string{
		512:             "0.50 KB/s",
		1024 * 1024:     "1024.00 KB/s",
		3 * 1024 * 1024: "3.00 MB/s",
	}
	for in, want := range cases {
		if got := FormatSpeed(in); got != want {
			t.Fatalf("FormatSpeed(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestSummaryLinesSorted(t *testing.T) {
	lines := SummaryLines(map[string]int{"MP4": 1, "CR3": 4}, 5)
	want := []string{"CR3 = 4 Files", "MP4 = 1 Files", "Total Files Copied = 5"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", lines, want)
	}
}

package volume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"offload/internal/events"
	"offload/internal/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEnumerator struct {
	mu      sync.Mutex
	volumes []Volume
	err     error
	labels  map[string]string
}

func (f *fakeEnumerator) Mounted(context.Context) ([]Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Volume(nil), f.volumes...), f.err
}

func (f *fakeEnumerator) Label(_ context.Context, v Volume) string {
	return f.labels[v.Path]
}

func (f *fakeEnumerator) set(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = f.volumes[:0]
	for _, p := range paths {
		f.volumes = append(f.volumes, Volume{Path: p, Device: "/dev/" + p[len(p)-1:]})
	}
}

type fakeEjector struct {
	err   error
	calls []Volume
}

func (f *fakeEjector) Eject(_ context.Context, v Volume) error {
	f.calls = append(f.calls, v)
	return f.err
}

func newTestMonitor(t *testing.T, fsys afero.Fs, opts ...Option) (*Monitor, *fakeEnumerator, *events.Recorder, *clockwork.FakeClock) {
	t.Helper()
	enum := &fakeEnumerator{labels: map[string]string{}}
	rec := &events.Recorder{}
	clock := clockwork.NewFakeClock()
	all := append([]Option{WithClock(clock), WithEjectSuppression(3 * time.Second)}, opts...)
	m := NewMonitor(enum, identity.NewStore(fsys), rec, nil, all...)
	return m, enum, rec, clock
}

func mkdirs(t *testing.T, fsys afero.Fs, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := fsys.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}
}

func TestMonitorBaselineIgnoresExistingVolumes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a", "/media/b")
	m, enum, rec, _ := newTestMonitor(t, fsys)
	ctx := context.Background()

	enum.set("/media/a")
	m.Poll(ctx)
	if len(rec.OfType(events.TypeCardDetected)) != 0 {
		t.Fatal("volumes mounted before the first poll should not be detected")
	}

	enum.set("/media/a", "/media/b")
	m.Poll(ctx)
	detected := rec.OfType(events.TypeCardDetected)
	if len(detected) != 1 || detected[0].Path != "/media/b" || !detected[0].IdentityAvailable || detected[0].CardID == "" {
		t.Fatalf("unexpected detection: %+v", detected)
	}
	if detected[0].Name != "b" {
		t.Fatalf("name should fall back to mount directory: %q", detected[0].Name)
	}
	if ok, _ := afero.Exists(fsys, "/media/b/"+identity.MarkerName); !ok {
		t.Fatal("marker should be written to the card")
	}
}

func TestMonitorDetectExistingAndTieBreak(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/zeta", "/media/alpha")
	m, enum, rec, _ := newTestMonitor(t, fsys, WithDetectExisting(true))
	enum.labels["/media/alpha"] = "EOS_DIGITAL"

	enum.set("/media/zeta", "/media/alpha")
	m.Poll(context.Background())
	detected := rec.OfType(events.TypeCardDetected)
	if len(detected) != 1 || detected[0].Path != "/media/alpha" {
		t.Fatalf("lexically smallest path should win: %+v", detected)
	}
	if detected[0].Name != "EOS_DIGITAL" {
		t.Fatalf("label should be used as name: %q", detected[0].Name)
	}
	card, ok := m.Active()
	if !ok || card.Path != "/media/alpha" {
		t.Fatalf("unexpected active card: %+v", card)
	}
}

func TestMonitorRemovalEmitsOnce(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a")
	m, enum, rec, _ := newTestMonitor(t, fsys, WithDetectExisting(true))
	ctx := context.Background()

	enum.set("/media/a")
	m.Poll(ctx)
	enum.set()
	m.Poll(ctx)
	m.Poll(ctx)

	removed := rec.OfType(events.TypeCardRemoved)
	if len(removed) != 1 || removed[0].Path != "/media/a" {
		t.Fatalf("expected one removal, got %+v", removed)
	}
	if _, ok := m.Active(); ok {
		t.Fatal("slot should be cleared")
	}
}

func TestMonitorUnavailableIdentityStillDetects(t *testing.T) {
	base := afero.NewMemMapFs()
	mkdirs(t, base, "/media/locked")
	m, enum, rec, _ := newTestMonitor(t, afero.NewReadOnlyFs(base), WithDetectExisting(true))

	enum.set("/media/locked")
	m.Poll(context.Background())
	detected := rec.OfType(events.TypeCardDetected)
	if len(detected) != 1 || detected[0].IdentityAvailable || detected[0].CardID != "" {
		t.Fatalf("expected detection without identity, got %+v", detected)
	}
}

func TestMonitorEjectSuppressesDetach(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a")
	ejector := &fakeEjector{}
	m, enum, rec, clock := newTestMonitor(t, fsys, WithDetectExisting(true), WithEjector(ejector))
	ctx := context.Background()

	enum.set("/media/a")
	m.Poll(ctx)
	if err := m.Eject(ctx); err != nil {
		t.Fatalf("Eject: %v", err)
	}
	if len(ejector.calls) != 1 || ejector.calls[0].Path != "/media/a" {
		t.Fatalf("unexpected eject calls: %+v", ejector.calls)
	}
	if _, ok := m.Active(); ok {
		t.Fatal("slot should be cleared by eject")
	}

	enum.set()
	clock.Advance(time.Second)
	m.Poll(ctx)
	if n := len(rec.OfType(events.TypeCardRemoved)); n != 0 {
		t.Fatalf("removal should be suppressed inside the window, got %d", n)
	}

	clock.Advance(3 * time.Second)
	m.Poll(ctx)
	m.Poll(ctx)
	if n := len(rec.OfType(events.TypeCardRemoved)); n != 1 {
		t.Fatalf("expected a single removal after the window, got %d", n)
	}
}

func TestMonitorEjectErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a")
	ejector := &fakeEjector{err: errors.New("target is busy")}
	m, enum, _, _ := newTestMonitor(t, fsys, WithDetectExisting(true), WithEjector(ejector))
	ctx := context.Background()

	if err := m.Eject(ctx); !errors.Is(err, ErrNoCard) {
		t.Fatalf("expected ErrNoCard, got %v", err)
	}
	enum.set("/media/a")
	m.Poll(ctx)
	if err := m.Eject(ctx); err == nil {
		t.Fatal("expected eject failure")
	}
	if _, ok := m.Active(); !ok {
		t.Fatal("failed eject should keep the card")
	}
}

func TestMonitorEnumerationErrorKeepsState(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a")
	m, enum, rec, _ := newTestMonitor(t, fsys, WithDetectExisting(true))
	ctx := context.Background()
	enum.set("/media/a")
	m.Poll(ctx)

	enum.mu.Lock()
	enum.err = errors.New("boom")
	enum.mu.Unlock()
	m.Poll(ctx)
	if len(rec.OfType(events.TypeCardRemoved)) != 0 {
		t.Fatal("enumeration failure must not look like removal")
	}
}

func TestMonitorLoopPollsOnTickAndWake(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mkdirs(t, fsys, "/media/a", "/media/b")
	detected := make(chan events.Event, 4)
	enum := &fakeEnumerator{}
	clock := clockwork.NewFakeClock()
	emitter := events.EmitterFunc(func(evt events.Event) {
		if evt.Type == events.TypeCardDetected || evt.Type == events.TypeCardRemoved {
			detected <- evt
		}
	})
	m := NewMonitor(enum, identity.NewStore(fsys), emitter, nil,
		WithClock(clock), WithPollInterval(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker not created: %v", err)
	}

	enum.set("/media/a")
	clock.Advance(2 * time.Second)
	select {
	case evt := <-detected:
		if evt.Type != events.TypeCardDetected || evt.Path != "/media/a" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not trigger a poll")
	}

	enum.set()
	m.Wake()
	select {
	case evt := <-detected:
		if evt.Type != events.TypeCardRemoved {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger a poll")
	}
}

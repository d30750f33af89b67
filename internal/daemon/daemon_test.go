package daemon_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"offload/internal/daemon"
	"offload/internal/events"
	"offload/internal/history"
	"offload/internal/logging"
	"offload/internal/testsupport"
	"offload/internal/volume"
)

type staticVolumes struct {
	mu      sync.Mutex
	volumes []volume.Volume
}

func (s *staticVolumes) set(vols ...volume.Volume) {
	s.mu.Lock()
	s.volumes = vols
	s.mu.Unlock()
}

func (s *staticVolumes) Mounted(context.Context) ([]volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]volume.Volume(nil), s.volumes...), nil
}

type recordingEjector struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingEjector) Eject(_ context.Context, v volume.Volume) error {
	r.mu.Lock()
	r.paths = append(r.paths, v.Path)
	r.mu.Unlock()
	return nil
}

func newDaemon(t *testing.T, vols *staticVolumes, ejector volume.Ejector) (*daemon.Daemon, *events.Hub) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithAutoCopy())
	hub := events.NewHub(256, logging.NewNop())
	ledger, err := history.Open(cfg.Paths.HistoryFile, logging.NewNop(), history.WithDumpPrefix(cfg.Ingest.DumpPrefix))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	d, err := daemon.New(cfg, hub, ledger, nil, logging.NewNop(), daemon.Options{
		Enumerator:  vols,
		Ejector:     ejector,
		WakeSources: []volume.WakeSource{},
		FreeSpace:   func(string) (uint64, error) { return 1 << 30, nil },
		Monitor:     []volume.Option{volume.WithPollInterval(10 * time.Millisecond), volume.WithEjectSuppression(0), volume.WithDetectExisting(true)},
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d, hub
}

func waitForEvent(t *testing.T, hub *events.Hub, typ events.Type) events.Event {
	t.Helper()
	return waitFor(t, hub, func(evt events.Event) bool { return evt.Type == typ })
}

func waitFor(t *testing.T, hub *events.Hub, match func(events.Event) bool) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var since uint64
	for {
		batch, next, err := hub.Fetch(ctx, since, 0, true)
		if err != nil {
			t.Fatalf("waiting for event: %v", err)
		}
		for _, evt := range batch {
			if match(evt) {
				return evt
			}
		}
		since = next
	}
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newDaemon(t, &staticVolumes{}, &recordingEjector{})
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	status := d.Status()
	if !status.Running || status.PID == 0 || !strings.HasSuffix(status.LockFilePath, "offloadd.lock") {
		t.Fatalf("unexpected status: %+v", status)
	}
	d.Stop(ctx)
	if d.Status().Running {
		t.Fatal("daemon should report stopped")
	}
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	open := func() *daemon.Daemon {
		ledger, err := history.Open(cfg.Paths.HistoryFile, logging.NewNop(), history.WithDumpPrefix(cfg.Ingest.DumpPrefix))
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		d, err := daemon.New(cfg, events.NewHub(16, nil), ledger, nil, logging.NewNop(), daemon.Options{
			Enumerator:  &staticVolumes{},
			WakeSources: []volume.WakeSource{},
		})
		if err != nil {
			t.Fatalf("daemon.New: %v", err)
		}
		return d
	}
	first, second := open(), open()
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop(ctx)
	if err := second.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock conflict, got %v", err)
	}
}

func TestDaemonDetectsCardAndEjects(t *testing.T) {
	vols := &staticVolumes{}
	ejector := &recordingEjector{}
	d, hub := newDaemon(t, vols, ejector)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx)

	root := filepath.Join(t.TempDir(), "EOS_DIGITAL")
	testsupport.CanonCard(t, root)
	vols.set(volume.Volume{Path: root, Device: "/dev/sdz1"})
	d.Wake()

	detected := waitForEvent(t, hub, events.TypeCardDetected)
	if detected.Path != root || !detected.IdentityAvailable {
		t.Fatalf("unexpected detection: %+v", detected)
	}
	waitFor(t, hub, func(evt events.Event) bool {
		return evt.Type == events.TypeLog && evt.Message == "No history for this card."
	})
	if card := d.Status().Session.Card; card == nil || len(card.Folders) != 1 {
		t.Fatalf("controller should track the card: %+v", card)
	}

	if err := d.Controller().Eject(ctx); err != nil {
		t.Fatalf("Eject: %v", err)
	}
	ejector.mu.Lock()
	got := append([]string(nil), ejector.paths...)
	ejector.mu.Unlock()
	if len(got) != 1 || got[0] != root {
		t.Fatalf("unexpected eject calls: %v", got)
	}
	if d.Status().Session.Card != nil {
		t.Fatal("ejected card should be cleared")
	}
}

package ipc_test

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
	"offload/internal/ipc"
	"offload/internal/logging"
	"offload/internal/testsupport"
	"offload/internal/transfer"
	"offload/internal/volume"
)

type staticVolumes struct {
	mu      sync.Mutex
	volumes []volume.Volume
}

func (s *staticVolumes) Mounted(context.Context) ([]volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]volume.Volume(nil), s.volumes...), nil
}

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	logger := logging.NewNop()
	ledger, err := history.Open(cfg.Paths.HistoryFile, logger, history.WithDumpPrefix(cfg.Ingest.DumpPrefix))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	hub := events.NewHub(256, logger)

	root := filepath.Join(t.TempDir(), "EOS_DIGITAL")
	testsupport.CanonCard(t, root)
	vols := &staticVolumes{volumes: []volume.Volume{{Path: root}}}

	d, err := daemon.New(cfg, hub, ledger, nil, logger, daemon.Options{
		Enumerator:  vols,
		WakeSources: []volume.WakeSource{},
		FreeSpace:   func(string) (uint64, error) { return 2 << 30, nil },
		Monitor:     []volume.Option{volume.WithDetectExisting(true), volume.WithPollInterval(20 * time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background()) })

	socket := filepath.Join(cfg.Paths.StateDir, "offload.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	cursor := waitForMessage(t, client, 0, "No history for this card.")

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running || status.Card == nil || status.Card.Path != root {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.FreeSpace != "2.0 GB Free" {
		t.Fatalf("unexpected free space %q", status.FreeSpace)
	}
	cardID := status.Card.ID

	if _, err := client.StartOperation(ipc.StartOperationRequest{Subfolder: "a", Resume: true}); err == nil {
		t.Fatal("expected ambiguous destination to be rejected")
	}
	if _, err := client.TogglePause(); err == nil {
		t.Fatal("expected pause without session to fail")
	}

	started, err := client.StartOperation(ipc.StartOperationRequest{Subfolder: "shoot"})
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}
	if started.SessionID == "" || started.Destination != filepath.Join(cfg.Paths.DestinationRoot, "shoot") {
		t.Fatalf("unexpected start response: %+v", started)
	}
	cursor = waitForStatus(t, client, cursor, transfer.StatusCompleted)
	waitIdle(t, client)

	hist, err := client.History(cardID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist.Rows) != 1 || hist.Rows[0].Status != transfer.StatusCompleted {
		t.Fatalf("unexpected history: %+v", hist.Rows)
	}

	resumed, err := client.StartOperation(ipc.StartOperationRequest{Resume: true})
	if err != nil {
		t.Fatalf("resume StartOperation: %v", err)
	}
	if resumed.Destination != started.Destination {
		t.Fatalf("resume should reuse %q, got %q", started.Destination, resumed.Destination)
	}
	waitForStatus(t, client, cursor, transfer.StatusNoNewFiles)

	rescan, err := client.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	// Canon folders also satisfy the generic numeric Sony pattern.
	if strings.Join(rescan.Card.Brands, ",") != "Canon,Sony" {
		t.Fatalf("unexpected rescan: %+v", rescan.Card)
	}

	if _, err := client.DeleteHistory(ipc.DeleteHistoryRequest{CardID: cardID, All: true}); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	if _, err := client.DeleteHistory(ipc.DeleteHistoryRequest{CardID: cardID, All: true}); err == nil {
		t.Fatal("second delete should report no history")
	}
	hist, err = client.History("")
	if err != nil || len(hist.Rows) != 0 {
		t.Fatalf("expected empty history, got %+v (%v)", hist, err)
	}

	empty, err := client.Events(ipc.EventsRequest{Since: 1 << 40, WaitMillis: 20})
	if err != nil {
		t.Fatalf("Events wait: %v", err)
	}
	if len(empty.Events) != 0 {
		t.Fatalf("expected no events past the head, got %d", len(empty.Events))
	}
}

func waitForMessage(t *testing.T, client *ipc.Client, since uint64, message string) uint64 {
	t.Helper()
	return waitFor(t, client, since, func(evt events.Event) bool {
		return evt.Type == events.TypeLog && evt.Message == message
	})
}

func waitForStatus(t *testing.T, client *ipc.Client, since uint64, status string) uint64 {
	t.Helper()
	return waitFor(t, client, since, func(evt events.Event) bool {
		return evt.Type == events.TypeFinished && evt.Status == status
	})
}

func waitIdle(t *testing.T, client *ipc.Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := client.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if !status.Busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the session to close")
}

func waitFor(t *testing.T, client *ipc.Client, since uint64, match func(events.Event) bool) uint64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Events(ipc.EventsRequest{Since: since, WaitMillis: 200})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		for _, evt := range resp.Events {
			if match(evt) {
				return evt.Sequence
			}
		}
		since = resp.Next
	}
	t.Fatal("timed out waiting for event")
	return since
}

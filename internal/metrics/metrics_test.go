package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.IncPaymentCreated()
	m.IncPaymentCreated()
	m.IncRouteDropLoop()
	m.IncFisherCaptured()
	m.AddFisherReward(7)
	m.IncSyncSkipped()

	snap := m.Snapshot()
	if snap.Payments.Created != 2 {
		t.Fatalf("created=%d want 2", snap.Payments.Created)
	}
	if snap.Routing.DropLoop != 1 {
		t.Fatalf("drop_loop=%d want 1", snap.Routing.DropLoop)
	}
	if snap.Fisher.Rewards != 7 {
		t.Fatalf("rewards=%d want 7", snap.Fisher.Rewards)
	}
	if snap.Sync.Skipped != 1 {
		t.Fatalf("skipped=%d want 1", snap.Sync.Skipped)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatalf("missing generated_at")
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncFisherExecuted()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Fisher.Executed != 1 {
		t.Fatalf("executed=%d want 1", snap.Fisher.Executed)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

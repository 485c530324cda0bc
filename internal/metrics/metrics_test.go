package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.ObserveStorage("add", "offer", "aa", true, "")
	m.ObserveStorage("add", "offer", "aa", true, "")
	m.ObserveStorage("add", "offer", "aa", false, "duplicate")
	m.ObserveStorage("remove", "offer", "aa", true, "")
	m.AddExpired(2)
	m.IncBroadcast(1)
	m.IncRecvByType("add_data")
	m.IncRecvByType("add_data")
	m.IncDropByReason("version")
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)
	snap := m.Snapshot()
	if snap.Storage.Accepted != 2 || snap.Storage.Rejected != 1 || snap.Storage.Removed != 1 {
		t.Fatalf("unexpected storage counts: %+v", snap.Storage)
	}
	if snap.Storage.Expired != 2 {
		t.Fatalf("expected expired=2, got %d", snap.Storage.Expired)
	}
	if snap.Gossip.Broadcast != 1 || snap.Gossip.BroadcastErr != 1 {
		t.Fatalf("unexpected gossip counts: %+v", snap.Gossip)
	}
	if snap.RecvByType["add_data"] != 2 {
		t.Fatalf("expected recv_by_type add_data=2, got %d", snap.RecvByType["add_data"])
	}
	if snap.DropByReason["version"] != 1 {
		t.Fatalf("expected drop_by_reason version=1, got %d", snap.DropByReason["version"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
	if len(snap.Recent) != 4 || snap.Recent[2].Result != "duplicate" {
		t.Fatalf("unexpected recent ring: %+v", snap.Recent)
	}
}

func TestRecentRingEvictsOldest(t *testing.T) {
	r := NewRecent(2)
	r.Add(StorageEvent{Hash: "a"})
	r.Add(StorageEvent{Hash: "b"})
	r.Add(StorageEvent{Hash: "c"})
	got := r.List()
	if len(got) != 2 || got[0].Hash != "b" || got[1].Hash != "c" {
		t.Fatalf("unexpected ring: %+v", got)
	}
}

func TestSnapshotAndTextfile(t *testing.T) {
	dir := t.TempDir()
	m := New()
	m.IncTradeStarted()
	m.SetStoredEntries("offer", 4)

	snapPath := filepath.Join(dir, "snap.json")
	if err := m.WriteSnapshot(snapPath); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	snap, err := ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Trade.Started != 1 {
		t.Fatalf("expected started=1, got %d", snap.Trade.Started)
	}

	promPath := filepath.Join(dir, "tradenet.prom")
	if err := m.WriteTextfile(promPath); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(promPath)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `tradenet_storage_entries{kind="offer"} 4`) {
		t.Fatalf("textfile missing gauge:\n%s", data)
	}
}

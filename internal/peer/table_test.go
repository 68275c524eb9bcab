package peer

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	tbl, err := NewTable("", Options{})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := tbl.Upsert(Peer{ID: "a", WalletAddress: "0xaa", Connected: true}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, ok := tbl.Get("a")
	if !ok || p.WalletAddress != "0xaa" || !p.Connected {
		t.Fatalf("unexpected peer: %+v ok=%v", p, ok)
	}
	if err := tbl.Upsert(Peer{ID: ""}, false); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestUpsertKeepsKnownFields(t *testing.T) {
	tbl, _ := NewTable("", Options{})
	_ = tbl.Upsert(Peer{ID: "a", WalletAddress: "0xaa", Addr: "127.0.0.1:1"}, false)
	_ = tbl.Upsert(Peer{ID: "a", Connected: true}, false)
	p, _ := tbl.Get("a")
	if p.WalletAddress != "0xaa" || p.Addr != "127.0.0.1:1" {
		t.Fatalf("update dropped known fields: %+v", p)
	}
}

func TestCapEvictsColdEnd(t *testing.T) {
	tbl, _ := NewTable("", Options{Cap: 2})
	_ = tbl.Upsert(Peer{ID: "a"}, false)
	_ = tbl.Upsert(Peer{ID: "b"}, false)
	_ = tbl.Upsert(Peer{ID: "a"}, false) // refresh a, b is now coldest
	_ = tbl.Upsert(Peer{ID: "c"}, false)
	if _, ok := tbl.Get("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if _, ok := tbl.Get("a"); !ok {
		t.Fatalf("expected a kept")
	}
	if tbl.Len() != 2 {
		t.Fatalf("len=%d want 2", tbl.Len())
	}
}

func TestTTLPrune(t *testing.T) {
	tbl, _ := NewTable("", Options{TTL: 10 * time.Millisecond})
	_ = tbl.Upsert(Peer{ID: "a"}, false)
	time.Sleep(20 * time.Millisecond)
	if _, ok := tbl.Get("a"); ok {
		t.Fatalf("expected a pruned after ttl")
	}
}

func TestConnectedAndByWallet(t *testing.T) {
	tbl, _ := NewTable("", Options{})
	_ = tbl.Upsert(Peer{ID: "a", WalletAddress: "0xaa", Connected: true}, false)
	_ = tbl.Upsert(Peer{ID: "b", WalletAddress: "0xbb"}, false)

	conn := tbl.Connected()
	if len(conn) != 1 || conn[0].ID != "a" {
		t.Fatalf("unexpected connected set: %+v", conn)
	}
	p, ok := tbl.ByWallet("0xbb")
	if !ok || p.ID != "b" {
		t.Fatalf("wallet lookup failed: %+v ok=%v", p, ok)
	}
	tbl.SetConnected("b", true)
	if len(tbl.Connected()) != 2 {
		t.Fatalf("expected 2 connected after flip")
	}
}

func TestPersistenceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.jsonl")
	tbl, err := NewTable(path, Options{})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	_ = tbl.Upsert(Peer{ID: "a", WalletAddress: "0xaa", Connected: true}, true)
	_ = tbl.Upsert(Peer{ID: "b", Addr: "127.0.0.1:2"}, true)

	tbl2, err := NewTable(path, Options{})
	if err != nil {
		t.Fatalf("reload table: %v", err)
	}
	if tbl2.Len() != 2 {
		t.Fatalf("reloaded len=%d want 2", tbl2.Len())
	}
	p, ok := tbl2.Get("a")
	if !ok || p.Connected {
		t.Fatalf("reloaded peers must come back disconnected: %+v", p)
	}
}

func TestReloadHonorsLoadLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.jsonl")
	tbl, _ := NewTable(path, Options{})
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = tbl.Upsert(Peer{ID: id}, true)
	}
	tbl2, err := NewTable(path, Options{LoadLimit: 2})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tbl2.Len() != 2 {
		t.Fatalf("len=%d want 2 (newest records win)", tbl2.Len())
	}
	if _, ok := tbl2.Get("d"); !ok {
		t.Fatalf("expected newest record kept")
	}
}

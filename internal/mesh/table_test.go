package mesh

import (
	"testing"
	"time"
)

func TestUpdateKeepsShortestRoute(t *testing.T) {
	tbl := NewRouteTable(0)
	if !tbl.Update("dest", "hop-a", 3) {
		t.Fatalf("first advertisement must install")
	}
	if tbl.Update("dest", "hop-b", 3) {
		t.Fatalf("equal distance must not replace")
	}
	if tbl.Update("dest", "hop-b", 5) {
		t.Fatalf("worse distance must not replace")
	}
	if !tbl.Update("dest", "hop-b", 2) {
		t.Fatalf("strictly better distance must replace")
	}
	e, ok := tbl.Lookup("dest")
	if !ok || e.NextHop != "hop-b" || e.Distance != 2 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestUpdateRefreshBumpsTimestamp(t *testing.T) {
	tbl := NewRouteTable(50 * time.Millisecond)
	tbl.Update("dest", "hop-a", 2)
	time.Sleep(30 * time.Millisecond)
	if tbl.Update("dest", "hop-a", 2) {
		t.Fatalf("refresh must not report a change")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := tbl.Lookup("dest"); !ok {
		t.Fatalf("refreshed entry expired too early")
	}
}

func TestLookupExpiresStaleEntries(t *testing.T) {
	tbl := NewRouteTable(20 * time.Millisecond)
	tbl.Update("dest", "hop-a", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := tbl.Lookup("dest"); ok {
		t.Fatalf("stale entry must expire")
	}
	if !tbl.Update("dest", "hop-b", 9) {
		t.Fatalf("expired incumbent must be replaceable at any distance")
	}
}

func TestPurgeNextHop(t *testing.T) {
	tbl := NewRouteTable(0)
	tbl.Update("d1", "hop-a", 1)
	tbl.Update("d2", "hop-a", 2)
	tbl.Update("d3", "hop-b", 1)
	if n := tbl.PurgeNextHop("hop-a"); n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if _, ok := tbl.Lookup("d1"); ok {
		t.Fatalf("d1 should be gone")
	}
	if _, ok := tbl.Lookup("d3"); !ok {
		t.Fatalf("d3 should survive")
	}
	if tbl.Len() != 1 {
		t.Fatalf("len = %d, want 1", tbl.Len())
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	tbl := NewRouteTable(0)
	if tbl.Update("", "hop", 1) || tbl.Update("dest", "", 1) || tbl.Update("dest", "hop", -1) {
		t.Fatalf("invalid updates must be rejected")
	}
}

package mesh

import (
	"sync"
	"time"
)

const (
	DefaultRouteTTL = 5 * time.Minute
)

// RouteEntry is one distance-vector row: reach Destination by handing the
// message to NextHop, Distance hops away.
type RouteEntry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Distance    int       `json:"distance"`
	LastUpdated time.Time `json:"last_updated"`
}

// RouteTable keeps at most one entry per destination, the one with minimal
// distance. Entries expire when not refreshed and are purged when their next
// hop disconnects.
type RouteTable struct {
	mu      sync.Mutex
	entries map[string]RouteEntry
	ttl     time.Duration
}

func NewRouteTable(ttl time.Duration) *RouteTable {
	if ttl <= 0 {
		ttl = DefaultRouteTTL
	}
	return &RouteTable{
		entries: make(map[string]RouteEntry),
		ttl:     ttl,
	}
}

// Update applies the distance-vector rule: accept only when there is no live
// entry or the advertised distance is strictly smaller. A refresh from the
// incumbent next hop at equal distance only bumps the timestamp.
func (t *RouteTable) Update(destination, nextHop string, distance int) bool {
	if destination == "" || nextHop == "" || distance < 0 {
		return false
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.entries[destination]
	if ok && now.Sub(existing.LastUpdated) <= t.ttl {
		if existing.NextHop == nextHop && existing.Distance == distance {
			existing.LastUpdated = now
			t.entries[destination] = existing
			return false
		}
		if distance >= existing.Distance {
			return false
		}
	}
	t.entries[destination] = RouteEntry{
		Destination: destination,
		NextHop:     nextHop,
		Distance:    distance,
		LastUpdated: now,
	}
	return true
}

func (t *RouteTable) Lookup(destination string) (RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[destination]
	if !ok {
		return RouteEntry{}, false
	}
	if time.Since(e.LastUpdated) > t.ttl {
		delete(t.entries, destination)
		return RouteEntry{}, false
	}
	return e, true
}

// PurgeNextHop drops every route through a disconnected peer.
func (t *RouteTable) PurgeNextHop(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for dest, e := range t.entries {
		if e.NextHop == peerID {
			delete(t.entries, dest)
			n++
		}
	}
	return n
}

func (t *RouteTable) Snapshot() []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]RouteEntry, 0, len(t.entries))
	for dest, e := range t.entries {
		if now.Sub(e.LastUpdated) > t.ttl {
			delete(t.entries, dest)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *RouteTable) Len() int {
	return len(t.Snapshot())
}

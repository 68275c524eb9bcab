package peer

import (
	"container/list"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"meshpay/internal/store"
)

var errMissingID = errors.New("missing peer id")

const (
	DefaultCap       = 256
	DefaultTTL       = 30 * time.Minute
	DefaultLoadLimit = 256
)

// Peer is a mesh neighbor. Connected reflects a live channel; disconnected
// peers linger until the TTL prunes them so routes can be re-established
// from the persisted book.
type Peer struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Addr          string    `json:"addr,omitempty"`
	Connected     bool      `json:"connected"`
	LastSeen      time.Time `json:"last_seen"`
}

type Options struct {
	Cap       int
	TTL       time.Duration
	LoadLimit int
}

// Table is a bounded LRU of known peers with TTL expiry and an append-only
// JSONL book for restart survival.
type Table struct {
	mu    sync.Mutex
	path  string
	cap   int
	ttl   time.Duration
	hot   map[string]*list.Element
	order *list.List
}

type entry struct {
	peer      Peer
	expiresAt time.Time
}

func NewTable(path string, opts Options) (*Table, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	t := &Table{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
	if path != "" {
		if err := t.loadLast(loadLimit); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Upsert records contact with a peer, refreshing its TTL and LRU position.
// Empty fields on the update keep the previous values.
func (t *Table) Upsert(p Peer, persist bool) error {
	if p.ID == "" {
		return errMissingID
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	t.mu.Lock()
	t.pruneLocked()
	if el, ok := t.hot[p.ID]; ok {
		ent := el.Value.(*entry)
		if p.WalletAddress != "" {
			ent.peer.WalletAddress = p.WalletAddress
		}
		if p.Addr != "" {
			ent.peer.Addr = p.Addr
		}
		ent.peer.Connected = p.Connected
		ent.peer.LastSeen = p.LastSeen
		ent.expiresAt = time.Now().Add(t.ttl)
		t.order.MoveToFront(el)
		t.mu.Unlock()
		if !persist || t.path == "" {
			return nil
		}
		return store.AppendJSONL(t.path, p)
	}
	if t.cap > 0 && len(t.hot) >= t.cap {
		t.evictLocked(len(t.hot) - t.cap + 1)
	}
	ent := &entry{peer: p, expiresAt: time.Now().Add(t.ttl)}
	t.hot[p.ID] = t.order.PushFront(ent)
	t.mu.Unlock()

	if !persist || t.path == "" {
		return nil
	}
	return store.AppendJSONL(t.path, p)
}

func (t *Table) Get(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	el, ok := t.hot[id]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

// SetConnected flips the channel flag without touching LRU order.
func (t *Table) SetConnected(id string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[id]; ok {
		ent := el.Value.(*entry)
		ent.peer.Connected = connected
		if connected {
			ent.peer.LastSeen = time.Now()
			ent.expiresAt = time.Now().Add(t.ttl)
		}
	}
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[id]; ok {
		t.order.Remove(el)
		delete(t.hot, id)
	}
}

// List returns all live peers, most recently used first.
func (t *Table) List() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	out := make([]Peer, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

func (t *Table) Connected() []Peer {
	var out []Peer
	for _, p := range t.List() {
		if p.Connected {
			out = append(out, p)
		}
	}
	return out
}

// ByWallet resolves a wallet address to a peer, if any live entry claims it.
func (t *Table) ByWallet(addr string) (Peer, bool) {
	for _, p := range t.List() {
		if p.WalletAddress == addr {
			return p, true
		}
	}
	return Peer{}, false
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.hot)
}

func (t *Table) pruneLocked() {
	now := time.Now()
	for el := t.order.Back(); el != nil; {
		ent := el.Value.(*entry)
		if ent.expiresAt.After(now) {
			break
		}
		prev := el.Prev()
		t.order.Remove(el)
		delete(t.hot, ent.peer.ID)
		el = prev
	}
}

func (t *Table) evictLocked(n int) {
	for i := 0; i < n; i++ {
		el := t.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		t.order.Remove(el)
		delete(t.hot, ent.peer.ID)
	}
}

// loadLast replays the newest records from the book; peers come back
// disconnected.
func (t *Table) loadLast(limit int) error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var recs []Peer
	sc := store.NewScanner(f)
	for sc.Scan() {
		var p Peer
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil || p.ID == "" {
			continue
		}
		recs = append(recs, p)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	for _, p := range recs {
		p.Connected = false
		_ = t.Upsert(p, false)
	}
	return nil
}

package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
)

var ErrChannelNotOpen = errors.New("channel not open")

// Transport is the raw send surface the router drives. Broadcast returns the
// number of channels the envelope was handed to.
type Transport interface {
	Send(ctx context.Context, peerID string, env proto.Envelope) error
	Broadcast(ctx context.Context, env proto.Envelope, skip ...string) int
}

type EventKind int

const (
	EventPayment EventKind = iota
	EventSyncRequest
	EventSyncResponse
	EventPeerDiscovery
)

// Event is a delivered application message. Consumers drain Events(); the
// router never calls back into them.
type Event struct {
	Kind     EventKind
	Envelope proto.Envelope
	LastHop  string
}

const (
	eventBacklog      = 256
	maxPendingPerDest = 32
	seenCap           = 4096
)

type queued struct {
	env proto.Envelope
}

// Router forwards addressed envelopes hop by hop using a distance-vector
// table, flooding route discovery when it has no entry. Delivery is best
// effort: undeliverable messages wait in a per-destination queue until their
// TTL runs out.
type Router struct {
	self      string
	wallet    string
	transport Transport
	table     *RouteTable
	met       *metrics.Metrics
	maxHops   int

	mu      sync.Mutex
	pending map[string][]queued
	seen    map[string]time.Time

	events chan Event
}

type RouterOptions struct {
	Wallet   string
	MaxHops  int
	TableTTL time.Duration
}

func NewRouter(self string, transport Transport, met *metrics.Metrics, opts RouterOptions) *Router {
	if met == nil {
		met = metrics.New()
	}
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = proto.DefaultMaxHops
	}
	return &Router{
		self:      self,
		wallet:    opts.Wallet,
		transport: transport,
		table:     NewRouteTable(opts.TableTTL),
		met:       met,
		maxHops:   maxHops,
		pending:   make(map[string][]queued),
		seen:      make(map[string]time.Time),
		events:    make(chan Event, eventBacklog),
	}
}

func (r *Router) Events() <-chan Event {
	return r.events
}

func (r *Router) Table() *RouteTable {
	return r.table
}

func (r *Router) isLocal(dest string) bool {
	if dest == "" {
		return false
	}
	return dest == r.self || (r.wallet != "" && strings.EqualFold(dest, r.wallet))
}

// Route sends or forwards an envelope. Loop and hop protection run before
// any forwarding decision; drops are silent by design, counted in metrics.
func (r *Router) Route(ctx context.Context, env proto.Envelope) {
	if env.Expired(time.Now()) {
		r.met.IncRouteDropExpired()
		return
	}
	if env.Hops >= r.maxHops {
		r.met.IncRouteDropMaxHops()
		return
	}
	if env.Visited(r.self) {
		r.met.IncRouteDropLoop()
		return
	}
	env.Path = append(env.Path, r.self)
	env.Hops++

	if r.isLocal(env.To) {
		return
	}
	if env.To == "" {
		n := r.transport.Broadcast(ctx, env, env.Path...)
		r.met.IncRouteBroadcast()
		debuglog.Debugf("router: broadcast %s to %d channels", env.Type, n)
		return
	}

	if e, ok := r.table.Lookup(env.To); ok {
		err := r.transport.Send(ctx, e.NextHop, env)
		if err == nil {
			r.met.IncRouteForwarded()
			return
		}
		if errors.Is(err, ErrChannelNotOpen) {
			r.table.PurgeNextHop(e.NextHop)
		}
		debuglog.Debugf("router: direct forward to %s via %s failed: %v", env.To, e.NextHop, err)
	}

	r.enqueue(env)
	r.requestRoute(ctx, env.To)
}

func (r *Router) enqueue(env proto.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.pending[env.To]
	now := time.Now()
	kept := q[:0]
	for _, item := range q {
		if !item.env.Expired(now) {
			kept = append(kept, item)
		} else {
			r.met.IncRouteDropExpired()
		}
	}
	if len(kept) >= maxPendingPerDest {
		r.met.IncRouteDropQueueFull()
		r.pending[env.To] = kept
		return
	}
	r.pending[env.To] = append(kept, queued{env: env})
}

func (r *Router) requestRoute(ctx context.Context, destination string) {
	req, err := proto.NewEnvelope(proto.MsgTypeRouteRequest, r.self, "", proto.RouteRequest{
		Destination: destination,
		Requester:   r.self,
	})
	if err != nil {
		debuglog.Logf("router: build route-request: %v", err)
		return
	}
	r.markSeen(req.ID())
	r.Route(ctx, req)
}

// flush drains the pending queue for a destination that just became
// routable, sending directly via the fresh table entry.
func (r *Router) flush(ctx context.Context, destination string) {
	e, ok := r.table.Lookup(destination)
	if !ok {
		return
	}
	r.mu.Lock()
	q := r.pending[destination]
	delete(r.pending, destination)
	r.mu.Unlock()

	now := time.Now()
	for _, item := range q {
		if item.env.Expired(now) {
			r.met.IncRouteDropExpired()
			continue
		}
		if err := r.transport.Send(ctx, e.NextHop, item.env); err != nil {
			debuglog.Debugf("router: flush to %s via %s: %v", destination, e.NextHop, err)
			continue
		}
		r.met.IncRouteForwarded()
	}
}

// SweepPending drops queued messages whose TTL ran out. Called from the
// daemon's housekeeping tick.
func (r *Router) SweepPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for dest, q := range r.pending {
		kept := q[:0]
		for _, item := range q {
			if item.env.Expired(now) {
				r.met.IncRouteDropExpired()
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == 0 {
			delete(r.pending, dest)
			continue
		}
		r.pending[dest] = kept
	}
}

func (r *Router) markSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return false
	}
	if len(r.seen) >= seenCap {
		cutoff := time.Now().Add(-proto.DefaultMsgTTL)
		for k, ts := range r.seen {
			if ts.Before(cutoff) {
				delete(r.seen, k)
			}
		}
	}
	r.seen[id] = time.Now()
	return true
}

// PeerDisconnected purges every route through the lost peer.
func (r *Router) PeerDisconnected(peerID string) {
	if n := r.table.PurgeNextHop(peerID); n > 0 {
		debuglog.Debugf("router: purged %d routes via %s", n, peerID)
	}
}

// HandleInbound processes one envelope delivered by the transport. lastHop
// is the node id of the neighbor it arrived from, when known.
func (r *Router) HandleInbound(ctx context.Context, env proto.Envelope, lastHop string) {
	if env.Expired(time.Now()) {
		r.met.IncRouteDropExpired()
		return
	}
	if !r.markSeen(env.ID()) {
		return
	}

	switch env.Type {
	case proto.MsgTypeRouteRequest:
		r.handleRouteRequest(ctx, env)
	case proto.MsgTypeRouteResponse:
		r.handleRouteResponse(ctx, env, lastHop)
	case proto.MsgTypePing:
		r.handlePing(ctx, env, lastHop)
	case proto.MsgTypePong:
		// Liveness only; the transport already refreshed the peer.
	case proto.MsgTypePeerDiscovery:
		r.publish(Event{Kind: EventPeerDiscovery, Envelope: env, LastHop: lastHop})
	case proto.MsgTypePayment:
		r.deliverOrForward(ctx, env, lastHop, EventPayment)
	case proto.MsgTypeSyncRequest:
		r.deliverOrForward(ctx, env, lastHop, EventSyncRequest)
	case proto.MsgTypeSyncResponse:
		r.deliverOrForward(ctx, env, lastHop, EventSyncResponse)
	default:
		debuglog.Debugf("router: ignoring %s from %s", env.Type, env.From)
	}
}

func (r *Router) deliverOrForward(ctx context.Context, env proto.Envelope, lastHop string, kind EventKind) {
	if env.To == "" || r.isLocal(env.To) {
		r.publish(Event{Kind: kind, Envelope: env, LastHop: lastHop})
		return
	}
	r.Route(ctx, env)
}

func (r *Router) handleRouteRequest(ctx context.Context, env proto.Envelope) {
	r.met.IncRouteRequest()
	var req proto.RouteRequest
	if err := decodeData(env, &req); err != nil {
		debuglog.Debugf("router: bad route-request from %s: %v", env.From, err)
		return
	}
	if req.Destination == "" || req.Requester == "" || req.Requester == r.self {
		return
	}

	distance := 0
	known := r.isLocal(req.Destination)
	if !known {
		if e, ok := r.table.Lookup(req.Destination); ok {
			known = true
			distance = e.Distance
		}
	}
	if known {
		resp, err := proto.NewEnvelope(proto.MsgTypeRouteResponse, r.self, req.Requester, proto.RouteResponse{
			Destination: req.Destination,
			NextHop:     r.self,
			Distance:    distance + 1,
		})
		if err != nil {
			debuglog.Logf("router: build route-response: %v", err)
			return
		}
		r.markSeen(resp.ID())
		r.Route(ctx, resp)
		return
	}
	// Unknown here: keep flooding under the same loop and hop guards.
	r.Route(ctx, env)
}

func (r *Router) handleRouteResponse(ctx context.Context, env proto.Envelope, lastHop string) {
	r.met.IncRouteResponse()
	var resp proto.RouteResponse
	if err := decodeData(env, &resp); err != nil {
		debuglog.Debugf("router: bad route-response from %s: %v", env.From, err)
		return
	}
	if !r.isLocal(env.To) {
		r.Route(ctx, env)
		return
	}
	nextHop := lastHop
	if nextHop == "" {
		nextHop = env.From
	}
	if r.table.Update(resp.Destination, nextHop, resp.Distance) {
		debuglog.Debugf("router: route to %s via %s distance=%d", resp.Destination, nextHop, resp.Distance)
		r.flush(ctx, resp.Destination)
	}
}

func (r *Router) handlePing(ctx context.Context, env proto.Envelope, lastHop string) {
	var ping proto.Ping
	if err := decodeData(env, &ping); err != nil {
		return
	}
	target := lastHop
	if target == "" {
		target = env.From
	}
	pong, err := proto.NewEnvelope(proto.MsgTypePong, r.self, env.From, proto.Ping{Nonce: ping.Nonce})
	if err != nil {
		return
	}
	pong.Path = append(pong.Path, r.self)
	pong.Hops = 1
	if err := r.transport.Send(ctx, target, pong); err != nil {
		debuglog.Debugf("router: pong to %s: %v", target, err)
	}
}

func decodeData(env proto.Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Data, v)
}

func (r *Router) publish(ev Event) {
	select {
	case r.events <- ev:
	default:
		debuglog.RateLimitedf("router-events", time.Second, "router: event backlog full, dropping %s", ev.Envelope.Type)
	}
}

package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meshpay/internal/metrics"
	"meshpay/internal/proto"
)

type sentMsg struct {
	peerID string
	env    proto.Envelope
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []sentMsg
	broadcasts []proto.Envelope
	failPeers  map[string]error
}

func (f *fakeTransport) Send(_ context.Context, peerID string, env proto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failPeers[peerID]; ok {
		return err
	}
	f.sent = append(f.sent, sentMsg{peerID: peerID, env: env})
	return nil
}

func (f *fakeTransport) Broadcast(_ context.Context, env proto.Envelope, _ ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, env)
	return 1
}

func (f *fakeTransport) sentTo(peerID string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, s := range f.sent {
		if s.peerID == peerID {
			out = append(out, s.env)
		}
	}
	return out
}

func (f *fakeTransport) broadcastsOf(msgType string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, env := range f.broadcasts {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func newTestRouter(ft *fakeTransport) *Router {
	return NewRouter("node-self", ft, metrics.New(), RouterOptions{Wallet: "0xself"})
}

func inbound(t *testing.T, msgType, from, to string, data any) proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(msgType, from, to, data)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.Path = []string{from}
	env.Hops = 1
	return env
}

func expectEvent(t *testing.T, r *Router, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		if ev.Kind != kind {
			t.Fatalf("event kind = %d, want %d", ev.Kind, kind)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
		return Event{}
	}
}

func TestRouteForwardsViaKnownNextHop(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)
	r.Table().Update("node-far", "node-hop", 2)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-self", "node-far", map[string]string{"id": "t1"})
	r.Route(context.Background(), env)

	got := ft.sentTo("node-hop")
	if len(got) != 1 {
		t.Fatalf("sent %d envelopes to next hop, want 1", len(got))
	}
	if got[0].Hops != 1 || len(got[0].Path) != 1 || got[0].Path[0] != "node-self" {
		t.Fatalf("forwarded envelope not stamped: hops=%d path=%v", got[0].Hops, got[0].Path)
	}
}

func TestRouteUnknownDestQueuesAndDiscovers(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-self", "node-far", map[string]string{"id": "t1"})
	r.Route(context.Background(), env)

	reqs := ft.broadcastsOf(proto.MsgTypeRouteRequest)
	if len(reqs) != 1 {
		t.Fatalf("route requests broadcast = %d, want 1", len(reqs))
	}
	var req proto.RouteRequest
	if err := json.Unmarshal(reqs[0].Data, &req); err != nil || req.Destination != "node-far" || req.Requester != "node-self" {
		t.Fatalf("unexpected route-request: %+v err=%v", req, err)
	}
	if len(ft.sentTo("node-hop")) != 0 {
		t.Fatalf("nothing should be sent before a route exists")
	}

	resp := inbound(t, proto.MsgTypeRouteResponse, "node-responder", "node-self", proto.RouteResponse{
		Destination: "node-far",
		NextHop:     "node-responder",
		Distance:    2,
	})
	r.HandleInbound(context.Background(), resp, "node-hop")

	e, ok := r.Table().Lookup("node-far")
	if !ok || e.NextHop != "node-hop" || e.Distance != 2 {
		t.Fatalf("route not learned: %+v ok=%v", e, ok)
	}
	flushed := ft.sentTo("node-hop")
	if len(flushed) != 1 || flushed[0].Type != proto.MsgTypePayment {
		t.Fatalf("queued payment not flushed: %+v", flushed)
	}
}

func TestRouteDropsAtMaxHops(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)
	r.Table().Update("node-far", "node-hop", 1)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-a", "node-far", nil)
	env.Hops = proto.DefaultMaxHops
	env.Path = []string{"a", "b", "c", "d", "e"}
	r.Route(context.Background(), env)

	if len(ft.sentTo("node-hop")) != 0 {
		t.Fatalf("envelope at hop limit must be dropped")
	}
}

func TestRouteDropsLoops(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)
	r.Table().Update("node-far", "node-hop", 1)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-a", "node-far", nil)
	env.Path = []string{"node-a", "node-self"}
	env.Hops = 2
	r.Route(context.Background(), env)

	if len(ft.sentTo("node-hop")) != 0 {
		t.Fatalf("looping envelope must be dropped")
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	env := inbound(t, proto.MsgTypePayment, "node-a", "node-self", map[string]string{"id": "t1"})
	r.HandleInbound(context.Background(), env, "node-a")

	dup := env
	dup.Path = []string{"node-a", "node-b"}
	dup.Hops = 2
	r.HandleInbound(context.Background(), dup, "node-b")

	expectEvent(t, r, EventPayment)
	select {
	case ev := <-r.Events():
		t.Fatalf("duplicate delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouteRequestAnsweredForSelf(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)
	r.Table().Update("node-req", "node-hop", 1)

	req := inbound(t, proto.MsgTypeRouteRequest, "node-req", "", proto.RouteRequest{
		Destination: "node-self",
		Requester:   "node-req",
	})
	r.HandleInbound(context.Background(), req, "node-req")

	got := ft.sentTo("node-hop")
	if len(got) != 1 || got[0].Type != proto.MsgTypeRouteResponse {
		t.Fatalf("expected one route-response, got %+v", got)
	}
	var resp proto.RouteResponse
	if err := json.Unmarshal(got[0].Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Destination != "node-self" || resp.NextHop != "node-self" || resp.Distance != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouteRequestRefloodedWhenUnknown(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	req := inbound(t, proto.MsgTypeRouteRequest, "node-req", "", proto.RouteRequest{
		Destination: "node-elsewhere",
		Requester:   "node-req",
	})
	r.HandleInbound(context.Background(), req, "node-req")

	floods := ft.broadcastsOf(proto.MsgTypeRouteRequest)
	if len(floods) != 1 {
		t.Fatalf("request not re-flooded: %d", len(floods))
	}
	if floods[0].Hops != 2 || !floods[0].Visited("node-self") {
		t.Fatalf("re-flood not stamped: hops=%d path=%v", floods[0].Hops, floods[0].Path)
	}
}

func TestAddressedPaymentForwarded(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)
	r.Table().Update("node-far", "node-hop", 1)

	env := inbound(t, proto.MsgTypePayment, "node-a", "node-far", map[string]string{"id": "t1"})
	r.HandleInbound(context.Background(), env, "node-a")

	got := ft.sentTo("node-hop")
	if len(got) != 1 || got[0].Hops != 2 {
		t.Fatalf("payment not forwarded: %+v", got)
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("transit payment must not be delivered locally: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWalletAddressedPaymentDelivered(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	env := inbound(t, proto.MsgTypePayment, "node-a", "0xSELF", map[string]string{"id": "t1"})
	r.HandleInbound(context.Background(), env, "node-a")
	ev := expectEvent(t, r, EventPayment)
	if ev.LastHop != "node-a" {
		t.Fatalf("last hop = %q", ev.LastHop)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	ping := inbound(t, proto.MsgTypePing, "node-a", "node-self", proto.Ping{Nonce: 7})
	r.HandleInbound(context.Background(), ping, "node-a")

	got := ft.sentTo("node-a")
	if len(got) != 1 || got[0].Type != proto.MsgTypePong {
		t.Fatalf("expected pong, got %+v", got)
	}
	var pong proto.Ping
	if err := json.Unmarshal(got[0].Data, &pong); err != nil || pong.Nonce != 7 {
		t.Fatalf("pong must echo the nonce: %+v err=%v", pong, err)
	}
}

func TestSweepPendingDropsExpired(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRouter(ft)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-self", "node-far", map[string]string{"id": "t1"})
	env.TTL = time.Now().Add(30 * time.Millisecond).UnixMilli()
	r.Route(context.Background(), env)
	if len(ft.broadcastsOf(proto.MsgTypeRouteRequest)) != 1 {
		t.Fatalf("message should be queued behind discovery")
	}

	time.Sleep(50 * time.Millisecond)
	r.SweepPending()

	// A route arriving after expiry must not resurrect the message.
	resp := inbound(t, proto.MsgTypeRouteResponse, "node-responder", "node-self", proto.RouteResponse{
		Destination: "node-far",
		NextHop:     "node-responder",
		Distance:    1,
	})
	r.HandleInbound(context.Background(), resp, "node-hop")

	if _, ok := r.Table().Lookup("node-far"); !ok {
		t.Fatalf("route should be learned")
	}
	if got := ft.sentTo("node-hop"); len(got) != 0 {
		t.Fatalf("expired message must never be delivered: %+v", got)
	}
}

func TestSendFailurePurgesRoute(t *testing.T) {
	ft := &fakeTransport{failPeers: map[string]error{"node-hop": ErrChannelNotOpen}}
	r := newTestRouter(ft)
	r.Table().Update("node-far", "node-hop", 1)

	env, _ := proto.NewEnvelope(proto.MsgTypePayment, "node-self", "node-far", nil)
	r.Route(context.Background(), env)

	if _, ok := r.Table().Lookup("node-far"); ok {
		t.Fatalf("route through dead channel must be purged")
	}
	if len(ft.broadcastsOf(proto.MsgTypeRouteRequest)) != 1 {
		t.Fatalf("rediscovery should start after the purge")
	}
}

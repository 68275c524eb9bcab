package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/metrics"
	"meshpay/internal/network"
	"meshpay/internal/peer"
	"meshpay/internal/proto"
	"meshpay/internal/signal"
)

const (
	defaultOutboundTarget    = 8
	defaultDiscoveryInterval = 15 * time.Second
	defaultReconnectBase     = 2 * time.Second
	maxReconnectBackoff      = 2 * time.Minute
)

func outboundTarget() int {
	if v := os.Getenv("MESHPAY_OUTBOUND_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultOutboundTarget
}

func discoveryInterval() time.Duration {
	if v := os.Getenv("MESHPAY_DISCOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultDiscoveryInterval
}

func reconnectBase() time.Duration {
	if v := os.Getenv("MESHPAY_RECONNECT_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultReconnectBase
}

type ManagerConfig struct {
	Self       string
	Wallet     string
	ListenAddr string
	SignalAddr string
	Peers      *peer.Table
	Metrics    *metrics.Metrics
	Router     RouterOptions
}

// Manager owns the node's channels: the QUIC listener, the pooled dialer,
// and the rendezvous client. It implements Transport for the router, mapping
// peer ids to addresses through the peer table.
type Manager struct {
	self    string
	sigAddr string
	peers   *peer.Table
	dialer  *network.Dialer
	server  *network.Server
	router  *Router
	met     *metrics.Metrics

	sigMu sync.Mutex
	sig   *signal.Client

	backMu  sync.Mutex
	fails   map[string]int
	nextTry map[string]time.Time

	pingNonce atomic.Uint64
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("missing node id")
	}
	if cfg.Peers == nil {
		return nil, fmt.Errorf("missing peer table")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	server, err := network.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	dialer, err := network.NewDialer(true)
	if err != nil {
		_ = server.Close()
		return nil, err
	}
	m := &Manager{
		self:    cfg.Self,
		sigAddr: cfg.SignalAddr,
		peers:   cfg.Peers,
		dialer:  dialer,
		server:  server,
		met:     cfg.Metrics,
		fails:   make(map[string]int),
		nextTry: make(map[string]time.Time),
	}
	m.router = NewRouter(cfg.Self, m, cfg.Metrics, cfg.Router)
	return m, nil
}

func (m *Manager) Router() *Router {
	return m.router
}

func (m *Manager) Events() <-chan Event {
	return m.router.Events()
}

// Addr is the bound data-path address, usable by other peers to dial us.
func (m *Manager) Addr() string {
	return m.server.Addr()
}

func (m *Manager) Close() {
	m.sigMu.Lock()
	if m.sig != nil {
		_ = m.sig.Close()
	}
	m.sigMu.Unlock()
	m.dialer.Close()
	_ = m.server.Close()
}

// Send implements Transport. The channel to a peer is open when the table
// marks it connected and an address is known; anything else is
// ErrChannelNotOpen so the router can purge and rediscover.
func (m *Manager) Send(ctx context.Context, peerID string, env proto.Envelope) error {
	p, ok := m.peers.Get(peerID)
	if !ok || !p.Connected || p.Addr == "" {
		return fmt.Errorf("peer %s: %w", peerID, ErrChannelNotOpen)
	}
	raw, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := m.dialer.Send(ctx, p.Addr, raw); err != nil {
		m.markDown(peerID)
		return fmt.Errorf("peer %s: %w", peerID, ErrChannelNotOpen)
	}
	return nil
}

// Broadcast implements Transport, fanning out to every open channel.
func (m *Manager) Broadcast(ctx context.Context, env proto.Envelope, skip ...string) int {
	skipSet := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipSet[id] = struct{}{}
	}
	n := 0
	for _, p := range m.peers.Connected() {
		if _, skipped := skipSet[p.ID]; skipped || p.ID == m.self {
			continue
		}
		if err := m.Send(ctx, p.ID, env); err != nil {
			debuglog.Debugf("mesh: broadcast to %s: %v", p.ID, err)
			continue
		}
		n++
	}
	return n
}

// Run blocks until the context is canceled. It serves the data path, keeps
// the rendezvous registration alive, and drives discovery and reconnect
// ticks.
func (m *Manager) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- m.server.Serve(ctx, func(remote string, payload []byte) {
			m.handleFrame(ctx, remote, payload)
		})
	}()

	if m.sigAddr != "" {
		go m.signalLoop(ctx)
	}

	ticker := time.NewTicker(discoveryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			<-serveErr
			return ctx.Err()
		case err := <-serveErr:
			return err
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, remote string, payload []byte) {
	env, err := proto.DecodeEnvelope(payload)
	if err != nil {
		debuglog.Debugf("mesh: bad frame from %s: %v", remote, err)
		return
	}
	lastHop := env.From
	if len(env.Path) > 0 {
		lastHop = env.Path[len(env.Path)-1]
	}
	if lastHop != m.self {
		// Any traffic over the channel counts as liveness.
		if p, ok := m.peers.Get(lastHop); ok && p.Connected {
			m.peers.SetConnected(lastHop, true)
		}
	}
	m.router.HandleInbound(ctx, env, lastHop)
}

// signalLoop keeps a registered rendezvous session, redialing with backoff
// when the relay drops.
func (m *Manager) signalLoop(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		client, err := signal.Dial(ctx, m.sigAddr)
		if err != nil {
			attempt++
			debuglog.RateLimitedf("signal-dial", 5*time.Second, "mesh: rendezvous dial %s: %v", m.sigAddr, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(reconnectBase(), attempt)):
			}
			continue
		}
		attempt = 0
		m.sigMu.Lock()
		m.sig = client
		m.sigMu.Unlock()

		if err := client.Register(m.self, m.router.wallet, m.Addr()); err != nil {
			debuglog.Logf("mesh: rendezvous register: %v", err)
			_ = client.Close()
			continue
		}
		debuglog.Logf("mesh: registered with rendezvous %s as %s", m.sigAddr, m.self)

		m.drainSignal(ctx, client)

		m.sigMu.Lock()
		if m.sig == client {
			m.sig = nil
		}
		m.sigMu.Unlock()
		_ = client.Close()
	}
}

func (m *Manager) drainSignal(ctx context.Context, client *signal.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			m.handleSignal(ctx, msg)
		}
	}
}

func (m *Manager) handleSignal(ctx context.Context, msg proto.SignalMessage) {
	switch msg.Type {
	case proto.MsgTypePeersList:
		for _, info := range msg.Peers {
			m.addCandidate(ctx, info)
		}
	case proto.MsgTypePeerJoined:
		if msg.Peer != nil {
			m.addCandidate(ctx, *msg.Peer)
		}
	case proto.MsgTypePeerLeft:
		if msg.PeerID != "" && msg.PeerID != m.self {
			m.markDown(msg.PeerID)
		}
	case proto.MsgTypeOffer:
		m.handleOffer(ctx, msg)
	case proto.MsgTypeAnswer:
		m.handleAnswer(ctx, msg)
	case proto.MsgTypeICECandidate:
		// Address exchange happens in offer/answer; candidates carry
		// nothing extra for a QUIC data path.
		debuglog.Debugf("mesh: ignoring ice-candidate from %s", msg.From)
	default:
		debuglog.Debugf("mesh: unhandled signal %s", msg.Type)
	}
}

func (m *Manager) addCandidate(ctx context.Context, info proto.PeerInfo) {
	if info.PeerID == "" || info.PeerID == m.self {
		return
	}
	connected := false
	if p, ok := m.peers.Get(info.PeerID); ok {
		connected = p.Connected
	}
	_ = m.peers.Upsert(peer.Peer{
		ID:            info.PeerID,
		WalletAddress: info.WalletAddress,
		Addr:          info.Addr,
		Connected:     connected,
	}, true)
	if !connected {
		m.maybeConnect(ctx, info.PeerID)
	}
}

func (m *Manager) maybeConnect(ctx context.Context, peerID string) {
	if len(m.peers.Connected()) >= outboundTarget() {
		return
	}
	m.backMu.Lock()
	until := m.nextTry[peerID]
	m.backMu.Unlock()
	if time.Now().Before(until) {
		return
	}

	m.sigMu.Lock()
	client := m.sig
	m.sigMu.Unlock()
	if client != nil {
		payload, err := json.Marshal(m.Addr())
		if err == nil {
			err = client.Send(proto.SignalMessage{
				Type:    proto.MsgTypeOffer,
				Target:  peerID,
				Payload: payload,
			})
		}
		if err == nil {
			return
		}
		debuglog.Debugf("mesh: offer to %s: %v", peerID, err)
	}
	// No relay: fall back to dialing the advertised address directly.
	m.establish(ctx, peerID)
}

func (m *Manager) handleOffer(ctx context.Context, msg proto.SignalMessage) {
	if msg.From == "" || msg.From == m.self {
		return
	}
	var addr string
	if err := json.Unmarshal(msg.Payload, &addr); err != nil || addr == "" {
		debuglog.Debugf("mesh: bad offer payload from %s", msg.From)
		return
	}
	_ = m.peers.Upsert(peer.Peer{ID: msg.From, WalletAddress: msg.WalletAddress, Addr: addr}, true)

	m.sigMu.Lock()
	client := m.sig
	m.sigMu.Unlock()
	if client != nil {
		payload, err := json.Marshal(m.Addr())
		if err == nil {
			if err = client.Send(proto.SignalMessage{
				Type:    proto.MsgTypeAnswer,
				Target:  msg.From,
				Payload: payload,
			}); err != nil {
				debuglog.Debugf("mesh: answer to %s: %v", msg.From, err)
			}
		}
	}
	m.establish(ctx, msg.From)
}

func (m *Manager) handleAnswer(ctx context.Context, msg proto.SignalMessage) {
	if msg.From == "" || msg.From == m.self {
		return
	}
	var addr string
	if err := json.Unmarshal(msg.Payload, &addr); err != nil || addr == "" {
		debuglog.Debugf("mesh: bad answer payload from %s", msg.From)
		return
	}
	_ = m.peers.Upsert(peer.Peer{ID: msg.From, WalletAddress: msg.WalletAddress, Addr: addr}, true)
	m.establish(ctx, msg.From)
}

// establish opens the channel by pushing a ping over the data path. Success
// marks the peer connected and introduces our known peers to it.
func (m *Manager) establish(ctx context.Context, peerID string) {
	p, ok := m.peers.Get(peerID)
	if !ok || p.Addr == "" {
		return
	}
	env, err := proto.NewEnvelope(proto.MsgTypePing, m.self, peerID, proto.Ping{Nonce: m.pingNonce.Add(1)})
	if err != nil {
		return
	}
	env.Path = append(env.Path, m.self)
	env.Hops = 1
	raw, err := proto.EncodeEnvelope(env)
	if err != nil {
		return
	}
	if err := m.dialer.Send(ctx, p.Addr, raw); err != nil {
		m.recordFailure(peerID)
		debuglog.Debugf("mesh: establish %s at %s: %v", peerID, p.Addr, err)
		return
	}
	m.peers.SetConnected(peerID, true)
	m.clearFailures(peerID)
	debuglog.Logf("mesh: channel open to %s at %s", peerID, p.Addr)
	m.introduce(ctx, peerID)
}

// introduce sends our identity and known peers to a freshly connected
// neighbor so partial views converge.
func (m *Manager) introduce(ctx context.Context, peerID string) {
	var known []proto.PeerInfo
	for _, p := range m.peers.List() {
		if p.ID == peerID || p.Addr == "" {
			continue
		}
		known = append(known, proto.PeerInfo{
			PeerID:        p.ID,
			WalletAddress: p.WalletAddress,
			Addr:          p.Addr,
		})
		if len(known) >= 16 {
			break
		}
	}
	env, err := proto.NewEnvelope(proto.MsgTypePeerDiscovery, m.self, peerID, proto.PeerDiscovery{
		PeerID:        m.self,
		WalletAddress: m.router.wallet,
		Addr:          m.Addr(),
		Known:         known,
	})
	if err != nil {
		return
	}
	env.Path = append(env.Path, m.self)
	env.Hops = 1
	if err := m.Send(ctx, peerID, env); err != nil {
		debuglog.Debugf("mesh: introduce to %s: %v", peerID, err)
	}
}

// HandleDiscovery folds a peer-discovery envelope into the table and tries
// to connect to newly learned peers.
func (m *Manager) HandleDiscovery(ctx context.Context, env proto.Envelope) {
	var disc proto.PeerDiscovery
	if err := decodeData(env, &disc); err != nil {
		debuglog.Debugf("mesh: bad discovery from %s: %v", env.From, err)
		return
	}
	if disc.PeerID != "" {
		m.addCandidate(ctx, proto.PeerInfo{
			PeerID:        disc.PeerID,
			WalletAddress: disc.WalletAddress,
			Addr:          disc.Addr,
		})
	}
	for _, info := range disc.Known {
		m.addCandidate(ctx, info)
	}
}

func (m *Manager) markDown(peerID string) {
	m.peers.SetConnected(peerID, false)
	m.router.PeerDisconnected(peerID)
	m.recordFailure(peerID)
}

func (m *Manager) recordFailure(peerID string) {
	m.backMu.Lock()
	defer m.backMu.Unlock()
	m.fails[peerID]++
	m.nextTry[peerID] = time.Now().Add(backoffDelay(reconnectBase(), m.fails[peerID]))
}

func (m *Manager) clearFailures(peerID string) {
	m.backMu.Lock()
	defer m.backMu.Unlock()
	delete(m.fails, peerID)
	delete(m.nextTry, peerID)
}

func backoffDelay(base time.Duration, fails int) time.Duration {
	if fails < 1 {
		fails = 1
	}
	shift := fails - 1
	if shift > 6 {
		shift = 6
	}
	d := base << shift
	if d > maxReconnectBackoff {
		d = maxReconnectBackoff
	}
	return d
}

// tick runs housekeeping: liveness pings on open channels, reconnect
// attempts on known addresses, and pending-queue expiry.
func (m *Manager) tick(ctx context.Context) {
	m.router.SweepPending()

	target := outboundTarget()
	connected := 0
	for _, p := range m.peers.List() {
		if p.ID == m.self {
			continue
		}
		if p.Connected {
			connected++
			m.pingPeer(ctx, p.ID)
			continue
		}
		if p.Addr == "" || connected >= target {
			continue
		}
		m.backMu.Lock()
		until := m.nextTry[p.ID]
		m.backMu.Unlock()
		if time.Now().Before(until) {
			continue
		}
		m.establish(ctx, p.ID)
	}
}

func (m *Manager) pingPeer(ctx context.Context, peerID string) {
	env, err := proto.NewEnvelope(proto.MsgTypePing, m.self, peerID, proto.Ping{Nonce: m.pingNonce.Add(1)})
	if err != nil {
		return
	}
	env.Path = append(env.Path, m.self)
	env.Hops = 1
	if err := m.Send(ctx, peerID, env); err != nil {
		debuglog.Debugf("mesh: ping %s: %v", peerID, err)
	}
}

package signal

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"meshpay/internal/debuglog"
	"meshpay/internal/proto"
)

// Server is the rendezvous relay. It tracks registered peers, answers
// register with the current peers-list, forwards targeted messages verbatim
// and announces membership changes. It has no semantics beyond that.
type Server struct {
	ln net.Listener

	mu    sync.Mutex
	peers map[string]*session
}

type session struct {
	info proto.PeerInfo
	conn net.Conn
	wmu  sync.Mutex
}

func (s *session) write(m proto.SignalMessage) error {
	raw, err := proto.EncodeSignal(m)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return proto.WriteFrame(s.conn, raw)
}

func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, peers: make(map[string]*session)}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts rendezvous connections until the context is canceled or the
// listener fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	var registered string
	defer func() {
		_ = conn.Close()
		if registered != "" {
			s.unregister(registered)
		}
	}()
	for {
		raw, err := proto.ReadFrame(conn)
		if err != nil {
			return
		}
		m, err := proto.DecodeSignal(raw)
		if err != nil {
			debuglog.Debugf("signal: bad message from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		switch {
		case m.Type == proto.MsgTypeRegister:
			if m.PeerID == "" {
				continue
			}
			registered = m.PeerID
			s.register(m, conn)
		case m.IsRelayed():
			if registered == "" {
				continue
			}
			m.From = registered
			s.relay(m)
		default:
			debuglog.Debugf("signal: ignoring %s from %s", m.Type, registered)
		}
	}
}

func (s *Server) register(m proto.SignalMessage, conn net.Conn) {
	sess := &session{
		info: proto.PeerInfo{PeerID: m.PeerID, WalletAddress: m.WalletAddress},
		conn: conn,
	}
	if len(m.Payload) > 0 {
		// Registration payload carries the peer's reachable data-path addr.
		var addr string
		if err := json.Unmarshal(m.Payload, &addr); err == nil {
			sess.info.Addr = addr
		}
	}

	s.mu.Lock()
	old := s.peers[m.PeerID]
	s.peers[m.PeerID] = sess
	others := make([]*session, 0, len(s.peers))
	list := make([]proto.PeerInfo, 0, len(s.peers))
	for id, p := range s.peers {
		if id == m.PeerID {
			continue
		}
		others = append(others, p)
		list = append(list, p.info)
	}
	s.mu.Unlock()

	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
	if err := sess.write(proto.SignalMessage{Type: proto.MsgTypePeersList, Peers: list}); err != nil {
		debuglog.Debugf("signal: peers-list to %s: %v", m.PeerID, err)
	}
	joined := sess.info
	for _, p := range others {
		if err := p.write(proto.SignalMessage{Type: proto.MsgTypePeerJoined, Peer: &joined}); err != nil {
			debuglog.Debugf("signal: peer-joined to %s: %v", p.info.PeerID, err)
		}
	}
}

func (s *Server) unregister(peerID string) {
	s.mu.Lock()
	sess, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	others := make([]*session, 0, len(s.peers))
	for _, p := range s.peers {
		others = append(others, p)
	}
	s.mu.Unlock()
	if !ok || sess == nil {
		return
	}
	for _, p := range others {
		if err := p.write(proto.SignalMessage{Type: proto.MsgTypePeerLeft, PeerID: peerID}); err != nil {
			debuglog.Debugf("signal: peer-left to %s: %v", p.info.PeerID, err)
		}
	}
}

func (s *Server) relay(m proto.SignalMessage) {
	s.mu.Lock()
	target := s.peers[m.Target]
	s.mu.Unlock()
	if target == nil {
		debuglog.Debugf("signal: %s target %s not registered", m.Type, m.Target)
		return
	}
	if err := target.write(m); err != nil {
		debuglog.Debugf("signal: relay %s to %s: %v", m.Type, m.Target, err)
	}
}

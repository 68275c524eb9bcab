package network

import (
	"context"
	"errors"
	"io"
	"net"

	quic "github.com/quic-go/quic-go"

	"meshpay/internal/debuglog"
	"meshpay/internal/proto"
)

const (
	maxConnsPerIP   = 8
	maxStreamsPerIP = 64
)

// Handler receives one decoded frame per read, along with the remote address
// it arrived from.
type Handler func(remote string, payload []byte)

// Server owns the QUIC listener. Serve blocks until the context is canceled
// or the listener fails.
type Server struct {
	listener *quic.Listener
	limiter  *ipLimiter
}

func Listen(addr string) (*Server, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return nil, err
	}
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	return &Server{
		listener: listener,
		limiter:  newIPLimiter(maxConnsPerIP, maxStreamsPerIP),
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) Serve(ctx context.Context, handle Handler) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			debuglog.Logf("quic accept error: %v", err)
			return err
		}
		ip := remoteIP(conn)
		if !s.limiter.acquireConn(ip) {
			_ = conn.CloseWithError(0, "per-ip connection limit")
			continue
		}
		go func() {
			defer s.limiter.releaseConn(ip)
			s.serveConn(ctx, conn, ip, handle)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string, handle Handler) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream from %s: %v", remote, err)
			return
		}
		if !s.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(ip)
			defer st.Close()
			for {
				payload, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						debuglog.Debugf("quic read from %s: %v", remote, err)
					}
					return
				}
				handle(remote, payload)
			}
		}(stream)
	}
}

func remoteIP(conn *quic.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

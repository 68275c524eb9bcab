package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshpay/internal/debuglog"
	"meshpay/internal/proto"
)

const (
	clientConnIdle = 30 * time.Second
	clientTimeout  = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// Dialer sends frames to remote nodes, reusing one QUIC connection per
// address until it goes idle or breaks.
type Dialer struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	tlsConf   *tls.Config
	idleAfter time.Duration
}

func NewDialer(insecure bool) (*Dialer, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	return &Dialer{
		conns:     make(map[string]*pooledConn),
		tlsConf:   tlsConf,
		idleAfter: clientConnIdle,
	}, nil
}

func (d *Dialer) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	d.mu.Lock()
	if ent, ok := d.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= d.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			d.mu.Unlock()
			return conn, nil
		}
		delete(d.conns, addr)
		conn := ent.conn
		d.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		d.mu.Unlock()
	}
	debuglog.Debugf("quic dial %s", addr)
	conn, err := quic.DialAddr(ctx, addr, d.tlsConf, nil)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	d.mu.Unlock()
	return conn, nil
}

func (d *Dialer) drop(addr string, conn *quic.Conn, reason string) {
	d.mu.Lock()
	if ent, ok := d.conns[addr]; ok && ent.conn == conn {
		delete(d.conns, addr)
	}
	d.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// Send writes one frame on a fresh stream of the pooled connection. A send
// failure drops the connection so the next attempt redials.
func (d *Dialer) Send(ctx context.Context, addr string, payload []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, clientTimeout)
		defer cancel()
	}
	conn, err := d.get(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		d.drop(addr, conn, "open stream")
		return err
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		d.drop(addr, conn, "write")
		return err
	}
	if err := stream.Close(); err != nil {
		d.drop(addr, conn, "close stream")
		return err
	}
	d.mu.Lock()
	if ent, ok := d.conns[addr]; ok && ent.conn == conn {
		ent.lastUsed = time.Now()
	}
	d.mu.Unlock()
	return nil
}

// Alive reports whether a pooled connection to addr is currently usable.
func (d *Dialer) Alive(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent, ok := d.conns[addr]
	return ok && ent.conn.Context().Err() == nil
}

// Close drops every pooled connection.
func (d *Dialer) Close() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*pooledConn)
	d.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

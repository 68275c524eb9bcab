package signal

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/proto"
)

const (
	dialTimeout   = 10 * time.Second
	clientBacklog = 64
)

// Client is one registered endpoint of the rendezvous relay. Inbound
// messages are published on Messages; the reader drops when the consumer
// falls behind rather than blocking the wire.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex
	msgs chan proto.SignalMessage

	closeOnce sync.Once
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn: conn,
		msgs: make(chan proto.SignalMessage, clientBacklog),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.msgs)
	for {
		raw, err := proto.ReadFrame(c.conn)
		if err != nil {
			return
		}
		m, err := proto.DecodeSignal(raw)
		if err != nil {
			debuglog.Debugf("signal client: bad message: %v", err)
			continue
		}
		select {
		case c.msgs <- m:
		default:
			debuglog.RateLimitedf("signal-backlog", time.Second, "signal client: backlog full, dropping %s", m.Type)
		}
	}
}

func (c *Client) Messages() <-chan proto.SignalMessage {
	return c.msgs
}

func (c *Client) Send(m proto.SignalMessage) error {
	raw, err := proto.EncodeSignal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.conn, raw)
}

// Register announces this peer. dataAddr is the reachable address of the
// peer's data path, carried opaquely in the payload.
func (c *Client) Register(peerID, walletAddress, dataAddr string) error {
	payload, err := json.Marshal(dataAddr)
	if err != nil {
		return err
	}
	return c.Send(proto.SignalMessage{
		Type:          proto.MsgTypeRegister,
		PeerID:        peerID,
		WalletAddress: walletAddress,
		Payload:       payload,
	})
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

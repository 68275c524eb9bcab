package node

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/peer"
)

// Node is the process identity on the mesh plus the stores it owns.
type Node struct {
	ID      [32]byte
	IDHex   string
	PubKey  []byte
	PrivKey []byte
	Peers   *peer.Table
}

type Options struct {
	PeerBookPath string
	PeerCap      int
	PeerTTL      time.Duration
	PeerLoad     int
}

const defaultPeerBook = "peers.jsonl"

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	id := DeriveNodeID(pub)
	path := opts.PeerBookPath
	if path == "" {
		path = filepath.Join(home, defaultPeerBook)
	}
	peers, err := peer.NewTable(path, peer.Options{
		Cap:       opts.PeerCap,
		TTL:       opts.PeerTTL,
		LoadLimit: opts.PeerLoad,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:      id,
		IDHex:   hex.EncodeToString(id[:]),
		PubKey:  pub,
		PrivKey: priv,
		Peers:   peers,
	}, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	buf := make([]byte, 0, len("meshpay:nodeid:v1")+len(pub))
	buf = append(buf, []byte("meshpay:nodeid:v1")...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

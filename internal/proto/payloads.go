package proto

import "encoding/json"

type RouteRequest struct {
	Destination string `json:"destination"`
	Requester   string `json:"requester"`
}

type RouteResponse struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Distance    int    `json:"distance"`
}

type PeerInfo struct {
	PeerID        string `json:"peer_id"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Addr          string `json:"addr,omitempty"`
}

type PeerDiscovery struct {
	PeerID        string     `json:"peer_id"`
	WalletAddress string     `json:"wallet_address,omitempty"`
	Addr          string     `json:"addr,omitempty"`
	Known         []PeerInfo `json:"known,omitempty"`
}

type Ping struct {
	Nonce uint64 `json:"nonce"`
}

type SyncRequest struct {
	Since int64 `json:"since"`
}

type SyncResponse struct {
	Txs []json.RawMessage `json:"txs"`
}

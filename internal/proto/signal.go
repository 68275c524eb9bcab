package proto

import (
	"encoding/json"
	"fmt"
)

// SignalMessage is the rendezvous wire format. Offer, answer and candidate
// payloads are opaque to the relay and passed through verbatim.
type SignalMessage struct {
	Type          string          `json:"type"`
	PeerID        string          `json:"peer_id,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Target        string          `json:"target,omitempty"`
	From          string          `json:"from,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Peers         []PeerInfo      `json:"peers,omitempty"`
	Peer          *PeerInfo       `json:"peer,omitempty"`
}

func KnownSignalType(msgType string) bool {
	switch msgType {
	case MsgTypeRegister, MsgTypePeersList, MsgTypeOffer, MsgTypeAnswer,
		MsgTypeICECandidate, MsgTypePeerJoined, MsgTypePeerLeft:
		return true
	}
	return false
}

func EncodeSignal(m SignalMessage) ([]byte, error) {
	if !KnownSignalType(m.Type) {
		return nil, fmt.Errorf("unknown signal type %q", m.Type)
	}
	return json.Marshal(m)
}

func DecodeSignal(data []byte) (SignalMessage, error) {
	if len(data) > MaxSignalSize {
		return SignalMessage{}, fmt.Errorf("signal message too large")
	}
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SignalMessage{}, err
	}
	if !KnownSignalType(m.Type) {
		return SignalMessage{}, fmt.Errorf("unknown signal type %q", m.Type)
	}
	return m, nil
}

// IsRelayed reports whether the message is addressed to a named target and
// must be forwarded verbatim by the rendezvous server.
func (m SignalMessage) IsRelayed() bool {
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeICECandidate:
		return m.Target != ""
	}
	return false
}

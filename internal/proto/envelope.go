package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"meshpay/internal/crypto"
)

const (
	DefaultMaxHops = 5
	DefaultMsgTTL  = 30 * time.Second
)

// Envelope is the mesh wire message. To is empty for broadcasts. Path holds
// the node ids that already relayed the envelope, oldest first. TTL is an
// absolute expiry instant in unix milliseconds.
type Envelope struct {
	Type         string          `json:"type"`
	ProtoVersion string          `json:"proto_version"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	From         string          `json:"from"`
	To           string          `json:"to,omitempty"`
	Hops         int             `json:"hops"`
	Path         []string        `json:"path,omitempty"`
	TTL          int64           `json:"ttl"`
}

func NewEnvelope(msgType, from, to string, data any) (Envelope, error) {
	if !KnownEnvelopeType(msgType) {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", msgType)
	}
	if from == "" {
		return Envelope{}, fmt.Errorf("missing from")
	}
	now := time.Now()
	env := Envelope{
		Type:         msgType,
		ProtoVersion: ProtoVersion,
		Timestamp:    now.UnixMilli(),
		From:         from,
		To:           to,
		TTL:          now.Add(DefaultMsgTTL).UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if !KnownEnvelopeType(env.Type) {
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.ProtoVersion == "" {
		env.ProtoVersion = ProtoVersion
	}
	return json.Marshal(env)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if !KnownEnvelopeType(env.Type) {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.From == "" {
		return Envelope{}, fmt.Errorf("missing from")
	}
	if max := MaxSizeForType(env.Type); max > 0 && len(data) > max {
		return Envelope{}, fmt.Errorf("payload too large for type %s", env.Type)
	}
	return env, nil
}

func (e Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && now.UnixMilli() > e.TTL
}

func (e Envelope) Visited(nodeID string) bool {
	for _, p := range e.Path {
		if p == nodeID {
			return true
		}
	}
	return false
}

// ID is a content digest used for duplicate suppression across multi-path
// delivery. Two copies of the same logical message hash equal regardless of
// the route they took.
func (e Envelope) ID() string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	sum := crypto.SHA3_256(append(append(append([]byte(e.Type), []byte(e.From)...), ts[:]...), e.Data...))
	return hex.EncodeToString(sum[:16])
}

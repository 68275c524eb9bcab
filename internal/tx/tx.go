package tx

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshpay/internal/crypto"
	"meshpay/internal/wallet"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
)

// CanAdvanceTo enforces the forward-only lifecycle. The one allowed
// regression is failed back to confirmed on a manual retry.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusConfirmed
	case StatusConfirmed:
		return next == StatusSynced || next == StatusFailed
	case StatusFailed:
		return next == StatusConfirmed
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusSynced, StatusFailed:
		return true
	}
	return false
}

var (
	ErrMalformed        = errors.New("malformed transaction")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Transaction is the unit the mesh carries and both ledgers settle.
// Signature covers (From, To, Amount, Timestamp). SeenBy lists the router
// node ids that already relayed it, for re-broadcast suppression.
type Transaction struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Amount    uint64   `json:"amount"`
	AssetID   string   `json:"asset_id,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Signature string   `json:"signature"`
	Message   string   `json:"message,omitempty"`
	Status    Status   `json:"status"`
	SeenBy    []string `json:"seen_by,omitempty"`
}

func New(from, to string, amount uint64, message string) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
		Status:    StatusPending,
	}
}

// SigningDigest is the canonical payment digest: keccak over the textual
// concatenation of the signed tuple.
func SigningDigest(from, to string, amount uint64, timestamp int64) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("%s%s%d%d", from, to, amount, timestamp)))
}

// ExecDigest is the virtual-ledger execution digest over the nonce-ordered
// tuple.
func ExecDigest(from, to string, amount, nonce uint64) []byte {
	var amt, n [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256([]byte(from), []byte(to), amt[:], n[:])
}

func (t Transaction) Digest() []byte {
	return SigningDigest(t.From, t.To, t.Amount, t.Timestamp)
}

// Validate checks structure and recovers the signer from the signature,
// comparing it to From. Any mutation of a signed field breaks it.
func Validate(t Transaction) error {
	if t.ID == "" || t.From == "" || t.To == "" {
		return fmt.Errorf("%w: missing id or party", ErrMalformed)
	}
	if t.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrMalformed)
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	addr, err := wallet.RecoverAddress(t.Digest(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(addr, t.From) {
		return fmt.Errorf("%w: signer %s is not %s", ErrInvalidSignature, addr, t.From)
	}
	return nil
}

// MarkSeen records a relaying node id, reporting whether it was new.
func (t *Transaction) MarkSeen(nodeID string) bool {
	for _, id := range t.SeenBy {
		if id == nodeID {
			return false
		}
	}
	t.SeenBy = append(t.SeenBy, nodeID)
	return true
}

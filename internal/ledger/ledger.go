package ledger

import (
	"context"
	"errors"
)

// The two ledgers the node talks to. The virtual ledger gives fast
// provisional settlement; the authoritative ledger is the durable system of
// record the sync manager reconciles against.

var (
	ErrAlreadySettled = errors.New("already settled")
	ErrRejected       = errors.New("transfer rejected")
	ErrNoConnection   = errors.New("ledger unreachable")
	ErrBadSignature   = errors.New("unrecoverable execution signature")
)

type Receipt struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

type Authoritative interface {
	Transfer(ctx context.Context, from, to string, amount uint64, memo string) (Receipt, error)
	CheckConnection(ctx context.Context) bool
	Balance(ctx context.Context, account string) (uint64, error)
}

type Virtual interface {
	Nonce(ctx context.Context, account string) (uint64, error)
	Execute(ctx context.Context, from, to string, amount, nonce uint64, sig []byte) (Receipt, error)
	IsFishingSpot(ctx context.Context, addr string) bool
	RegisterFishingSpot(ctx context.Context, addr string) error
}

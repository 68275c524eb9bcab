package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"meshpay/internal/crypto"
	"meshpay/internal/tx"
	"meshpay/internal/wallet"
)

// DevVirtual is an in-memory virtual ledger for dev mode and tests. It
// enforces per-sender nonce consumption, which is what makes concurrent
// fishers racing on the same transaction resolve to exactly one settlement.
type DevVirtual struct {
	mu     sync.Mutex
	nonces map[string]uint64
	used   map[string]map[uint64]Receipt
	spots  map[string]bool
}

func NewDevVirtual() *DevVirtual {
	return &DevVirtual{
		nonces: make(map[string]uint64),
		used:   make(map[string]map[uint64]Receipt),
		spots:  make(map[string]bool),
	}
}

func (v *DevVirtual) Nonce(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nonces[strings.ToLower(account)] + 1, nil
}

func (v *DevVirtual) Execute(ctx context.Context, from, to string, amount, nonce uint64, sig []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	// The submitter signs the execution digest; any recoverable key is
	// accepted in dev mode.
	if _, err := wallet.RecoverAddress(tx.ExecDigest(from, to, amount, nonce), sig); err != nil {
		return Receipt{}, ErrBadSignature
	}
	key := strings.ToLower(from)
	v.mu.Lock()
	defer v.mu.Unlock()
	if rec, ok := v.used[key][nonce]; ok {
		return rec, ErrAlreadySettled
	}
	rec := Receipt{
		TxHash: hex.EncodeToString(crypto.Keccak256([]byte(fmt.Sprintf("%s%s%d%d", from, to, amount, nonce)))),
		Status: "executed",
	}
	if v.used[key] == nil {
		v.used[key] = make(map[uint64]Receipt)
	}
	v.used[key][nonce] = rec
	if nonce > v.nonces[key] {
		v.nonces[key] = nonce
	}
	return rec, nil
}

func (v *DevVirtual) IsFishingSpot(ctx context.Context, addr string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spots[strings.ToLower(addr)]
}

func (v *DevVirtual) RegisterFishingSpot(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("missing address")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spots[strings.ToLower(addr)] = true
	return nil
}

// DevAuthoritative is an in-memory system of record with a reachability
// switch so tests can cut and restore connectivity.
type DevAuthoritative struct {
	mu        sync.Mutex
	balances  map[string]uint64
	reachable bool
	transfers []string
}

func NewDevAuthoritative() *DevAuthoritative {
	return &DevAuthoritative{
		balances:  make(map[string]uint64),
		reachable: true,
	}
}

func (a *DevAuthoritative) SetReachable(up bool) {
	a.mu.Lock()
	a.reachable = up
	a.mu.Unlock()
}

func (a *DevAuthoritative) Credit(account string, amount uint64) {
	a.mu.Lock()
	a.balances[strings.ToLower(account)] += amount
	a.mu.Unlock()
}

func (a *DevAuthoritative) CheckConnection(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable
}

func (a *DevAuthoritative) Transfer(ctx context.Context, from, to string, amount uint64, memo string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.reachable {
		return Receipt{}, ErrNoConnection
	}
	fromKey := strings.ToLower(from)
	if a.balances[fromKey] < amount {
		return Receipt{}, fmt.Errorf("%w: insufficient balance", ErrRejected)
	}
	a.balances[fromKey] -= amount
	a.balances[strings.ToLower(to)] += amount
	a.transfers = append(a.transfers, memo)
	rec := Receipt{
		TxHash: hex.EncodeToString(crypto.Keccak256([]byte(memo), []byte(from), []byte(to))),
		Status: "success",
	}
	return rec, nil
}

func (a *DevAuthoritative) Balance(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.reachable {
		return 0, ErrNoConnection
	}
	return a.balances[strings.ToLower(account)], nil
}

// Transfers returns the memos of completed transfers, oldest first.
func (a *DevAuthoritative) Transfers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.transfers))
	copy(out, a.transfers)
	return out
}

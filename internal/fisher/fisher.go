package fisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/ledger"
	"meshpay/internal/metrics"
	"meshpay/internal/store"
	"meshpay/internal/tx"
	"meshpay/internal/wallet"
)

var (
	ErrNotCaptured      = errors.New("transaction not captured")
	ErrAlreadyExecuted  = errors.New("transaction already executed")
	ErrInvalidSignature = errors.New("transaction signature invalid")
)

const (
	rpcTimeout = 10 * time.Second

	// Reward is one part in a thousand of the settled amount, rounded down.
	rewardDivisor = 1000
)

// Caught is the fisher-local view of a transaction. Once Executed it only
// changes for reward bookkeeping; Invalid is the other terminal state.
type Caught struct {
	ID          string
	FishingSpot string
	Nonce       uint64
	Executed    bool
	Invalid     bool
	Receipt     *ledger.Receipt
	Reward      uint64
}

type Stats struct {
	Address       string    `json:"address"`
	TotalCaptured uint64    `json:"total_captured"`
	TotalExecuted uint64    `json:"total_executed"`
	TotalRewards  uint64    `json:"total_rewards"`
	LastActivity  time.Time `json:"last_activity"`
}

// Result reports an execution outcome. AlreadySettled marks the benign race
// where another operator settled the same transaction first; the caller gets
// the original receipt and no reward was credited.
type Result struct {
	Receipt        ledger.Receipt
	Reward         uint64
	AlreadySettled bool
}

// Service captures transactions seen on the mesh and settles them on the
// virtual ledger exactly once per transaction id.
type Service struct {
	operator wallet.Signer
	virtual  ledger.Virtual
	st       *store.TxStore
	met      *metrics.Metrics

	mu     sync.Mutex
	caught map[string]*Caught
	nonces map[string]uint64
	spots  []string
	stats  Stats
	rng    *rand.Rand

	senderMu sync.Mutex
	senders  map[string]*sync.Mutex
}

func New(operator wallet.Signer, virtual ledger.Virtual, st *store.TxStore, met *metrics.Metrics) *Service {
	if met == nil {
		met = metrics.New()
	}
	return &Service{
		operator: operator,
		virtual:  virtual,
		st:       st,
		met:      met,
		caught:   make(map[string]*Caught),
		nonces:   make(map[string]uint64),
		stats:    Stats{Address: operator.Address()},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		senders:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) senderLock(from string) *sync.Mutex {
	key := strings.ToLower(from)
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	mu, ok := s.senders[key]
	if !ok {
		mu = &sync.Mutex{}
		s.senders[key] = mu
	}
	return mu
}

// Capture assigns a nonce and a fishing spot to a transaction seen on the
// mesh. Capturing the same id twice is a no-op: neither a second Caught
// record nor a second stat increment.
func (s *Service) Capture(ctx context.Context, t tx.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("missing transaction id")
	}
	s.mu.Lock()
	if _, dup := s.caught[t.ID]; dup {
		s.mu.Unlock()
		debuglog.Debugf("fisher: %s already captured", t.ID)
		return nil
	}
	s.mu.Unlock()

	nonce := s.nextNonce(ctx, t.From)
	spot := s.pickSpot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.caught[t.ID]; dup {
		return nil
	}
	s.caught[t.ID] = &Caught{ID: t.ID, FishingSpot: spot, Nonce: nonce}
	s.stats.TotalCaptured++
	s.stats.LastActivity = time.Now()
	s.met.IncFisherCaptured()
	debuglog.Debugf("fisher: captured %s from=%s nonce=%d spot=%s", t.ID, t.From, nonce, spot)
	return nil
}

// nextNonce prefers the virtual ledger but never goes below the highest
// nonce this fisher already assigned for the sender: the ledger only
// advances on execute, so back-to-back captures would otherwise collide.
// When the ledger is unreachable it falls back to the cached last nonce plus
// one, or the wall clock for a sender never seen before. The cache is
// in-memory only; restarts may repeat the clock path.
func (s *Service) nextNonce(ctx context.Context, from string) uint64 {
	key := strings.ToLower(from)
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	nonce, err := s.virtual.Nonce(cctx, from)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.nonces[key]
	if err != nil {
		if last > 0 {
			nonce = last + 1
		} else {
			nonce = uint64(time.Now().UnixMilli())
		}
		debuglog.Debugf("fisher: nonce query for %s failed (%v), falling back to %d", from, err, nonce)
	} else if nonce <= last {
		nonce = last + 1
	}
	s.nonces[key] = nonce
	return nonce
}

func (s *Service) pickSpot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spots) == 0 {
		return s.operator.Address()
	}
	return s.spots[s.rng.Intn(len(s.spots))]
}

// Execute submits a captured transaction to the virtual ledger. Per-sender
// execution is serialized so a sender's transactions settle in nonce order.
func (s *Service) Execute(ctx context.Context, txID string) (Result, error) {
	s.mu.Lock()
	c, ok := s.caught[txID]
	if !ok {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrNotCaptured, txID)
	}
	if c.Invalid {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidSignature, txID)
	}
	if c.Executed {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyExecuted, txID)
	}
	nonce := c.Nonce
	s.mu.Unlock()

	rec, found, err := s.st.Get(txID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("%w: %s not in store", ErrNotCaptured, txID)
	}

	lock := s.senderLock(rec.From)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the sender lock: a concurrent Execute may have won.
	s.mu.Lock()
	if c.Executed {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyExecuted, txID)
	}
	s.mu.Unlock()

	if err := tx.Validate(rec); err != nil {
		s.mu.Lock()
		c.Invalid = true
		s.mu.Unlock()
		s.met.IncFisherInvalid()
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	execSig, err := s.operator.Sign(tx.ExecDigest(rec.From, rec.To, rec.Amount, nonce))
	if err != nil {
		return Result{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	receipt, execErr := s.virtual.Execute(cctx, rec.From, rec.To, rec.Amount, nonce, execSig)
	cancel()

	switch {
	case execErr == nil:
		reward := rec.Amount / rewardDivisor
		s.mu.Lock()
		c.Executed = true
		c.Receipt = &receipt
		c.Reward = reward
		s.stats.TotalExecuted++
		s.stats.TotalRewards += reward
		s.stats.LastActivity = time.Now()
		s.mu.Unlock()
		s.met.IncFisherExecuted()
		s.met.AddFisherReward(reward)
		if err := s.st.SetStatus(txID, tx.StatusConfirmed); err != nil && !errors.Is(err, store.ErrBadTransition) {
			debuglog.Logf("fisher: confirm %s: %v", txID, err)
		}
		return Result{Receipt: receipt, Reward: reward}, nil

	case errors.Is(execErr, ledger.ErrAlreadySettled):
		// Another operator got there first. Success without reward.
		s.mu.Lock()
		c.Executed = true
		c.Receipt = &receipt
		s.stats.TotalExecuted++
		s.stats.LastActivity = time.Now()
		s.mu.Unlock()
		s.met.IncFisherAlreadySettled()
		if err := s.st.SetStatus(txID, tx.StatusConfirmed); err != nil && !errors.Is(err, store.ErrBadTransition) {
			debuglog.Logf("fisher: confirm %s: %v", txID, err)
		}
		return Result{Receipt: receipt, AlreadySettled: true}, nil

	case errors.Is(execErr, ledger.ErrBadSignature):
		s.mu.Lock()
		c.Invalid = true
		s.mu.Unlock()
		s.met.IncFisherInvalid()
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, execErr)

	default:
		// Transient; the transaction stays captured and retryable.
		return Result{}, execErr
	}
}

// RegisterSpot registers an address with the virtual ledger and remembers it
// for spot selection.
func (s *Service) RegisterSpot(ctx context.Context, addr string) error {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := s.virtual.RegisterFishingSpot(cctx, addr); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, known := range s.spots {
		if strings.EqualFold(known, addr) {
			return nil
		}
	}
	s.spots = append(s.spots, addr)
	return nil
}

func (s *Service) Spots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spots))
	copy(out, s.spots)
	return out
}

func (s *Service) Lookup(txID string) (Caught, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caught[txID]
	if !ok {
		return Caught{}, false
	}
	return *c, true
}

func (s *Service) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

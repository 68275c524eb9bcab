package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/ledger"
	"meshpay/internal/metrics"
	"meshpay/internal/store"
	"meshpay/internal/tx"
)

var ErrNoConnection = errors.New("authoritative ledger unreachable")

const (
	rpcTimeout          = 10 * time.Second
	DefaultSyncInterval = 30 * time.Second
)

// Manager reconciles confirmed-but-unsynced transactions against the
// authoritative ledger. One pass at a time; a tick that lands while a pass
// is still running is skipped whole.
type Manager struct {
	st      *store.TxStore
	ledger  ledger.Authoritative
	met     *metrics.Metrics
	syncing atomic.Bool
	trigger chan struct{}
}

func New(st *store.TxStore, led ledger.Authoritative, met *metrics.Metrics) *Manager {
	if met == nil {
		met = metrics.New()
	}
	return &Manager{
		st:      st,
		ledger:  led,
		met:     met,
		trigger: make(chan struct{}, 1),
	}
}

// SyncOne reconciles a single transaction. Already-synced is a no-op success
// that never touches the ledger. An unreachable ledger returns
// ErrNoConnection and leaves status alone; a ledger rejection marks the
// transaction failed.
func (m *Manager) SyncOne(ctx context.Context, id string) (bool, error) {
	rec, found, err := m.st.Get(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if rec.Status == tx.StatusSynced {
		return true, nil
	}

	pctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	up := m.ledger.CheckConnection(pctx)
	cancel()
	if !up {
		m.met.IncSyncSkipped()
		return false, ErrNoConnection
	}

	if rec.Status != tx.StatusConfirmed {
		if err := m.st.SetStatus(id, tx.StatusConfirmed); err != nil {
			return false, err
		}
	}

	tctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	_, err = m.ledger.Transfer(tctx, rec.From, rec.To, rec.Amount, syncMemo(id))
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrNoConnection) {
			m.met.IncSyncSkipped()
			return false, ErrNoConnection
		}
		if serr := m.st.SetStatus(id, tx.StatusFailed); serr != nil {
			debuglog.Logf("syncer: mark %s failed: %v", id, serr)
		}
		m.met.IncSyncFailed()
		return false, err
	}
	if err := m.st.SetStatus(id, tx.StatusSynced); err != nil {
		return false, err
	}
	m.met.IncSyncSynced()
	debuglog.Debugf("syncer: %s synced", id)
	return true, nil
}

func syncMemo(id string) string {
	return "offline payment sync: " + id
}

// TriggerSync requests an immediate pass from the running loop.
func (m *Manager) TriggerSync() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// SyncAll runs one reconciliation pass: probe once, then walk the pending
// set sequentially. Per-transaction failures are independent.
func (m *Manager) SyncAll(ctx context.Context) {
	if !m.syncing.CompareAndSwap(false, true) {
		m.met.IncSyncSkipped()
		debuglog.Debugf("syncer: pass already running, tick skipped")
		return
	}
	defer m.syncing.Store(false)

	pctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	up := m.ledger.CheckConnection(pctx)
	cancel()
	if !up {
		m.met.IncSyncSkipped()
		debuglog.Debugf("syncer: no connectivity, tick skipped")
		return
	}

	pending, err := m.st.Pending()
	if err != nil {
		debuglog.Logf("syncer: list pending: %v", err)
		return
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		// Detached context: cancellation stops the loop between
		// transactions but never aborts an in-flight reconciliation.
		if _, err := m.SyncOne(context.Background(), rec.ID); err != nil {
			debuglog.Debugf("syncer: %s: %v", rec.ID, err)
		}
	}
}

// Run drives periodic reconciliation until ctx is canceled. The loop never
// exits on error.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SyncAll(ctx)
		case <-m.trigger:
			m.SyncAll(ctx)
		}
	}
}

package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"meshpay/internal/debuglog"
	"meshpay/internal/fisher"
	"meshpay/internal/mesh"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
	"meshpay/internal/store"
	"meshpay/internal/syncer"
	"meshpay/internal/tx"
	"meshpay/internal/wallet"
)

var ErrWalletNotConfigured = errors.New("wallet not configured")

// Router is the slice of the mesh the pipeline needs: hand an envelope to
// the routing layer and let it broadcast or forward.
type Router interface {
	Route(ctx context.Context, env proto.Envelope)
}

// Service is the payment pipeline. Outgoing payments are signed, persisted,
// broadcast, and captured locally; incoming ones are validated, deduplicated,
// re-broadcast once, and captured. Settlement against the authoritative
// ledger is the syncer's job, nudged after every new transaction.
type Service struct {
	self   string
	signer wallet.Signer
	st     *store.TxStore
	fish   *fisher.Service
	sync   *syncer.Manager
	router Router
	met    *metrics.Metrics
}

func New(self string, signer wallet.Signer, st *store.TxStore, fish *fisher.Service, sm *syncer.Manager, router Router, met *metrics.Metrics) *Service {
	if met == nil {
		met = metrics.New()
	}
	return &Service{
		self:   self,
		signer: signer,
		st:     st,
		fish:   fish,
		sync:   sm,
		router: router,
		met:    met,
	}
}

// CreatePayment signs and launches a new payment. The transaction is durable
// before anything touches the network; a node that dies right after returns
// still replays it from the pending index.
func (s *Service) CreatePayment(ctx context.Context, to string, amount uint64, message string) (tx.Transaction, error) {
	if s.signer == nil {
		return tx.Transaction{}, ErrWalletNotConfigured
	}
	if to == "" {
		return tx.Transaction{}, fmt.Errorf("%w: missing recipient", tx.ErrMalformed)
	}
	if amount == 0 {
		return tx.Transaction{}, fmt.Errorf("%w: zero amount", tx.ErrMalformed)
	}

	t := tx.New(s.signer.Address(), to, amount, message)
	sig, err := s.signer.Sign(t.Digest())
	if err != nil {
		return tx.Transaction{}, err
	}
	t.Signature = hex.EncodeToString(sig)
	if err := tx.Validate(t); err != nil {
		return tx.Transaction{}, err
	}
	t.MarkSeen(s.self)

	if err := s.st.Put(t); err != nil {
		return tx.Transaction{}, err
	}
	s.met.IncPaymentCreated()
	debuglog.Logf("payment: created %s %s -> %s amount=%d", t.ID, t.From, t.To, t.Amount)

	s.broadcast(ctx, t)
	s.capture(ctx, t)
	if s.sync != nil {
		s.sync.TriggerSync()
	}
	return t, nil
}

// HandleIncoming processes a payment envelope delivered by the mesh.
// Duplicates by id are dropped before any state changes; a valid new
// transaction is persisted, re-broadcast once, and captured.
func (s *Service) HandleIncoming(ctx context.Context, env proto.Envelope) error {
	var t tx.Transaction
	if err := json.Unmarshal(env.Data, &t); err != nil {
		s.met.IncPaymentInvalid()
		return fmt.Errorf("%w: %v", tx.ErrMalformed, err)
	}
	if err := tx.Validate(t); err != nil {
		s.met.IncPaymentInvalid()
		debuglog.Debugf("payment: rejecting %s from mesh: %v", t.ID, err)
		return err
	}

	known, err := s.st.Has(t.ID)
	if err != nil {
		return err
	}
	if known {
		s.met.IncPaymentDuplicate()
		debuglog.Debugf("payment: duplicate %s", t.ID)
		return nil
	}

	// Status claimed on the wire is untrusted; the local lifecycle starts
	// at pending regardless.
	t.Status = tx.StatusPending
	fresh := t.MarkSeen(s.self)
	if err := s.st.Put(t); err != nil {
		return err
	}
	s.met.IncPaymentReceived()
	debuglog.Debugf("payment: received %s %s -> %s amount=%d", t.ID, t.From, t.To, t.Amount)

	if fresh {
		s.broadcast(ctx, t)
	}
	s.capture(ctx, t)
	if s.sync != nil {
		s.sync.TriggerSync()
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, t tx.Transaction) {
	if s.router == nil {
		return
	}
	env, err := proto.NewEnvelope(proto.MsgTypePayment, s.self, "", t)
	if err != nil {
		debuglog.Logf("payment: build envelope for %s: %v", t.ID, err)
		return
	}
	s.router.Route(ctx, env)
}

// capture runs the local fisher over a new transaction. Execution errors are
// not the sender's problem: transient ones retry on the next pass and the
// transaction stays pending until some operator settles it.
func (s *Service) capture(ctx context.Context, t tx.Transaction) {
	if s.fish == nil {
		return
	}
	if err := s.fish.Capture(ctx, t); err != nil {
		debuglog.Logf("payment: capture %s: %v", t.ID, err)
		return
	}
	if _, err := s.fish.Execute(ctx, t.ID); err != nil {
		switch {
		case errors.Is(err, fisher.ErrAlreadyExecuted):
		case errors.Is(err, fisher.ErrInvalidSignature):
			debuglog.Logf("payment: %s failed execution: %v", t.ID, err)
		default:
			debuglog.Debugf("payment: execute %s: %v", t.ID, err)
		}
	}
}

// HandleSyncRequest answers a peer's catch-up request with every local
// transaction at or after its cutoff.
func (s *Service) HandleSyncRequest(ctx context.Context, env proto.Envelope) error {
	var req proto.SyncRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("bad sync-request: %w", err)
	}
	all, err := s.st.All()
	if err != nil {
		return err
	}
	var txs []json.RawMessage
	for _, rec := range all {
		if rec.Timestamp < req.Since {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		txs = append(txs, raw)
	}
	resp, err := proto.NewEnvelope(proto.MsgTypeSyncResponse, s.self, env.From, proto.SyncResponse{Txs: txs})
	if err != nil {
		return err
	}
	if s.router != nil {
		s.router.Route(ctx, resp)
	}
	debuglog.Debugf("payment: sync-request from %s answered with %d txs", env.From, len(txs))
	return nil
}

// HandleSyncResponse merges a peer's transaction set. Entries are validated
// and deduplicated like live traffic but never re-broadcast.
func (s *Service) HandleSyncResponse(ctx context.Context, env proto.Envelope) error {
	var resp proto.SyncResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return fmt.Errorf("bad sync-response: %w", err)
	}
	merged := 0
	for _, raw := range resp.Txs {
		var t tx.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if err := tx.Validate(t); err != nil {
			s.met.IncPaymentInvalid()
			continue
		}
		known, err := s.st.Has(t.ID)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		t.Status = tx.StatusPending
		t.MarkSeen(s.self)
		if err := s.st.Put(t); err != nil {
			return err
		}
		s.met.IncPaymentReceived()
		s.capture(ctx, t)
		merged++
	}
	if merged > 0 {
		debuglog.Debugf("payment: merged %d txs from %s", merged, env.From)
		if s.sync != nil {
			s.sync.TriggerSync()
		}
	}
	return nil
}

// ReplayPending re-broadcasts and re-captures transactions that were still
// in flight at the last shutdown.
func (s *Service) ReplayPending(ctx context.Context) error {
	pending, err := s.st.Pending()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		s.broadcast(ctx, rec)
		s.capture(ctx, rec)
	}
	if len(pending) > 0 {
		debuglog.Logf("payment: replayed %d in-flight transactions", len(pending))
		if s.sync != nil {
			s.sync.TriggerSync()
		}
	}
	return nil
}

// RequestCatchUp asks the mesh for transactions newer than since.
func (s *Service) RequestCatchUp(ctx context.Context, since int64) error {
	if s.router == nil {
		return nil
	}
	env, err := proto.NewEnvelope(proto.MsgTypeSyncRequest, s.self, "", proto.SyncRequest{Since: since})
	if err != nil {
		return err
	}
	s.router.Route(ctx, env)
	return nil
}

// Run drains mesh events until the context ends. Discovery events go back to
// the channel manager; everything else lands in the pipeline.
func (s *Service) Run(ctx context.Context, events <-chan mesh.Event, mgr *mesh.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case mesh.EventPayment:
				if err := s.HandleIncoming(ctx, ev.Envelope); err != nil {
					debuglog.Debugf("payment: inbound from %s: %v", ev.Envelope.From, err)
				}
			case mesh.EventSyncRequest:
				if err := s.HandleSyncRequest(ctx, ev.Envelope); err != nil {
					debuglog.Debugf("payment: sync-request from %s: %v", ev.Envelope.From, err)
				}
			case mesh.EventSyncResponse:
				if err := s.HandleSyncResponse(ctx, ev.Envelope); err != nil {
					debuglog.Debugf("payment: sync-response from %s: %v", ev.Envelope.From, err)
				}
			case mesh.EventPeerDiscovery:
				if mgr != nil {
					mgr.HandleDiscovery(ctx, ev.Envelope)
				}
			}
		}
	}
}

package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"meshpay/internal/fisher"
	"meshpay/internal/ledger"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
	"meshpay/internal/store"
	"meshpay/internal/syncer"
	"meshpay/internal/tx"
	"meshpay/internal/wallet"
)

type fakeRouter struct {
	mu     sync.Mutex
	routed []proto.Envelope
}

func (f *fakeRouter) Route(_ context.Context, env proto.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, env)
}

func (f *fakeRouter) ofType(msgType string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, env := range f.routed {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	st     *store.TxStore
	router *fakeRouter
	signer *wallet.LocalSigner
	auth   *ledger.DevAuthoritative
	sync   *syncer.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	signer, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	operator, err := wallet.NewLocalSigner()
	require.NoError(t, err)

	met := metrics.New()
	virtual := ledger.NewDevVirtual()
	fish := fisher.New(operator, virtual, st, met)
	auth := ledger.NewDevAuthoritative()
	sm := syncer.New(st, auth, met)
	router := &fakeRouter{}

	return &fixture{
		svc:    New("node-1", signer, st, fish, sm, router, met),
		st:     st,
		router: router,
		signer: signer,
		auth:   auth,
		sync:   sm,
	}
}

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func rawTxs(t *testing.T, txs ...tx.Transaction) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(txs))
	for _, rec := range txs {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

func signedTx(t *testing.T, signer *wallet.LocalSigner, to string, amount uint64) tx.Transaction {
	t.Helper()
	rec := tx.New(signer.Address(), to, amount, "test")
	sig, err := signer.Sign(rec.Digest())
	require.NoError(t, err)
	rec.Signature = hex.EncodeToString(sig)
	return rec
}

func TestCreatePaymentPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreatePayment(ctx, "0x00000000000000000000000000000000000000aa", 5000, "coffee")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NoError(t, tx.Validate(created))
	require.Contains(t, created.SeenBy, "node-1")

	stored, found, err := f.st.Get(created.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tx.StatusConfirmed, stored.Status, "local fisher should settle immediately")

	broadcasts := f.router.ofType(proto.MsgTypePayment)
	require.Len(t, broadcasts, 1)
	require.Empty(t, broadcasts[0].To, "payments fan out as broadcasts")
}

func TestCreatePaymentRequiresWallet(t *testing.T) {
	f := newFixture(t)
	f.svc.signer = nil
	_, err := f.svc.CreatePayment(context.Background(), "0xaa", 100, "")
	require.ErrorIs(t, err, ErrWalletNotConfigured)
}

func TestCreatePaymentRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreatePayment(ctx, "", 100, "")
	require.ErrorIs(t, err, tx.ErrMalformed)
	_, err = f.svc.CreatePayment(ctx, "0xaa", 0, "")
	require.ErrorIs(t, err, tx.ErrMalformed)
}

func TestHandleIncomingStoresAndRebroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	rec := signedTx(t, sender, "0x00000000000000000000000000000000000000bb", 2000)
	rec.Status = tx.StatusSynced // wire status must not be trusted
	env, err := proto.NewEnvelope(proto.MsgTypePayment, "node-2", "", rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleIncoming(ctx, env))

	stored, found, err := f.st.Get(rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, tx.StatusSynced, stored.Status)
	require.Contains(t, stored.SeenBy, "node-1")

	require.Len(t, f.router.ofType(proto.MsgTypePayment), 1)
}

func TestHandleIncomingDuplicateDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	rec := signedTx(t, sender, "0xbb", 2000)
	env, err := proto.NewEnvelope(proto.MsgTypePayment, "node-2", "", rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleIncoming(ctx, env))
	require.NoError(t, f.svc.HandleIncoming(ctx, env))

	require.Len(t, f.router.ofType(proto.MsgTypePayment), 1, "duplicates must not re-broadcast")
}

func TestHandleIncomingRejectsTampered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	rec := signedTx(t, sender, "0xbb", 2000)
	rec.Amount = 999999
	env, err := proto.NewEnvelope(proto.MsgTypePayment, "node-2", "", rec)
	require.NoError(t, err)

	require.Error(t, f.svc.HandleIncoming(ctx, env))
	known, err := f.st.Has(rec.ID)
	require.NoError(t, err)
	require.False(t, known, "tampered transactions must not be stored")
}

func TestHandleSyncRequestAnswersWithRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	oldTx := signedTx(t, sender, "0xbb", 100)
	oldTx.Timestamp = 1000
	newTx := signedTx(t, sender, "0xcc", 200)
	newTx.Timestamp = 5000
	require.NoError(t, f.st.Put(oldTx))
	require.NoError(t, f.st.Put(newTx))

	req, err := proto.NewEnvelope(proto.MsgTypeSyncRequest, "node-2", "node-1", proto.SyncRequest{Since: 2000})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleSyncRequest(ctx, req))

	replies := f.router.ofType(proto.MsgTypeSyncResponse)
	require.Len(t, replies, 1)
	require.Equal(t, "node-2", replies[0].To)

	var resp proto.SyncResponse
	require.NoError(t, decode(replies[0].Data, &resp))
	require.Len(t, resp.Txs, 1)
}

func TestHandleSyncResponseMergesOnlyValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := wallet.NewLocalSigner()
	require.NoError(t, err)
	good := signedTx(t, sender, "0xbb", 300)
	bad := good
	bad.ID = "tampered"
	bad.Amount = 12345

	resp := proto.SyncResponse{Txs: rawTxs(t, good, bad)}
	env, err := proto.NewEnvelope(proto.MsgTypeSyncResponse, "node-2", "node-1", resp)
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleSyncResponse(ctx, env))

	known, err := f.st.Has(good.ID)
	require.NoError(t, err)
	require.True(t, known)
	knownBad, err := f.st.Has(bad.ID)
	require.NoError(t, err)
	require.False(t, knownBad)

	require.Empty(t, f.router.ofType(proto.MsgTypePayment), "merged txs must not re-broadcast")
}

func TestOfflineCreateThenReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.auth.SetReachable(false)

	created, err := f.svc.CreatePayment(ctx, "0x00000000000000000000000000000000000000dd", 4000, "")
	require.NoError(t, err)

	f.sync.SyncAll(ctx)
	stored, _, err := f.st.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, tx.StatusConfirmed, stored.Status, "unreachable ledger must leave status alone")

	f.auth.SetReachable(true)
	f.auth.Credit(created.From, 10000)
	f.sync.SyncAll(ctx)

	stored, _, err = f.st.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, tx.StatusSynced, stored.Status)
	require.Contains(t, f.auth.Transfers(), "offline payment sync: "+created.ID)
}

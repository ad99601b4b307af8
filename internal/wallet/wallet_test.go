package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
)

func newTestWallet(t *testing.T) (*Memory, *loop.Manual) {
	t.Helper()
	sched := loop.NewManual(time.Unix(1_700_000_000, 0))
	w, err := NewMemory(sched, 2)
	require.NoError(t, err)
	return w, sched
}

func payoutRequest(t *testing.T, w *Memory, tradeID string) PayoutRequest {
	t.Helper()
	pub, err := w.NewMultiSigKey(tradeID)
	require.NoError(t, err)
	kp, err := w.MultiSigKeyPair(tradeID, pub)
	require.NoError(t, err)
	return PayoutRequest{
		DepositTxSerialized: []byte("deposit"),
		ArbitratorSignature: []byte("arb-sig"),
		BuyerPayoutAmount:   1_100_000,
		SellerPayoutAmount:  100_000,
		BuyerPayoutAddress:  "bc1buyer",
		SellerPayoutAddress: "bc1seller",
		MultiSigKeyPair:     kp,
		BuyerMultiSigPubKey: pub,
		ArbitratorPubKey:    w.ArbitratorPubKey(),
	}
}

func TestTxError(t *testing.T) {
	tests := []struct {
		name     string
		err      *TxError
		contains string
	}{
		{
			name:     "with tx id",
			err:      &TxError{Op: "broadcast", TxID: "abc123", Err: ErrBroadcastRejected},
			contains: "abc123",
		},
		{
			name:     "without tx id",
			err:      &TxError{Op: "sign payout", Err: ErrUnknownKey},
			contains: "sign payout failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.contains)
			assert.True(t, errors.Is(tt.err, tt.err.Err))
		})
	}
}

func TestReadiness(t *testing.T) {
	w, sched := newTestWallet(t)
	calls := 0
	w.AddReadyListener(func() { calls++ })

	assert.False(t, w.IsDownloadComplete())
	assert.False(t, w.HasSufficientPeersForBroadcast())

	w.SetDownloadComplete(true)
	w.SetPeers(1)
	assert.False(t, w.HasSufficientPeersForBroadcast())
	w.SetPeers(2)
	assert.True(t, w.HasSufficientPeersForBroadcast())

	assert.Equal(t, 0, calls, "listeners run on the scheduler")
	sched.Flush()
	assert.Equal(t, 3, calls)
}

func TestMultiSigKeyPair(t *testing.T) {
	w, _ := newTestWallet(t)
	pub, err := w.NewMultiSigKey("trade-1")
	require.NoError(t, err)

	kp, err := w.MultiSigKeyPair("trade-1", pub)
	require.NoError(t, err)
	assert.Equal(t, pub, kp.PubKey)

	_, err = w.MultiSigKeyPair("trade-2", pub)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestArbitratorSign(t *testing.T) {
	w, _ := newTestWallet(t)
	sig, err := w.ArbitratorSign([]byte("T1|BUYER"))
	require.NoError(t, err)
	require.NoError(t, keyring.Verify(w.ArbitratorPubKey(), []byte("T1|BUYER"), sig))
	assert.Error(t, keyring.Verify(w.ArbitratorPubKey(), []byte("T1|SELLER"), sig))
}

func TestSignPayout(t *testing.T) {
	w, _ := newTestWallet(t)
	req := payoutRequest(t, w, "trade-1")

	tx, err := w.TraderSignAndFinalizeDisputedPayoutTx(req)
	require.NoError(t, err)
	assert.Equal(t, TxID(tx.Raw), tx.ID)

	stored, ok := w.Transaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, tx.Raw, stored.Raw)

	// The peer committing the same bytes sees the same id.
	peer, _ := newTestWallet(t)
	committed, err := peer.AddNetworkTx(tx.Raw)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, committed.ID)
}

func TestSignPayoutRejectsInvalid(t *testing.T) {
	w, _ := newTestWallet(t)

	tests := []struct {
		name   string
		mutate func(*PayoutRequest)
		want   error
	}{
		{"missing deposit", func(r *PayoutRequest) { r.DepositTxSerialized = nil }, ErrInvalidTransaction},
		{"negative amount", func(r *PayoutRequest) { r.SellerPayoutAmount = -1 }, ErrInvalidTransaction},
		{"zero payout", func(r *PayoutRequest) { r.BuyerPayoutAmount, r.SellerPayoutAmount = 0, 0 }, ErrInvalidTransaction},
		{"missing address", func(r *PayoutRequest) { r.BuyerPayoutAddress = "" }, ErrInvalidTransaction},
		{"missing arbitrator sig", func(r *PayoutRequest) { r.ArbitratorSignature = nil }, ErrInvalidTransaction},
		{"foreign key", func(r *PayoutRequest) { r.BuyerMultiSigPubKey = []byte{1} }, ErrInvalidTransaction},
		{"no key", func(r *PayoutRequest) { r.MultiSigKeyPair = KeyPair{} }, ErrUnknownKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := payoutRequest(t, w, "trade-"+tt.name)
			tt.mutate(&req)
			_, err := w.TraderSignAndFinalizeDisputedPayoutTx(req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBroadcast(t *testing.T) {
	w, sched := newTestWallet(t)
	tx := Tx{ID: "tx1", Raw: []byte("raw")}

	var gotErr error
	called := 0
	w.BroadcastTx(tx, 15*time.Second, func(_ Tx, err error) { called++; gotErr = err })
	assert.Equal(t, 0, called)
	sched.Flush()
	assert.Equal(t, 1, called)
	assert.NoError(t, gotErr)

	w.FailBroadcasts(ErrBroadcastRejected)
	w.BroadcastTx(tx, 15*time.Second, func(_ Tx, err error) { called++; gotErr = err })
	sched.Flush()
	assert.ErrorIs(t, gotErr, ErrBroadcastRejected)
	assert.Len(t, w.Broadcasts(), 2)
}

func TestBroadcastTimeout(t *testing.T) {
	w, sched := newTestWallet(t)
	w.StallBroadcasts(true)

	var gotErr error
	w.BroadcastTx(Tx{ID: "tx1"}, 15*time.Second, func(_ Tx, err error) { gotErr = err })
	sched.Advance(14 * time.Second)
	assert.NoError(t, gotErr)
	sched.Advance(time.Second)
	assert.ErrorIs(t, gotErr, ErrBroadcastTimeout)
}

func TestChainState(t *testing.T) {
	w, _ := newTestWallet(t)
	w.SetChainHeight(100)
	w.SetChainHeight(90)
	assert.Equal(t, 100, w.ChainHeight())

	w.SetDonationAddresses([]string{"a", "b"})
	addrs := w.AllDonationAddresses()
	addrs[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, w.AllDonationAddresses())
}

func TestPriceAt(t *testing.T) {
	w, _ := newTestWallet(t)
	_, ok := w.PriceAt("EUR", time.Now())
	assert.False(t, ok)

	w.SetPrice("EUR", 50_000_0000)
	p, ok := w.PriceAt("EUR", time.Now())
	assert.True(t, ok)
	assert.Equal(t, int64(50_000_0000), p)
}

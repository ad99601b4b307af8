package arbitration

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/sim"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

type setup struct {
	w      *sim.World
	buyer  *Manager
	seller *Manager
	agent  *Manager
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	w, err := sim.NewWorld(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	s := &setup{w: w}
	for _, p := range []struct {
		party *sim.Party
		dst   **Manager
	}{{w.Buyer, &s.buyer}, {w.Seller, &s.seller}, {w.Agent, &s.agent}} {
		m, err := New(w.Config(p.party))
		require.NoError(t, err)
		t.Cleanup(m.Shutdown)
		*p.dst = m
	}
	for _, m := range []*Manager{s.buyer, s.seller, s.agent} {
		m.OnAllServicesInitialized()
	}
	w.Sched.Flush()
	return s
}

// open lets the buyer file the dispute and waits for the mirror to reach the
// seller.
func (s *setup) open(t *testing.T) {
	t.Helper()
	_, err := s.buyer.OpenDispute(sim.TradeID, s.w.Agent.Ring.PubKeyRing(), nil, func(msg string, err error) {
		t.Errorf("open dispute fault: %s: %v", msg, err)
	})
	require.NoError(t, err)
	s.w.Sched.Advance(resolution.PeerOpenedDelay)
	require.NotNil(t, s.seller.FindOwnDispute(sim.TradeID))
}

// decide sends r to both traders, buyer first.
func (s *setup) decide(t *testing.T, r dispute.Result) (buyerCopy, sellerCopy *dispute.Dispute) {
	t.Helper()
	buyerCopy = s.agent.FindDispute(sim.TradeID, s.w.Buyer.Ring.PubKeyRing().TraderID())
	sellerCopy = s.agent.FindDispute(sim.TradeID, s.w.Seller.Ring.PubKeyRing().TraderID())
	require.NotNil(t, buyerCopy)
	require.NotNil(t, sellerCopy)
	require.NoError(t, s.agent.SendDisputeResultMessage(&r, buyerCopy, ""))
	require.NoError(t, s.agent.SendDisputeResultMessage(&r, sellerCopy, ""))
	s.w.Sched.Flush()
	return buyerCopy, sellerCopy
}

func buyerWins() dispute.Result {
	return dispute.Result{
		Winner:             dispute.WinnerBuyer,
		Reason:             dispute.ReasonSellerNotResponding,
		BuyerPayoutAmount:  1_500_000,
		SellerPayoutAmount: 500_000,
	}
}

func resultChat(d *dispute.Dispute) *dispute.ChatMessage {
	return d.ChatMessages[len(d.ChatMessages)-1]
}

func TestNew_RequiresWallet(t *testing.T) {
	w, err := sim.NewWorld(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	cfg := w.Config(w.Buyer)
	cfg.Wallet = nil
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrNoWallet)
}

func TestDisputeResult_WinnerPublishesOnce(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	before := testutil.ToFloat64(metrics.PayoutBroadcastsTotal.WithLabelValues("success"))

	buyerCopy, sellerCopy := s.decide(t, buyerWins())

	require.Len(t, s.w.Buyer.Wallet.Broadcasts(), 1, "buyer is the publisher")
	assert.Empty(t, s.w.Seller.Wallet.Broadcasts())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PayoutBroadcastsTotal.WithLabelValues("success")))
	txID := s.w.Buyer.Wallet.Broadcasts()[0].ID

	bd := s.buyer.FindOwnDispute(sim.TradeID)
	sd := s.seller.FindOwnDispute(sim.TradeID)
	assert.True(t, bd.IsClosed())
	assert.True(t, sd.IsClosed())
	assert.Equal(t, txID, bd.DisputePayoutTxID)
	assert.Equal(t, txID, sd.DisputePayoutTxID, "seller commits the relayed tx")

	_, ok := s.w.Seller.Wallet.Transaction(txID)
	assert.True(t, ok)

	for _, p := range []*sim.Party{s.w.Buyer, s.w.Seller} {
		tr, loc := p.Trades.Find(sim.TradeID)
		require.NotNil(t, tr)
		assert.Equal(t, trade.LocationClosed, loc, p.Name)
		assert.Equal(t, trade.DisputeClosed, tr.DisputeState, p.Name)
		assert.Equal(t, txID, tr.PayoutTxID, p.Name)
	}

	assert.True(t, buyerCopy.IsClosed())
	assert.True(t, sellerCopy.IsClosed())
	assert.True(t, resultChat(buyerCopy).Acknowledged)
	assert.True(t, resultChat(sellerCopy).Acknowledged)
}

func TestDisputeResult_LoserPublisher(t *testing.T) {
	s := newSetup(t)
	s.open(t)

	r := buyerWins()
	r.IsLoserPublisher = true
	s.decide(t, r)

	assert.Empty(t, s.w.Buyer.Wallet.Broadcasts())
	require.Len(t, s.w.Seller.Wallet.Broadcasts(), 1)
	txID := s.w.Seller.Wallet.Broadcasts()[0].ID
	assert.Equal(t, txID, s.buyer.FindOwnDispute(sim.TradeID).DisputePayoutTxID)
}

func TestDisputeResult_BroadcastFailure(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	s.w.Buyer.Wallet.FailBroadcasts(errors.New("no peers"))
	before := testutil.ToFloat64(metrics.PayoutBroadcastsTotal.WithLabelValues("failure"))

	buyerCopy, _ := s.decide(t, buyerWins())

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PayoutBroadcastsTotal.WithLabelValues("failure")))
	bd := s.buyer.FindOwnDispute(sim.TradeID)
	assert.True(t, bd.IsClosed())
	assert.Empty(t, bd.DisputePayoutTxID)
	assert.Contains(t, resultChat(buyerCopy).AckError, "broadcast failed")

	tr, _ := s.w.Buyer.Trades.Find(sim.TradeID)
	assert.False(t, tr.HasPayout())
	assert.Empty(t, s.seller.FindOwnDispute(sim.TradeID).DisputePayoutTxID)
}

func TestDisputeResult_BroadcastTimeout(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	s.w.Buyer.Wallet.StallBroadcasts(true)

	buyerCopy, _ := s.decide(t, buyerWins())
	assert.Empty(t, resultChat(buyerCopy).AckError)

	s.w.Sched.Advance(resolution.BroadcastTimeout)
	assert.Contains(t, resultChat(buyerCopy).AckError, wallet.ErrBroadcastTimeout.Error())
}

// signedResult builds the agent's result for the buyer's dispute without
// sending it.
func (s *setup) signedResult(t *testing.T, r dispute.Result) *protocol.DisputeResult {
	t.Helper()
	buyerCopy := s.agent.FindDispute(sim.TradeID, s.w.Buyer.Ring.PubKeyRing().TraderID())
	require.NotNil(t, buyerCopy)
	r.TradeID = sim.TradeID
	r.TraderID = buyerCopy.TraderID
	require.NoError(t, s.agent.SignResult(&r))
	return &protocol.DisputeResult{
		Header: protocol.Header{Sender: s.w.Agent.Node.Address(), MsgUID: idgen.New(), Support: dispute.SupportArbitration},
		Result: &r,
	}
}

func TestDisputeResult_BadSignatureRejected(t *testing.T) {
	s := newSetup(t)
	s.open(t)

	msg := s.signedResult(t, buyerWins())
	msg.Result.ArbitratorSignature[3] ^= 0xff

	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	s.w.Agent.Node.SendMailbox(s.w.Buyer.Node.Address(), s.w.Buyer.Ring.PubKeyRing(), payload, nil)
	s.w.Sched.Flush()

	bd := s.buyer.FindOwnDispute(sim.TradeID)
	assert.False(t, bd.IsClosed())
	assert.Nil(t, bd.Result)
	assert.Empty(t, s.w.Buyer.Wallet.Broadcasts())
}

func TestDisputeResult_RedeliveredDuringBroadcast(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	msg := s.signedResult(t, buyerWins())

	// The wallet reports broadcasts on the next loop turn, so both
	// deliveries happen while the first broadcast is in flight.
	s.buyer.OnDisputeResult(msg)
	s.buyer.OnDisputeResult(msg)
	s.w.Sched.Flush()

	require.Len(t, s.w.Buyer.Wallet.Broadcasts(), 1)
	txID := s.w.Buyer.Wallet.Broadcasts()[0].ID
	assert.Equal(t, txID, s.buyer.FindOwnDispute(sim.TradeID).DisputePayoutTxID)

	s.buyer.OnDisputeResult(msg)
	s.w.Sched.Flush()
	assert.Len(t, s.w.Buyer.Wallet.Broadcasts(), 1, "a later delivery only relays")
	assert.Equal(t, txID, s.seller.FindOwnDispute(sim.TradeID).DisputePayoutTxID)
}

func TestDisputeResult_RedeliveredAfterPayoutWithoutTrade(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	msg := s.signedResult(t, buyerWins())
	s.buyer.OnDisputeResult(msg)
	s.w.Sched.Flush()
	require.Len(t, s.w.Buyer.Wallet.Broadcasts(), 1)

	// Payout recorded on the dispute only.
	tr, _ := s.w.Buyer.Trades.Find(sim.TradeID)
	require.NotNil(t, tr)
	tr.PayoutTxID = ""

	s.buyer.OnDisputeResult(msg)
	s.w.Sched.Flush()
	assert.Len(t, s.w.Buyer.Wallet.Broadcasts(), 1)
	assert.Equal(t, s.w.Buyer.Wallet.Broadcasts()[0].ID, s.seller.FindOwnDispute(sim.TradeID).DisputePayoutTxID)
}

func TestVerifyResult(t *testing.T) {
	wal, err := wallet.NewMemory(nil, 0)
	require.NoError(t, err)
	r := &dispute.Result{TradeID: sim.TradeID, Winner: dispute.WinnerSeller, SellerPayoutAmount: 10}
	assert.ErrorIs(t, verifyResult(r), ErrResultSignature)

	r.ArbitratorSignature, err = wal.ArbitratorSign(r.SigningPayload())
	require.NoError(t, err)
	r.ArbitratorPubKey = wal.ArbitratorPubKey()
	assert.NoError(t, verifyResult(r))

	r.TraderID = 42
	assert.NoError(t, verifyResult(r), "trader id is not signed")

	r.SellerPayoutAmount = 11
	assert.ErrorIs(t, verifyResult(r), ErrResultSignature)
}

func TestCleanupDisputes_ClosesTrade(t *testing.T) {
	s := newSetup(t)
	s.open(t)
	s.buyer.FindOwnDispute(sim.TradeID).SetClosed()

	s.buyer.CleanupDisputes()

	tr, loc := s.w.Buyer.Trades.Find(sim.TradeID)
	assert.Equal(t, trade.LocationClosed, loc)
	assert.Equal(t, trade.DisputeClosed, tr.DisputeState)
}

// Package arbitration is the legacy dispute procedure in which the
// arbitrator co-signs the disputed payout of the 2-of-3 multisig deposit.
//
// Exactly one trader publishes the payout: the winner, or the loser when the
// result sets IsLoserPublisher. The publisher relays the transaction to the
// other trader, who only commits it to its wallet.
package arbitration

import (
	"errors"
	"fmt"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

// Spec describes arbitration to the engine.
var Spec = resolution.Spec{
	SupportType: dispute.SupportArbitration,
	FileName:    "ArbitrationDisputeList",
	Role:        "arbitrator",
	Ticket:      "arbitration",
	ResultState: dispute.StateClosed,
}

var (
	// ErrNoWallet is returned when arbitration is set up without a wallet.
	ErrNoWallet = errors.New("arbitration: wallet required")
	// ErrResultSignature means the arbitrator signature of a result does
	// not verify.
	ErrResultSignature = errors.New("arbitration: invalid arbitrator signature")
)

// Manager handles arbitration disputes.
type Manager struct {
	*resolution.Engine
	wallet wallet.Service

	// Trades whose payout broadcast has not reported back yet.
	broadcasting map[string]bool
}

// New creates the arbitration manager. cfg.Spec is overwritten and
// cfg.Wallet is required.
func New(cfg resolution.Config) (*Manager, error) {
	if cfg.Wallet == nil {
		return nil, ErrNoWallet
	}
	cfg.Spec = Spec
	m := &Manager{wallet: cfg.Wallet, broadcasting: make(map[string]bool)}
	e, err := resolution.NewEngine(cfg, m)
	if err != nil {
		return nil, err
	}
	m.Engine = e
	return m, nil
}

// SignResult signs with the arbitrator's wallet key, the key the payout
// script commits to.
func (m *Manager) SignResult(r *dispute.Result) error {
	sig, err := m.wallet.ArbitratorSign(r.SigningPayload())
	if err != nil {
		return err
	}
	r.ArbitratorSignature = sig
	r.ArbitratorPubKey = m.wallet.ArbitratorPubKey()
	return nil
}

// OnDisputeResult closes the dispute and, if we are the publisher, signs
// and broadcasts the payout.
func (m *Manager) OnDisputeResult(msg *protocol.DisputeResult) {
	d := m.DisputeForResult(msg, func() { m.OnDisputeResult(msg) })
	if d == nil {
		return
	}
	r := msg.Result
	span := traces.StartDispute("arbitration.dispute_result", m.Spec().SupportType.String(), r.TradeID, r.TraderID)
	defer span.End()

	if err := verifyResult(r); err != nil {
		traces.Fail(span, err)
		m.Logger().Error("rejecting dispute result", "trade_id", r.TradeID, "error", err)
		m.AckResult(msg, d, false, err.Error())
		return
	}
	if d.Contract == nil {
		m.AckResult(msg, d, false, "contract missing")
		return
	}

	m.ApplyResult(d, r)
	d.SetClosed()
	m.RequestPersistence()

	own := m.KeyRing().PubKeyRing()
	isBuyer := d.Contract.IsBuyer(own)
	publisher := (r.Publisher() == dispute.WinnerBuyer) == isBuyer
	t, _ := m.Trades().Find(r.TradeID)

	if !publisher {
		m.Logger().Info("peer publishes the disputed payout", "trade_id", r.TradeID)
		m.CloseTradeOrOffer(r.TradeID, trade.DisputeClosed)
		m.AckResult(msg, d, true, "")
		return
	}

	if txID := publishedPayout(d, t); txID != "" {
		// Both sides may have completed already. Relay what we have.
		tx, ok := m.wallet.Transaction(txID)
		if !ok {
			m.AckResult(msg, d, false, "payout tx "+txID+" not in wallet")
			return
		}
		m.Logger().Info("payout already published, relaying", "trade_id", r.TradeID, "tx_id", tx.ID)
		m.sendPeerPublishedPayout(d, tx)
		m.AckResult(msg, d, true, "")
		return
	}

	if m.broadcasting[r.TradeID] {
		m.Logger().Debug("payout broadcast in flight, ignoring redelivered result", "trade_id", r.TradeID)
		m.AckResult(msg, d, true, "")
		return
	}

	tx, err := m.signPayout(d, r, isBuyer)
	if err != nil {
		m.Logger().Error("signing disputed payout failed", "trade_id", r.TradeID, "error", err)
		traces.Fail(span, err)
		m.AckResult(msg, d, false, err.Error())
		return
	}
	m.broadcasting[r.TradeID] = true
	m.wallet.BroadcastTx(tx, resolution.BroadcastTimeout, func(tx wallet.Tx, err error) {
		delete(m.broadcasting, r.TradeID)
		if err != nil {
			metrics.PayoutBroadcastsTotal.WithLabelValues("failure").Inc()
			m.Logger().Error("disputed payout broadcast failed", "trade_id", r.TradeID, "tx_id", tx.ID, "error", err)
			m.AckResult(msg, d, false, "broadcast failed: "+err.Error())
			return
		}
		metrics.PayoutBroadcastsTotal.WithLabelValues("success").Inc()
		m.Logger().Info("disputed payout published", "trade_id", r.TradeID, "tx_id", tx.ID)
		d.SetDisputePayoutTxID(tx.ID)
		m.Trades().SetPayout(r.TradeID, tx.ID)
		m.CloseTradeOrOffer(r.TradeID, trade.DisputeClosed)
		m.sendPeerPublishedPayout(d, tx)
		m.Publish(realtime.EventPayoutPublished, d, tx.ID)
		m.AckResult(msg, d, true, "")
		m.RequestPersistence()
	})
}

// publishedPayout returns the id of a payout already published for the
// dispute, as recorded on the dispute or on its trade.
func publishedPayout(d *dispute.Dispute, t *trade.Trade) string {
	if d.DisputePayoutTxID != "" {
		return d.DisputePayoutTxID
	}
	if t != nil && t.HasPayout() {
		return t.PayoutTxID
	}
	return ""
}

func verifyResult(r *dispute.Result) error {
	if len(r.ArbitratorPubKey) == 0 || len(r.ArbitratorSignature) == 0 {
		return fmt.Errorf("%w: missing", ErrResultSignature)
	}
	if err := keyring.Verify(r.ArbitratorPubKey, r.SigningPayload(), r.ArbitratorSignature); err != nil {
		return fmt.Errorf("%w: %v", ErrResultSignature, err)
	}
	return nil
}

func (m *Manager) signPayout(d *dispute.Dispute, r *dispute.Result, isBuyer bool) (wallet.Tx, error) {
	c := d.Contract
	ownMultiSig := c.SellerMultiSigPubKey()
	if isBuyer {
		ownMultiSig = c.BuyerMultiSigPubKey()
	}
	kp, err := m.wallet.MultiSigKeyPair(d.TradeID, ownMultiSig)
	if err != nil {
		return wallet.Tx{}, err
	}
	return m.wallet.TraderSignAndFinalizeDisputedPayoutTx(wallet.PayoutRequest{
		DepositTxSerialized:  d.DepositTxSerialized,
		ArbitratorSignature:  r.ArbitratorSignature,
		BuyerPayoutAmount:    r.BuyerPayoutAmount,
		SellerPayoutAmount:   r.SellerPayoutAmount,
		BuyerPayoutAddress:   c.BuyerPayoutAddress(),
		SellerPayoutAddress:  c.SellerPayoutAddress(),
		MultiSigKeyPair:      kp,
		BuyerMultiSigPubKey:  c.BuyerMultiSigPubKey(),
		SellerMultiSigPubKey: c.SellerMultiSigPubKey(),
		ArbitratorPubKey:     r.ArbitratorPubKey,
	})
}

func (m *Manager) sendPeerPublishedPayout(d *dispute.Dispute, tx wallet.Tx) {
	addr, ring := d.Contract.PeerOf(m.KeyRing().PubKeyRing())
	msg := &protocol.PeerPublishedPayoutTx{
		Header: protocol.Header{
			Sender:  m.MyAddress(),
			MsgUID:  idgen.New(),
			Support: Spec.SupportType,
		},
		Transaction: tx.Raw,
		TxTradeID:   d.TradeID,
	}
	if err := m.SendMailbox(addr, ring, msg, nil, nil); err != nil {
		m.Logger().Error("could not relay payout tx", "trade_id", d.TradeID, "error", err)
	}
}

// OnPeerPublishedPayout commits the payout the publishing trader relayed.
func (m *Manager) OnPeerPublishedPayout(msg *protocol.PeerPublishedPayoutTx) {
	d := m.DisputeForPayout(msg, func() { m.OnPeerPublishedPayout(msg) })
	if d == nil {
		return
	}
	_, ring := d.Contract.PeerOf(m.KeyRing().PubKeyRing())
	tx, err := m.wallet.AddNetworkTx(msg.Transaction)
	if err != nil {
		m.Logger().Error("could not commit relayed payout tx", "trade_id", d.TradeID, "error", err)
		m.SendAck(msg.Sender, ring, msg.UID(), d.TradeID, false, err.Error())
		return
	}
	m.Logger().Info("peer published disputed payout", "trade_id", d.TradeID, "tx_id", tx.ID)
	d.SetDisputePayoutTxID(tx.ID)
	m.Trades().SetPayout(d.TradeID, tx.ID)
	m.CloseTradeOrOffer(d.TradeID, trade.DisputeClosed)
	m.Publish(realtime.EventPayoutPublished, d, tx.ID)
	m.SendAck(msg.Sender, ring, msg.UID(), d.TradeID, true, "")
	m.RequestPersistence()
}

// CleanupDisputes closes trades whose arbitration dispute is closed.
func (m *Manager) CleanupDisputes() {
	for _, d := range m.Disputes() {
		if d.IsClosed() {
			m.Trades().CloseDisputedTrade(d.TradeID, trade.DisputeClosed)
		}
	}
}

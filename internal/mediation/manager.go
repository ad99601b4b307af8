// Package mediation is the first dispute stage. The mediator proposes a
// payout; the dispute stays RESULT_PROPOSED until the trade pays out with
// it, and the traders may escalate to a refund request instead.
package mediation

import (
	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
)

// Spec describes mediation to the engine.
var Spec = resolution.Spec{
	SupportType: dispute.SupportMediation,
	FileName:    "MediationDisputeList",
	Role:        "mediator",
	Ticket:      "mediation",
	ResultState: dispute.StateResultProposed,
}

// Manager handles mediation disputes.
type Manager struct {
	*resolution.Engine
}

// New creates the mediation manager. cfg.Spec is overwritten.
func New(cfg resolution.Config) (*Manager, error) {
	cfg.Spec = Spec
	m := &Manager{}
	e, err := resolution.NewEngine(cfg, m)
	if err != nil {
		return nil, err
	}
	m.Engine = e
	e.Trades().AddPayoutListener(m.onPayout)
	return m, nil
}

// OnDisputeResult stores the mediator's proposal and records the proposed
// amounts on the trade.
func (m *Manager) OnDisputeResult(msg *protocol.DisputeResult) {
	d := m.DisputeForResult(msg, func() { m.OnDisputeResult(msg) })
	if d == nil {
		return
	}
	r := msg.Result
	m.ApplyResult(d, r)
	d.SetState(dispute.StateResultProposed)

	t, _ := m.Trades().Find(r.TradeID)
	switch {
	case t == nil:
		if m.Trades().CloseOpenOffer(r.TradeID) {
			m.Logger().Info("closed open offer after mediation result", "offer_id", r.TradeID)
		}
	case t.DisputeState == trade.MediationRequested || t.DisputeState == trade.MediationStartedByPeer:
		m.Trades().SetMediationPayout(r.TradeID, r.BuyerPayoutAmount, r.SellerPayoutAmount)
		m.Trades().SetDisputeState(r.TradeID, trade.MediationClosed)
	default:
		m.Logger().Warn("mediation result for trade in unexpected state",
			"trade_id", r.TradeID, "state", t.DisputeState.String())
	}

	m.AckResult(msg, d, true, "")
	m.RequestPersistence()
}

// OnPeerPublishedPayout is not part of mediation; the payout is a regular
// trade payout.
func (m *Manager) OnPeerPublishedPayout(msg *protocol.PeerPublishedPayoutTx) {
	m.Logger().Warn("payout tx relayed in mediation, ignoring", "trade_id", msg.TxTradeID, "uid", msg.UID())
}

// SignResult signs with the mediator's key ring.
func (m *Manager) SignResult(r *dispute.Result) error { return m.SignWithKeyRing(r) }

// CleanupDisputes closes proposals and trades that paid out while we were
// offline.
func (m *Manager) CleanupDisputes() {
	for _, d := range m.Disputes() {
		t, _ := m.Trades().Find(d.TradeID)
		if t == nil || !t.HasPayout() {
			continue
		}
		if d.IsResultProposed() {
			d.SetClosed()
		}
		if d.IsClosed() {
			m.Trades().CloseDisputedTrade(d.TradeID, trade.MediationClosed)
		}
	}
	m.RequestPersistence()
}

// onPayout closes the proposal once the trade paid out with it.
func (m *Manager) onPayout(t *trade.Trade) {
	changed := false
	for _, d := range m.FindDisputes(t.ID) {
		if d.IsResultProposed() {
			d.SetClosed()
			changed = true
		}
	}
	if changed {
		m.Logger().Info("mediated payout completed, dispute closed", "trade_id", t.ID)
		m.RequestPersistence()
	}
}

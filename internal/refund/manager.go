// Package refund is the second dispute stage, opened after a rejected
// mediation once the delayed payout went to the refund agent. The refund
// agent's result closes the dispute and the trade at once.
package refund

import (
	"fmt"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
)

// Spec describes refund requests to the engine.
var Spec = resolution.Spec{
	SupportType: dispute.SupportRefund,
	FileName:    "RefundDisputeList",
	Role:        "refund agent",
	Ticket:      "refund",
	ResultState: dispute.StateClosed,
}

// Manager handles refund disputes.
type Manager struct {
	*resolution.Engine
}

// New creates the refund manager. cfg.Spec is overwritten.
func New(cfg resolution.Config) (*Manager, error) {
	cfg.Spec = Spec
	m := &Manager{}
	e, err := resolution.NewEngine(cfg, m)
	if err != nil {
		return nil, err
	}
	m.Engine = e
	return m, nil
}

// OpenDispute files a refund request for a trade. mediationSummary is the
// mediator's result text, shown to the refund agent only.
func (m *Manager) OpenDispute(tradeID string, agentRing keyring.PubKeyRing, mediationSummary string, onResult func(), onFault resolution.FaultHandler) (*dispute.Dispute, error) {
	t, _ := m.Trades().Find(tradeID)
	if t == nil {
		return nil, fmt.Errorf("open refund request: %w: %s", trade.ErrNotFound, tradeID)
	}
	d, err := t.OpenDispute(m.KeyRing().PubKeyRing(), agentRing, Spec.SupportType, m.Scheduler().Now())
	if err != nil {
		return nil, fmt.Errorf("open refund request %s: %w", tradeID, err)
	}
	d.MediatorsDisputeResult = mediationSummary
	m.SendOpenNewDisputeMessage(d, false, onResult, onFault)
	return d, nil
}

// OnDisputeResult closes the dispute and the trade.
func (m *Manager) OnDisputeResult(msg *protocol.DisputeResult) {
	d := m.DisputeForResult(msg, func() { m.OnDisputeResult(msg) })
	if d == nil {
		return
	}
	m.ApplyResult(d, msg.Result)
	d.SetClosed()
	m.CloseTradeOrOffer(d.TradeID, trade.RefundRequestClosed)
	m.AckResult(msg, d, true, "")
	m.RequestPersistence()
}

// OnPeerPublishedPayout is not part of refunds; the refund agent pays out
// from the delayed payout funds.
func (m *Manager) OnPeerPublishedPayout(msg *protocol.PeerPublishedPayoutTx) {
	m.Logger().Warn("payout tx relayed in refund, ignoring", "trade_id", msg.TxTradeID, "uid", msg.UID())
}

// SignResult signs with the refund agent's key ring.
func (m *Manager) SignResult(r *dispute.Result) error { return m.SignWithKeyRing(r) }

// CleanupDisputes closes trades whose refund dispute is closed.
func (m *Manager) CleanupDisputes() {
	for _, d := range m.Disputes() {
		if d.IsClosed() {
			m.Trades().CloseDisputedTrade(d.TradeID, trade.RefundRequestClosed)
		}
	}
}

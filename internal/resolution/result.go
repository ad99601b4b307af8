package resolution

import (
	"fmt"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
)

// SendDisputeResultMessage closes the agent's copy of d with r and sends the
// result to d's trader. summaryText defaults to r's rendered summary.
func (e *Engine) SendDisputeResultMessage(r *dispute.Result, d *dispute.Dispute, summaryText string) error {
	span := traces.StartDispute("resolution.send_result", e.spec.SupportType.String(), d.TradeID, d.TraderID)
	defer span.End()

	if !e.IsAgent(d) {
		return fmt.Errorf("send result for %s: not the agent of the dispute", d.TradeID)
	}
	addr, ok := traderAddress(d)
	if !ok {
		return fmt.Errorf("send result for %s: trader not found in contract", d.TradeID)
	}

	res := *r
	res.TradeID = d.TradeID
	res.TraderID = d.TraderID
	now := e.Scheduler().Now()
	res.CloseDate = now.UnixMilli()
	if summaryText == "" {
		summaryText = res.SummaryText(e.spec.Ticket)
	}
	chat := dispute.NewChatMessage(e.spec.SupportType, d.TradeID, d.TraderID, false, summaryText, e.MyAddress(), now)
	res.ChatMessage = chat
	if err := e.handler.SignResult(&res); err != nil {
		return fmt.Errorf("sign result for %s: %w", d.TradeID, err)
	}

	d.AddChatMessage(chat)
	d.SetResult(&res)
	d.SetState(e.spec.ResultState)

	msg := &protocol.DisputeResult{
		Header: e.header(),
		Result: &res,
	}
	if err := e.sendTracked(addr, d.TraderPubKeyRing, msg, chat, nil); err != nil {
		chat.SetSendMessageError(err.Error())
		e.RequestPersistence()
		return err
	}
	e.logger.Info("dispute result sent",
		"trade_id", d.TradeID, "trader_id", d.TraderID, "winner", res.Winner.String(), "uid", msg.UID())
	e.Publish(realtime.EventDisputeResult, d, res.Winner.String())
	e.RequestPersistence()
	return nil
}

// SignWithKeyRing signs r with the local key ring. Mediators and refund
// agents use it; arbitrators sign with their wallet key.
func (e *Engine) SignWithKeyRing(r *dispute.Result) error {
	sig, err := e.keyRing.Sign(r.SigningPayload())
	if err != nil {
		return err
	}
	r.ArbitratorSignature = sig
	r.ArbitratorPubKey = e.keyRing.PubKeyRing().SignaturePubKey
	return nil
}

// DisputeForResult returns the local trader's dispute a result refers to. If
// it is not stored yet retry is scheduled once and nil is returned.
func (e *Engine) DisputeForResult(msg *protocol.DisputeResult, retry func()) *dispute.Dispute {
	r := msg.Result
	d := e.FindDispute(r.TradeID, r.TraderID)
	if d == nil {
		e.retryLater(msg.Kind(), msg.UID(), r.TradeID, ResultRetryDelay, retry)
		return nil
	}
	e.Retries().Done(msg.UID())
	return d
}

// DisputeForPayout returns the local trader's dispute of a relayed payout,
// scheduling retry once when it is not stored yet.
func (e *Engine) DisputeForPayout(msg *protocol.PeerPublishedPayoutTx, retry func()) *dispute.Dispute {
	d := e.FindOwnDispute(msg.TxTradeID)
	if d == nil {
		e.retryLater(msg.Kind(), msg.UID(), msg.TxTradeID, PayoutTxRetryDelay, retry)
		return nil
	}
	e.Retries().Done(msg.UID())
	return d
}

func (e *Engine) retryLater(kind protocol.Kind, uid, tradeID string, delay time.Duration, fn func()) {
	if e.Retries().Schedule(string(kind), uid, delay, fn) {
		e.logger.Debug("dispute not found, retrying", "kind", string(kind), "trade_id", tradeID, "uid", uid, "delay", delay)
		return
	}
	e.logger.Warn("dispute still not found after delayed retry, should never happen",
		"kind", string(kind), "trade_id", tradeID, "uid", uid)
}

// ApplyResult stores a received result and its chat line in d.
func (e *Engine) ApplyResult(d *dispute.Dispute, r *dispute.Result) {
	if r.ChatMessage != nil && !d.HasChatMessage(r.ChatMessage.UID) {
		d.AddChatMessage(r.ChatMessage)
	}
	if d.Result != nil && !d.Result.SameDecision(r) {
		e.logger.Warn("dispute already has a different result, replacing it", "trade_id", d.TradeID, "trader_id", d.TraderID)
	}
	d.SetResult(r)
	e.Publish(realtime.EventDisputeResult, d, r.Winner.String())
}

// AckResult acknowledges the chat line carried by a result to the agent.
func (e *Engine) AckResult(msg *protocol.DisputeResult, d *dispute.Dispute, success bool, errMsg string) {
	uid := msg.UID()
	if msg.Result.ChatMessage != nil {
		uid = msg.Result.ChatMessage.UID
	}
	e.SendAck(msg.Sender, d.AgentPubKeyRing, uid, d.TradeID, success, errMsg)
}

// CloseTradeOrOffer moves a disputed trade to closed with state s. Without
// a trade the open offer of the same id is closed instead.
func (e *Engine) CloseTradeOrOffer(tradeID string, s trade.DisputeState) {
	if e.trades.CloseDisputedTrade(tradeID, s) {
		return
	}
	if e.trades.CloseOpenOffer(tradeID) {
		e.logger.Info("closed open offer of disputed trade", "offer_id", tradeID)
		return
	}
	e.logger.Warn("neither trade nor open offer found for dispute", "trade_id", tradeID)
}

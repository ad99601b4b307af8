package resolution

import (
	"fmt"
	"maps"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
)

// FaultHandler receives a human readable reason and the underlying error.
type FaultHandler func(errorMessage string, err error)

// OpenDispute builds the local trader's dispute for a trade and sends it to
// the agent identified by agentRing.
func (e *Engine) OpenDispute(tradeID string, agentRing keyring.PubKeyRing, onResult func(), onFault FaultHandler) (*dispute.Dispute, error) {
	t, _ := e.trades.Find(tradeID)
	if t == nil {
		return nil, fmt.Errorf("open dispute: %w: %s", trade.ErrNotFound, tradeID)
	}
	d, err := t.OpenDispute(e.keyRing.PubKeyRing(), agentRing, e.spec.SupportType, e.Scheduler().Now())
	if err != nil {
		return nil, fmt.Errorf("open dispute %s: %w", tradeID, err)
	}
	e.SendOpenNewDisputeMessage(d, false, onResult, onFault)
	return d, nil
}

// SendOpenNewDisputeMessage stores d and sends it to the agent. A dispute
// already stored for the same trade and trader is rejected unless reOpen
// is set. onResult runs once the message arrived or was stored in the
// agent's mailbox.
func (e *Engine) SendOpenNewDisputeMessage(d *dispute.Dispute, reOpen bool, onResult func(), onFault FaultHandler) {
	fault := func(msg string, err error) {
		if onFault != nil {
			onFault(msg, err)
		}
	}
	if e.FindDispute(d.TradeID, d.TraderID) != nil && !reOpen {
		msg := fmt.Sprintf("We got a dispute already open for that trade and trading peer. TradeId = %s", d.TradeID)
		e.logger.Warn("dispute already open", "trade_id", d.TradeID, "trader_id", d.TraderID)
		fault(msg, ErrDisputeAlreadyOpen)
		return
	}
	agentAddr := d.Contract.AgentNodeAddress(e.spec.SupportType)
	if agentAddr.IsZero() {
		fault("No agent address in contract", ErrNoAgent)
		return
	}

	now := e.Scheduler().Now()
	sys := dispute.NewSystemMessage(e.spec.SupportType, d.TradeID, e.keyRing.PubKeyRing().TraderID(),
		e.introForOpener(d), e.MyAddress(), now)
	d.AddChatMessage(sys)
	if !reOpen {
		e.lists.Add(d)
	}
	if d.IsNew() {
		d.SetState(dispute.StateOpen)
	}

	msg := &protocol.OpenNewDispute{
		Header:  e.header(),
		Dispute: d,
	}
	err := e.sendTracked(agentAddr, d.AgentPubKeyRing, msg, sys, func(res p2p.SendResult) {
		if res.Err != nil {
			fault("Sending dispute message failed: "+res.Err.Error(), fmt.Errorf("%w: %v", ErrDeliveryFailed, res.Err))
			return
		}
		if onResult != nil {
			onResult()
		}
	})
	if err != nil {
		e.logger.Error("could not send dispute", "trade_id", d.TradeID, "error", err)
		sys.SetSendMessageError(err.Error())
		fault(err.Error(), err)
	}
	e.trades.SetDisputeState(d.TradeID, trade.StatesFor(e.spec.SupportType).Requested)
	e.Publish(realtime.EventDisputeOpened, d, "")
	e.RequestPersistence()
}

// ReOpenDispute moves a closed dispute to REOPENED and sends it to the agent
// again.
func (e *Engine) ReOpenDispute(d *dispute.Dispute, onResult func(), onFault FaultHandler) error {
	if err := d.ReOpen(); err != nil {
		return err
	}
	e.SendOpenNewDisputeMessage(d, true, onResult, onFault)
	return nil
}

// MarkSeen is called when the local user looked at d: a new dispute becomes
// open and every chat line counts as displayed.
func (e *Engine) MarkSeen(d *dispute.Dispute) {
	if d.IsNew() {
		d.SetState(dispute.StateOpen)
	}
	for _, m := range d.ChatMessages {
		m.SetWasDisplayed(true)
	}
	e.RequestPersistence()
}

// onOpenNewDispute runs at the agent.
func (e *Engine) onOpenNewDispute(msg *protocol.OpenNewDispute) {
	d := msg.Dispute
	span := traces.StartDispute("resolution.open_new_dispute", e.spec.SupportType.String(), d.TradeID, d.TraderID)
	defer span.End()

	if !e.IsAgent(d) {
		e.logger.Error("trader received OpenNewDispute, that must never happen",
			"trade_id", d.TradeID, "sender", msg.Sender.String())
		return
	}

	// Older clients send neither support type nor state.
	d.SupportType = msg.Support
	d.State = dispute.StateNew

	stored := false
	if e.FindDispute(d.TradeID, d.TraderID) == nil {
		e.lists.Add(d)
		stored = true
	} else {
		// Valid when both traders opened while the agent was offline.
		e.logger.Debug("dispute already stored for that trade and trader",
			"trade_id", d.TradeID, "trader_id", d.TraderID)
	}

	if len(d.ChatMessages) > 0 {
		first := d.ChatMessages[0]
		e.SendAck(first.SenderNodeAddress, d.TraderPubKeyRing, first.UID, d.TradeID, true, "")
	}

	if stored {
		e.addPriceInfoMessage(d, 0)
		e.addMediationResultMessage(d)
		e.Publish(realtime.EventDisputeOpened, d, "")
		peerRing := d.Contract.BuyerPubKeyRing()
		if d.DisputeOpenerIsBuyer {
			peerRing = d.Contract.SellerPubKeyRing()
		}
		e.Scheduler().After(PeerOpenedDelay, func() { e.sendPeerOpenedDispute(d, peerRing) })
	}

	e.validateOpened(d, msg.Sender)
	e.RequestPersistence()
}

// validateOpened runs the checks an agent applies to a received dispute and
// collects the first failure.
func (e *Engine) validateOpened(d *dispute.Dispute, sender p2p.NodeAddress) {
	checks := []func() error{
		func() error { return validation.ValidateDisputeData(d) },
		func() error { return validation.ValidateNodeAddresses(d, e.opts) },
		func() error { return validation.ValidateSenderNodeAddress(d, sender) },
		func() error { return validation.CheckReplay(d, e.Disputes()) },
		func() error {
			if d.BurningManSelectionHeight != 0 || e.wallet == nil {
				return nil
			}
			return validation.ValidateDonationAddress(d, e.wallet.AllDonationAddresses())
		},
	}
	for _, check := range checks {
		if err := check(); err != nil {
			e.addValidationError(err, d)
			return
		}
	}
}

// sendPeerOpenedDispute builds the dispute of the trader who did not open
// one and sends it to them.
func (e *Engine) sendPeerOpenedDispute(opener *dispute.Dispute, peerRing keyring.PubKeyRing) {
	now := e.Scheduler().Now()
	d := dispute.New(opener.TradeID, peerRing, e.spec.SupportType, now)
	d.DisputeOpenerIsBuyer = !opener.DisputeOpenerIsBuyer
	d.DisputeOpenerIsMaker = !opener.DisputeOpenerIsMaker
	d.TradeDate = opener.TradeDate
	d.TradePeriodEnd = opener.TradePeriodEnd
	d.Contract = opener.Contract
	d.ContractHash = opener.ContractHash
	d.ContractAsJSON = opener.ContractAsJSON
	d.MakerContractSig = opener.MakerContractSig
	d.TakerContractSig = opener.TakerContractSig
	d.AgentPubKeyRing = opener.AgentPubKeyRing
	d.IsSupportTicket = opener.IsSupportTicket
	d.DepositTxSerialized = opener.DepositTxSerialized
	d.DepositTxID = opener.DepositTxID
	d.PayoutTxSerialized = opener.PayoutTxSerialized
	d.PayoutTxID = opener.PayoutTxID
	d.DelayedPayoutTxID = opener.DelayedPayoutTxID
	d.DonationAddressOfDelayedPayoutTx = opener.DonationAddressOfDelayedPayoutTx
	d.BurningManSelectionHeight = opener.BurningManSelectionHeight
	d.TradeTxFee = opener.TradeTxFee
	d.ExtraData = maps.Clone(opener.ExtraData)

	if e.FindDispute(d.TradeID, d.TraderID) != nil {
		// The peer opened their own dispute in the meantime.
		e.logger.Info("dispute of trading peer already stored", "trade_id", d.TradeID, "trader_id", d.TraderID)
		return
	}

	addr, ok := traderAddress(d)
	if !ok {
		e.logger.Error("trading peer not found in contract", "trade_id", d.TradeID)
		return
	}

	sys := dispute.NewSystemMessage(e.spec.SupportType, d.TradeID, d.TraderID, e.introForPeer(d), e.MyAddress(), now)
	d.AddChatMessage(sys)
	e.lists.Add(d)

	msg := &protocol.PeerOpenedDispute{
		Header:  e.header(),
		Dispute: d,
	}
	if err := e.sendTracked(addr, peerRing, msg, sys, nil); err != nil {
		e.logger.Error("could not send peer opened dispute", "trade_id", d.TradeID, "error", err)
		sys.SetSendMessageError(err.Error())
	}
	// Added after the send so that only the agent's copy carries it.
	e.addPriceInfoMessage(d, 0)
	e.Publish(realtime.EventPeerOpened, d, "")
	e.RequestPersistence()
}

// onPeerOpenedDispute runs at the trader who did not open the dispute.
func (e *Engine) onPeerOpenedDispute(msg *protocol.PeerOpenedDispute) {
	d := msg.Dispute
	span := traces.StartDispute("resolution.peer_opened_dispute", e.spec.SupportType.String(), d.TradeID, d.TraderID)
	defer span.End()

	t := e.findTrade(d.TradeID)
	if t == nil {
		e.logger.Warn("no trade for dispute opened by peer", "trade_id", d.TradeID)
		return
	}

	// The agent validates as well; a failure here is only flagged.
	checks := []func() error{
		func() error { return validation.ValidateDisputeData(d) },
		func() error { return validation.ValidateNodeAddresses(d, e.opts) },
		func() error { return validation.ValidateTradeAndDispute(d, t) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			e.addValidationError(err, d)
			break
		}
	}

	errMsg := ""
	switch {
	case e.IsAgent(d):
		errMsg = "Agent received PeerOpenedDispute. That must never happen."
		e.logger.Error(errMsg, "trade_id", d.TradeID)
	case e.FindDispute(d.TradeID, d.TraderID) == nil:
		d.State = dispute.StateOpen
		e.lists.Add(d)
		e.trades.SetDisputeState(t.ID, trade.StatesFor(e.spec.SupportType).StartedByPeer)
		e.Publish(realtime.EventPeerOpened, d, "")
	default:
		e.logger.Debug("dispute already stored for that trade and trader",
			"trade_id", d.TradeID, "trader_id", d.TraderID)
	}

	if len(d.ChatMessages) > 0 {
		first := d.ChatMessages[0]
		e.SendAck(msg.Sender, d.AgentPubKeyRing, first.UID, d.TradeID, errMsg == "", errMsg)
	}
	e.RequestPersistence()
}

// findTrade looks a trade up in the pending, closed and failed sets. A
// closed or failed trade is moved back to pending since a dispute reopens
// its lifecycle.
func (e *Engine) findTrade(tradeID string) *trade.Trade {
	t, loc := e.trades.Find(tradeID)
	switch loc {
	case trade.LocationNone:
		return nil
	case trade.LocationClosed, trade.LocationFailed:
		e.logger.Info("reviving trade for dispute", "trade_id", tradeID, "from", loc.String())
		t, _ = e.trades.Revive(tradeID)
	}
	return t
}

// addMediationResultMessage shows the refund agent the mediator's summary.
func (e *Engine) addMediationResultMessage(d *dispute.Dispute) {
	if d.MediatorsDisputeResult == "" {
		return
	}
	text := "Summary of the mediation:\n" + d.MediatorsDisputeResult
	sys := dispute.NewSystemMessage(e.spec.SupportType, d.TradeID, e.keyRing.PubKeyRing().TraderID(), text, e.MyAddress(), e.Scheduler().Now())
	d.AddChatMessage(sys)
}

func (e *Engine) header() protocol.Header {
	return protocol.Header{
		Sender:  e.MyAddress(),
		MsgUID:  idgen.New(),
		Support: e.spec.SupportType,
	}
}

func (e *Engine) disputeInfo(d *dispute.Dispute) string {
	side, role := "seller", "taker"
	if d.DisputeOpenerIsBuyer {
		side = "buyer"
	}
	if d.DisputeOpenerIsMaker {
		role = "maker"
	}
	return fmt.Sprintf("Trade ID: %s\nOpened by: %s (%s)\nTrade period end: %s",
		d.ShortTradeID(), side, role, time.UnixMilli(d.TradePeriodEnd).UTC().Format(time.RFC3339))
}

func (e *Engine) introForOpener(d *dispute.Dispute) string {
	if d.IsSupportTicket {
		return fmt.Sprintf("You opened a support ticket.\n\n%s", e.disputeInfo(d))
	}
	return fmt.Sprintf("You opened a request for %s.\n\n%s\n\nThe %s will reply in this chat. Please keep your application online.",
		e.spec.Ticket, e.disputeInfo(d), e.spec.Role)
}

func (e *Engine) introForPeer(d *dispute.Dispute) string {
	if d.IsSupportTicket {
		return fmt.Sprintf("Your trading peer opened a support ticket.\n\n%s", e.disputeInfo(d))
	}
	return fmt.Sprintf("Your trading peer has requested %s.\n\n%s\n\nThe %s will reply in this chat. Please keep your application online.",
		e.spec.Ticket, e.disputeInfo(d), e.spec.Role)
}

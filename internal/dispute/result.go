package dispute

import (
	"fmt"
	"strings"
)

// Result is the agent's decision. It is produced once per dispute; the agent
// may send it again when a first close did not reach the trader.
type Result struct {
	TradeID                 string           `json:"tradeId"`
	TraderID                int              `json:"traderId"`
	Winner                  Winner           `json:"winner"`
	Reason                  Reason           `json:"reason"`
	TamperProofEvidence     bool             `json:"tamperProofEvidence"`
	IDVerification          bool             `json:"idVerification"`
	ScreenCast              bool             `json:"screenCast"`
	SummaryNotes            string           `json:"summaryNotes"`
	ChatMessage             *ChatMessage     `json:"chatMessage,omitempty"`
	ArbitratorSignature     []byte           `json:"arbitratorSignature,omitempty"`
	BuyerPayoutAmount       int64            `json:"buyerPayoutAmount"`
	SellerPayoutAmount      int64            `json:"sellerPayoutAmount"`
	ArbitratorPubKey        []byte           `json:"arbitratorPubKey,omitempty"`
	CloseDate               int64            `json:"closeDate"`
	IsLoserPublisher        bool             `json:"isLoserPublisher"`
	PayoutSuggestion        PayoutSuggestion `json:"payoutSuggestion"`
	PayoutAdjustmentPercent string           `json:"payoutAdjustmentPercent,omitempty"`
}

// Publisher returns the party that broadcasts the payout transaction.
func (r *Result) Publisher() Winner {
	if r.IsLoserPublisher {
		return r.Winner.Other()
	}
	return r.Winner
}

// SigningPayload is the byte string the agent signs. It covers the decision
// and amounts, which are the same for both traders, but not the trader id or
// the announcing chat message.
func (r *Result) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d|%t|%s|%s",
		r.TradeID, r.Winner, r.Reason,
		r.BuyerPayoutAmount, r.SellerPayoutAmount, r.IsLoserPublisher,
		r.PayoutSuggestion, r.SummaryNotes))
}

// SummaryText renders the result for the announcing chat message.
func (r *Result) SummaryText(role string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "We have closed the %s ticket for trade %s.\n", role, r.TradeID)
	fmt.Fprintf(&b, "Winner: %s\nReason: %s\n", r.Winner, r.Reason)
	if s := r.PayoutSuggestion.Describe(); s != "" {
		fmt.Fprintf(&b, "Payout: %s", s)
		if r.PayoutAdjustmentPercent != "" {
			fmt.Fprintf(&b, " (%s%%)", r.PayoutAdjustmentPercent)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Buyer payout: %d sat\nSeller payout: %d sat\n", r.BuyerPayoutAmount, r.SellerPayoutAmount)
	if r.SummaryNotes != "" {
		fmt.Fprintf(&b, "Summary notes:\n%s\n", r.SummaryNotes)
	}
	return b.String()
}

// SameDecision reports whether two results carry the same decision. The
// announcing chat message is ignored since each recipient holds its own copy.
func (r *Result) SameDecision(o *Result) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.TradeID == o.TradeID &&
		r.Winner == o.Winner &&
		r.Reason == o.Reason &&
		r.SummaryNotes == o.SummaryNotes &&
		r.BuyerPayoutAmount == o.BuyerPayoutAmount &&
		r.SellerPayoutAmount == o.SellerPayoutAmount &&
		r.IsLoserPublisher == o.IsLoserPublisher &&
		r.PayoutSuggestion == o.PayoutSuggestion &&
		string(r.ArbitratorSignature) == string(o.ArbitratorSignature) &&
		string(r.ArbitratorPubKey) == string(o.ArbitratorPubKey)
}

// Package trade holds the trades a dispute refers to and the book that
// tracks them across the pending, closed and failed sets.
package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
)

var (
	ErrNoContract = errors.New("trade: contract missing")
	ErrNotFound   = errors.New("trade: not found")
)

// DisputeState is the trade's own view of its dispute.
type DisputeState int

const (
	NoDispute DisputeState = iota
	DisputeRequested
	DisputeStartedByPeer
	DisputeClosed
	MediationRequested
	MediationStartedByPeer
	MediationClosed
	RefundRequested
	RefundRequestStartedByPeer
	RefundRequestClosed
)

var disputeStateNames = [...]string{
	"NO_DISPUTE",
	"DISPUTE_REQUESTED",
	"DISPUTE_STARTED_BY_PEER",
	"DISPUTE_CLOSED",
	"MEDIATION_REQUESTED",
	"MEDIATION_STARTED_BY_PEER",
	"MEDIATION_CLOSED",
	"REFUND_REQUESTED",
	"REFUND_REQUEST_STARTED_BY_PEER",
	"REFUND_REQUEST_CLOSED",
}

func (s DisputeState) String() string {
	if s < 0 || int(s) >= len(disputeStateNames) {
		return fmt.Sprintf("DisputeState(%d)", int(s))
	}
	return disputeStateNames[s]
}

func (s DisputeState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DisputeState) UnmarshalText(b []byte) error {
	for i, n := range disputeStateNames {
		if n == string(b) {
			*s = DisputeState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trade dispute state %q", string(b))
}

// IsOpen reports whether a dispute of any kind is in progress.
func (s DisputeState) IsOpen() bool {
	switch s {
	case DisputeRequested, DisputeStartedByPeer,
		MediationRequested, MediationStartedByPeer,
		RefundRequested, RefundRequestStartedByPeer:
		return true
	}
	return false
}

// DisputeStates maps a support type to the requested, started-by-peer and
// closed trade states.
type DisputeStates struct {
	Requested     DisputeState
	StartedByPeer DisputeState
	Closed        DisputeState
}

// StatesFor returns the trade dispute states used by supportType.
func StatesFor(supportType dispute.SupportType) DisputeStates {
	switch supportType {
	case dispute.SupportMediation:
		return DisputeStates{MediationRequested, MediationStartedByPeer, MediationClosed}
	case dispute.SupportRefund:
		return DisputeStates{RefundRequested, RefundRequestStartedByPeer, RefundRequestClosed}
	default:
		return DisputeStates{DisputeRequested, DisputeStartedByPeer, DisputeClosed}
	}
}

// Trade is the local record of a trade as far as disputes are concerned.
type Trade struct {
	ID                  string            `json:"id"`
	Contract            *dispute.Contract `json:"contract"`
	ContractAsJSON      string            `json:"contractAsJson"`
	MakerContractSig    []byte            `json:"makerContractSignature,omitempty"`
	TakerContractSig    []byte            `json:"takerContractSignature,omitempty"`
	TakeOfferDate       int64             `json:"takeOfferDate"`
	MaxTradePeriod      int64             `json:"maxTradePeriod"`
	TradeTxFee          int64             `json:"tradeTxFee"`
	DepositTxSerialized []byte            `json:"depositTxSerialized,omitempty"`
	DepositTxID         string            `json:"depositTxId,omitempty"`
	DelayedPayoutTxID   string            `json:"delayedPayoutTxId,omitempty"`
	DonationAddress     string            `json:"donationAddressOfDelayedPayoutTx,omitempty"`
	BurningManHeight    int               `json:"burningManSelectionHeight"`
	PayoutTxID          string            `json:"payoutTxId,omitempty"`
	DisputeState        DisputeState      `json:"disputeState"`

	BuyerPayoutAmountFromMediation  int64 `json:"buyerPayoutAmountFromMediation,omitempty"`
	SellerPayoutAmountFromMediation int64 `json:"sellerPayoutAmountFromMediation,omitempty"`
}

// HasPayout reports whether the trade reached its payout.
func (t *Trade) HasPayout() bool { return t.PayoutTxID != "" }

// OpenDispute builds the dispute the local trader files with an agent. ring
// is the local trader's key ring.
func (t *Trade) OpenDispute(ring, agentRing keyring.PubKeyRing, supportType dispute.SupportType, now time.Time) (*dispute.Dispute, error) {
	if t.Contract == nil {
		return nil, ErrNoContract
	}
	c := t.Contract
	d := dispute.New(t.ID, ring, supportType, now)
	d.DisputeOpenerIsBuyer = c.IsBuyer(ring)
	d.DisputeOpenerIsMaker = c.MakerPubKeyRing.Equal(ring)
	d.TradeDate = t.TakeOfferDate
	d.TradePeriodEnd = t.TakeOfferDate + t.MaxTradePeriod
	d.Contract = c
	d.ContractAsJSON = t.ContractAsJSON
	d.ContractHash = dispute.HashContractJSON(t.ContractAsJSON)
	d.MakerContractSig = t.MakerContractSig
	d.TakerContractSig = t.TakerContractSig
	d.AgentPubKeyRing = agentRing
	d.DepositTxSerialized = t.DepositTxSerialized
	d.DepositTxID = t.DepositTxID
	d.DelayedPayoutTxID = t.DelayedPayoutTxID
	d.DonationAddressOfDelayedPayoutTx = t.DonationAddress
	d.BurningManSelectionHeight = t.BurningManHeight
	d.TradeTxFee = t.TradeTxFee
	return d, nil
}

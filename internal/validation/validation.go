// Package validation checks disputes received from peers: contract
// integrity, agreement with the local trade, node and sender addresses,
// donation addresses of legacy disputes and attempts to replay a trade in
// more disputes than it can have.
//
// Failures are flags for the operator, never a reason to drop a dispute.
package validation

import (
	"bytes"
	"regexp"
	"slices"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
)

// MaxDisputesPerTrade is how many disputes may reference one trade, deposit
// or delayed payout: one per trader.
const MaxDisputesPerTrade = 2

var onionAddressRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

// Options carries the network dependent knobs.
type Options struct {
	// LocalNetwork disables onion address checks (regtest, localhost).
	LocalNetwork bool
}

// ValidateDisputeData checks that the contract, its JSON, its hash and the
// trader signatures agree.
func ValidateDisputeData(d *dispute.Dispute) error {
	if d.Contract == nil {
		return newError(KindDisputeData, d, "contract missing")
	}
	if !bytes.Equal(d.ContractHash, dispute.HashContractJSON(d.ContractAsJSON)) {
		return newError(KindDisputeData, d, "contract hash does not match contract json")
	}
	canonical, err := d.Contract.CanonicalJSON()
	if err != nil {
		e := newError(KindDisputeData, d, "contract not serializable")
		e.Err = err
		return e
	}
	if canonical != d.ContractAsJSON {
		return newError(KindDisputeData, d, "contract json does not match contract")
	}
	if len(d.MakerContractSig) > 0 {
		if err := keyring.Verify(d.Contract.MakerPubKeyRing.SignaturePubKey, []byte(d.ContractAsJSON), d.MakerContractSig); err != nil {
			e := newError(KindDisputeData, d, "maker contract signature invalid")
			e.Err = err
			return e
		}
	}
	if len(d.TakerContractSig) > 0 {
		if err := keyring.Verify(d.Contract.TakerPubKeyRing.SignaturePubKey, []byte(d.ContractAsJSON), d.TakerContractSig); err != nil {
			e := newError(KindDisputeData, d, "taker contract signature invalid")
			e.Err = err
			return e
		}
	}
	return nil
}

// ValidateTradeAndDispute cross-checks a dispute with the local trade.
func ValidateTradeAndDispute(d *dispute.Dispute, t *trade.Trade) error {
	if t == nil {
		return newError(KindTradeMismatch, d, "trade not found")
	}
	if t.ID != d.TradeID {
		return newError(KindTradeMismatch, d, "trade id %s differs", t.ID)
	}
	if t.ContractAsJSON != d.ContractAsJSON {
		return newError(KindTradeMismatch, d, "contract differs from trade contract")
	}
	if t.DelayedPayoutTxID == "" || d.DelayedPayoutTxID == "" {
		return newError(KindTradeMismatch, d, "delayed payout tx id missing")
	}
	if t.DelayedPayoutTxID != d.DelayedPayoutTxID {
		return newError(KindTradeMismatch, d, "delayed payout tx id %s differs from trade %s", d.DelayedPayoutTxID, t.DelayedPayoutTxID)
	}
	if t.DepositTxID == "" || d.DepositTxID == "" {
		return newError(KindTradeMismatch, d, "deposit tx id missing")
	}
	if t.DepositTxID != d.DepositTxID {
		return newError(KindTradeMismatch, d, "deposit tx id %s differs from trade %s", d.DepositTxID, t.DepositTxID)
	}
	return nil
}

// ValidateNodeAddresses checks both trader addresses of the contract.
func ValidateNodeAddresses(d *dispute.Dispute, opts Options) error {
	if d.Contract == nil {
		return newError(KindNodeAddress, d, "contract missing")
	}
	if err := validateNodeAddress(d, d.Contract.BuyerNodeAddress, opts); err != nil {
		return err
	}
	return validateNodeAddress(d, d.Contract.SellerNodeAddress, opts)
}

func validateNodeAddress(d *dispute.Dispute, addr p2p.NodeAddress, opts Options) error {
	if opts.LocalNetwork {
		return nil
	}
	if !onionAddressRegex.MatchString(addr.HostName) {
		return newError(KindNodeAddress, d, "node address %s is not a valid onion address", addr)
	}
	return nil
}

// ValidateSenderNodeAddress checks that a message about d came from one of
// its traders.
func ValidateSenderNodeAddress(d *dispute.Dispute, sender p2p.NodeAddress) error {
	if d.Contract == nil {
		return newError(KindSenderAddress, d, "contract missing")
	}
	if sender != d.Contract.BuyerNodeAddress && sender != d.Contract.SellerNodeAddress {
		return newError(KindSenderAddress, d, "sender %s is neither buyer nor seller", sender)
	}
	return nil
}

// ValidateDonationAddress checks the recorded donation address of the
// delayed payout tx against every value the DAO parameter ever had.
func ValidateDonationAddress(d *dispute.Dispute, allDonationAddresses []string) error {
	addr := d.DonationAddressOfDelayedPayoutTx
	if addr == "" {
		return newError(KindDonationAddress, d, "donation address missing")
	}
	if !slices.Contains(allDonationAddresses, addr) {
		return newError(KindDonationAddress, d, "donation address %s does not match any past value", addr)
	}
	return nil
}

// replayIndex buckets dispute uids by the references a trade can appear
// under.
type replayIndex struct {
	byTradeID         map[string]map[string]struct{}
	byDelayedPayoutID map[string]map[string]struct{}
	byDepositTxID     map[string]map[string]struct{}
}

func buildReplayIndex(disputes []*dispute.Dispute) replayIndex {
	idx := replayIndex{
		byTradeID:         make(map[string]map[string]struct{}),
		byDelayedPayoutID: make(map[string]map[string]struct{}),
		byDepositTxID:     make(map[string]map[string]struct{}),
	}
	for _, d := range disputes {
		uid := d.UID()
		addToBucket(idx.byTradeID, d.TradeID, uid)
		if d.DelayedPayoutTxID != "" {
			addToBucket(idx.byDelayedPayoutID, d.DelayedPayoutTxID, uid)
		}
		if d.DepositTxID != "" {
			addToBucket(idx.byDepositTxID, d.DepositTxID, uid)
		}
	}
	return idx
}

func addToBucket(m map[string]map[string]struct{}, key, uid string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[uid] = struct{}{}
}

func (idx replayIndex) test(d *dispute.Dispute) error {
	if d.DepositTxID == "" {
		return newError(KindReplay, d, "deposit tx id missing")
	}
	if d.SupportType == dispute.SupportRefund && d.DelayedPayoutTxID == "" {
		return newError(KindReplay, d, "delayed payout tx id missing")
	}
	if n := len(idx.byTradeID[d.TradeID]); n > MaxDisputesPerTrade {
		return newError(KindReplay, d, "%d disputes for trade %s", n, d.TradeID)
	}
	if d.DelayedPayoutTxID != "" {
		if n := len(idx.byDelayedPayoutID[d.DelayedPayoutTxID]); n > MaxDisputesPerTrade {
			return newError(KindReplay, d, "%d disputes for delayed payout tx %s", n, d.DelayedPayoutTxID)
		}
	}
	if n := len(idx.byDepositTxID[d.DepositTxID]); n > MaxDisputesPerTrade {
		return newError(KindReplay, d, "%d disputes for deposit tx %s", n, d.DepositTxID)
	}
	return nil
}

// FindReplays runs the replay test for every dispute in the
// list and reports each offender to onFault.
func FindReplays(disputes []*dispute.Dispute, onFault func(*Error)) {
	idx := buildReplayIndex(disputes)
	for _, d := range disputes {
		if err := idx.test(d); err != nil {
			onFault(AsError(err, d))
		}
	}
}

// CheckReplay tests one dispute against the full list, which
// must already contain it.
func CheckReplay(d *dispute.Dispute, disputes []*dispute.Dispute) error {
	return buildReplayIndex(disputes).test(d)
}

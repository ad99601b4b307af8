// Package dispute is the data model of the support subsystem: the dispute
// ticket, its chat thread, the agent's result and the per-support-type list.
//
// Values in this package are mutated only on the logical thread.
package dispute

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
)

// Dispute is one trader's ticket for a contested trade. The agent holds one
// per trader; each trader holds their own.
type Dispute struct {
	TradeID              string             `json:"tradeId"`
	ID                   string             `json:"id"`
	TraderID             int                `json:"traderId"`
	DisputeOpenerIsBuyer bool               `json:"disputeOpenerIsBuyer"`
	DisputeOpenerIsMaker bool               `json:"disputeOpenerIsMaker"`
	OpeningDate          int64              `json:"openingDate"`
	TraderPubKeyRing     keyring.PubKeyRing `json:"traderPubKeyRing"`
	TradeDate            int64              `json:"tradeDate"`
	TradePeriodEnd       int64              `json:"tradePeriodEnd"`
	Contract             *Contract          `json:"contract"`
	ContractHash         []byte             `json:"contractHash"`
	ContractAsJSON       string             `json:"contractAsJson"`
	MakerContractSig     []byte             `json:"makerContractSignature,omitempty"`
	TakerContractSig     []byte             `json:"takerContractSignature,omitempty"`
	AgentPubKeyRing      keyring.PubKeyRing `json:"agentPubKeyRing"`
	SupportType          SupportType        `json:"supportType"`
	IsSupportTicket      bool               `json:"isSupportTicket"`

	DepositTxSerialized              []byte `json:"depositTxSerialized,omitempty"`
	DepositTxID                      string `json:"depositTxId,omitempty"`
	PayoutTxSerialized               []byte `json:"payoutTxSerialized,omitempty"`
	PayoutTxID                       string `json:"payoutTxId,omitempty"`
	DelayedPayoutTxID                string `json:"delayedPayoutTxId,omitempty"`
	DonationAddressOfDelayedPayoutTx string `json:"donationAddressOfDelayedPayoutTx,omitempty"`
	BurningManSelectionHeight        int    `json:"burningManSelectionHeight"`
	TradeTxFee                       int64  `json:"tradeTxFee"`

	ChatMessages           []*ChatMessage    `json:"chatMessages"`
	State                  State             `json:"disputeState"`
	Result                 *Result           `json:"disputeResult,omitempty"`
	DisputePayoutTxID      string            `json:"disputePayoutTxId,omitempty"`
	MediatorsDisputeResult string            `json:"mediatorsDisputeResult,omitempty"`
	ExtraData              map[string]string `json:"extraDataMap,omitempty"`

	uid        string
	badgeCount int
	onChange   func(*Dispute)
}

// MakeID derives the composite dispute id.
func MakeID(tradeID string, traderID int) string {
	return tradeID + "_" + strconv.Itoa(traderID)
}

// New creates a dispute in state NEW for the trader identified by ring.
// Callers fill in the trade snapshot fields.
func New(tradeID string, traderRing keyring.PubKeyRing, supportType SupportType, now time.Time) *Dispute {
	traderID := traderRing.TraderID()
	return &Dispute{
		TradeID:          tradeID,
		ID:               MakeID(tradeID, traderID),
		TraderID:         traderID,
		OpeningDate:      now.UnixMilli(),
		TraderPubKeyRing: traderRing,
		SupportType:      supportType,
		State:            StateNew,
		uid:              idgen.New(),
	}
}

// UID is a process-local correlation id. It is not persisted.
func (d *Dispute) UID() string {
	if d.uid == "" {
		d.uid = idgen.New()
	}
	return d.uid
}

// ShortTradeID is the prefix of the trade id used in log lines.
func (d *Dispute) ShortTradeID() string {
	if len(d.TradeID) > 8 {
		return d.TradeID[:8]
	}
	return d.TradeID
}

// SetOnChange installs the single observer notified on state, result and
// chat changes. Pass nil to unregister.
func (d *Dispute) SetOnChange(fn func(*Dispute)) {
	d.onChange = fn
}

// IsNew reports whether the dispute has not been looked at yet.
func (d *Dispute) IsNew() bool { return d.State == StateNew }

// IsClosed reports whether the dispute reached its terminal state.
func (d *Dispute) IsClosed() bool { return d.State == StateClosed }

// IsResultProposed reports whether a mediated result awaits the traders.
func (d *Dispute) IsResultProposed() bool { return d.State == StateResultProposed }

// SetState moves the dispute to s.
func (d *Dispute) SetState(s State) {
	if d.State == s {
		return
	}
	d.State = s
	d.changed()
}

// SetClosed moves the dispute to CLOSED.
func (d *Dispute) SetClosed() { d.SetState(StateClosed) }

// ReOpen moves a closed dispute to REOPENED.
func (d *Dispute) ReOpen() error {
	if d.State != StateClosed {
		return fmt.Errorf("dispute %s: cannot reopen from %s", d.ID, d.State)
	}
	d.SetState(StateReopened)
	return nil
}

// SetResult stores the agent's result.
func (d *Dispute) SetResult(r *Result) {
	d.Result = r
	d.changed()
}

// SetDisputePayoutTxID records the payout transaction.
func (d *Dispute) SetDisputePayoutTxID(txID string) {
	d.DisputePayoutTxID = txID
	d.changed()
}

// HasChatMessage reports whether a message with uid is in the thread.
func (d *Dispute) HasChatMessage(uid string) bool {
	for _, m := range d.ChatMessages {
		if m.UID == uid {
			return true
		}
	}
	return false
}

// AddChatMessage appends m unless a message with the same uid is present.
// It reports whether m was added.
func (d *Dispute) AddChatMessage(m *ChatMessage) bool {
	if d.HasChatMessage(m.UID) {
		return false
	}
	d.ChatMessages = append(d.ChatMessages, m)
	d.bind(m)
	d.changed()
	return true
}

// UnreadMessageCount counts messages from senderIsTrader's side, plus system
// messages, that have not been displayed.
func (d *Dispute) UnreadMessageCount(senderIsTrader bool) int {
	n := 0
	for _, m := range d.ChatMessages {
		if (m.SenderIsTrader == senderIsTrader || m.IsSystemMessage) && !m.WasDisplayed {
			n++
		}
	}
	return n
}

// RefreshAlertLevel recomputes the badge: 1 if new or anything is unread.
func (d *Dispute) RefreshAlertLevel(senderIsTrader bool) {
	if d.IsNew() || d.UnreadMessageCount(senderIsTrader) > 0 {
		d.badgeCount = 1
	} else {
		d.badgeCount = 0
	}
}

// BadgeCount returns the last computed alert level.
func (d *Dispute) BadgeCount() int { return d.badgeCount }

// ClearSensitiveData drops payment details from the contract and its JSON
// and truncates the chat to the first message. Running it again is a no-op.
// It returns a description of what changed, empty if nothing did.
func (d *Dispute) ClearSensitiveData() string {
	change := ""
	if d.Contract != nil && d.Contract.ClearSensitiveData() {
		change += "contract;"
	}
	if edited, err := SanitizeContractJSON(d.ContractAsJSON); err != nil {
		slog.Warn("could not sanitize contract json", "trade_id", d.TradeID, "error", err)
	} else if edited != d.ContractAsJSON {
		d.ContractAsJSON = edited
		change += "contractAsJson;"
	}
	if len(d.ChatMessages) > 1 {
		for _, m := range d.ChatMessages[1:] {
			m.SetOnChange(nil)
		}
		d.ChatMessages = d.ChatMessages[:1:1]
		change += "chat messages;"
	}
	if change != "" {
		d.changed()
	}
	return change
}

// PendingChatMessages returns messages without a terminal delivery state.
func (d *Dispute) PendingChatMessages() []*ChatMessage {
	var out []*ChatMessage
	for _, m := range d.ChatMessages {
		if m.IsPending() {
			out = append(out, m)
		}
	}
	return out
}

// ClosedAt is the close date of the result, or the opening date when the
// dispute was closed without one.
func (d *Dispute) ClosedAt() time.Time {
	if d.Result != nil && d.Result.CloseDate > 0 {
		return time.UnixMilli(d.Result.CloseDate)
	}
	return time.UnixMilli(d.OpeningDate)
}

// bindChatMessages attaches the chat observer to every message. Needed after
// decoding since observers are not persisted.
func (d *Dispute) bindChatMessages() {
	for _, m := range d.ChatMessages {
		d.bind(m)
	}
}

func (d *Dispute) bind(m *ChatMessage) {
	m.SetOnChange(func(*ChatMessage) { d.changed() })
}

func (d *Dispute) changed() {
	if d.onChange != nil {
		d.onChange(d)
	}
}

// disputeJSON adds the legacy isClosed flag to the persisted form.
type disputeJSON struct {
	*disputeAlias
	IsClosed *bool `json:"isClosed,omitempty"`
}

type disputeAlias Dispute

// UnmarshalJSON decodes a dispute, resolving legacy records without a
// state to CLOSED or OPEN from their isClosed flag.
func (d *Dispute) UnmarshalJSON(data []byte) error {
	aux := disputeJSON{disputeAlias: (*disputeAlias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if d.State == StateNeedsUpgrade {
		if aux.IsClosed != nil && *aux.IsClosed {
			d.State = StateClosed
		} else {
			d.State = StateOpen
		}
	}
	// The id is derived, never taken from the peer or the file.
	d.ID = MakeID(d.TradeID, d.TraderID)
	d.uid = idgen.New()
	d.bindChatMessages()
	return nil
}

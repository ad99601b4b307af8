package dispute

import "fmt"

// State is the dispute state machine. Values are ordered by the history of
// the persisted format, not by lifecycle.
type State int

const (
	// StateNeedsUpgrade marks legacy records without a state. It is resolved
	// while decoding and never observed on a live dispute.
	StateNeedsUpgrade State = iota
	StateNew
	StateOpen
	StateReopened
	StateClosed
	StateResultProposed
)

var stateNames = [...]string{"NEEDS_UPGRADE", "NEW", "OPEN", "REOPENED", "CLOSED", "RESULT_PROPOSED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// States returns the live states, NEEDS_UPGRADE excluded.
func States() []State {
	return []State{StateNew, StateOpen, StateReopened, StateClosed, StateResultProposed}
}

// IsOpen reports whether the dispute is still awaiting a result.
func (s State) IsOpen() bool {
	return s == StateNew || s == StateOpen || s == StateReopened
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := parseName(stateNames[:], string(b), "dispute state")
	*s = State(v)
	return err
}

// SupportType selects which manager owns a dispute.
type SupportType int

const (
	SupportArbitration SupportType = iota
	SupportMediation
	SupportTrade
	SupportRefund
)

var supportTypeNames = [...]string{"ARBITRATION", "MEDIATION", "TRADE", "REFUND"}

func (t SupportType) String() string {
	if t < 0 || int(t) >= len(supportTypeNames) {
		return fmt.Sprintf("SupportType(%d)", int(t))
	}
	return supportTypeNames[t]
}

func (t SupportType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SupportType) UnmarshalText(b []byte) error {
	v, err := parseName(supportTypeNames[:], string(b), "support type")
	*t = SupportType(v)
	return err
}

// Winner is the party a result favours.
type Winner int

const (
	WinnerBuyer Winner = iota
	WinnerSeller
)

var winnerNames = [...]string{"BUYER", "SELLER"}

func (w Winner) String() string {
	if w < 0 || int(w) >= len(winnerNames) {
		return fmt.Sprintf("Winner(%d)", int(w))
	}
	return winnerNames[w]
}

// Other returns the opposite party.
func (w Winner) Other() Winner {
	if w == WinnerBuyer {
		return WinnerSeller
	}
	return WinnerBuyer
}

func (w Winner) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *Winner) UnmarshalText(b []byte) error {
	v, err := parseName(winnerNames[:], string(b), "winner")
	*w = Winner(v)
	return err
}

// Reason is the agent's classification of the dispute.
type Reason int

const (
	ReasonOther Reason = iota
	ReasonBug
	ReasonUsability
	ReasonScam
	ReasonProtocolViolation
	ReasonNoReply
	ReasonBankProblems
	ReasonOptionTrade
	ReasonSellerNotResponding
	ReasonWrongSenderAccount
	ReasonTradeAlreadySettled
	ReasonPeerWasLate
)

var reasonNames = [...]string{
	"OTHER", "BUG", "USABILITY", "SCAM", "PROTOCOL_VIOLATION", "NO_REPLY",
	"BANK_PROBLEMS", "OPTION_TRADE", "SELLER_NOT_RESPONDING", "WRONG_SENDER_ACCOUNT",
	"TRADE_ALREADY_SETTLED", "PEER_WAS_LATE",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Reason) UnmarshalText(b []byte) error {
	v, err := parseName(reasonNames[:], string(b), "reason")
	*r = Reason(v)
	return err
}

// PayoutSuggestion names the template a payout was derived from. It only
// feeds human-readable summaries; amounts are carried explicitly on Result.
type PayoutSuggestion int

const (
	PayoutUnknown PayoutSuggestion = iota
	PayoutBuyerGetsTradeAmount
	PayoutBuyerGetsTradeAmountPlusCompensation
	PayoutBuyerGetsTradeAmountMinusPenalty
	PayoutSellerGetsTradeAmount
	PayoutSellerGetsTradeAmountPlusCompensation
	PayoutSellerGetsTradeAmountMinusPenalty
	PayoutCustom
)

var payoutSuggestionNames = [...]string{
	"UNKNOWN",
	"BUYER_GETS_TRADE_AMOUNT",
	"BUYER_GETS_TRADE_AMOUNT_PLUS_COMPENSATION",
	"BUYER_GETS_TRADE_AMOUNT_MINUS_PENALTY",
	"SELLER_GETS_TRADE_AMOUNT",
	"SELLER_GETS_TRADE_AMOUNT_PLUS_COMPENSATION",
	"SELLER_GETS_TRADE_AMOUNT_MINUS_PENALTY",
	"CUSTOM_PAYOUT",
}

var payoutSuggestionText = [...]string{
	"",
	"Buyer gets trade amount",
	"Buyer gets trade amount plus compensation",
	"Buyer gets trade amount minus penalty",
	"Seller gets trade amount",
	"Seller gets trade amount plus compensation",
	"Seller gets trade amount minus penalty",
	"Custom payout",
}

func (p PayoutSuggestion) String() string {
	if p < 0 || int(p) >= len(payoutSuggestionNames) {
		return fmt.Sprintf("PayoutSuggestion(%d)", int(p))
	}
	return payoutSuggestionNames[p]
}

// Describe returns the human-readable label used in result summaries.
func (p PayoutSuggestion) Describe() string {
	if p < 0 || int(p) >= len(payoutSuggestionText) {
		return ""
	}
	return payoutSuggestionText[p]
}

func (p PayoutSuggestion) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PayoutSuggestion) UnmarshalText(b []byte) error {
	v, err := parseName(payoutSuggestionNames[:], string(b), "payout suggestion")
	*p = PayoutSuggestion(v)
	return err
}

func parseName(names []string, s, what string) (int, error) {
	for i, name := range names {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("dispute: unknown %s %q", what, s)
}

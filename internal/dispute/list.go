package dispute

// List is the persisted collection of disputes for one support type.
// Disputes are never removed once added.
type List struct {
	Disputes []*Dispute `json:"disputes"`
}

// NewList creates an empty list.
func NewList() *List {
	return &List{}
}

// Len returns the number of disputes.
func (l *List) Len() int { return len(l.Disputes) }

// All returns the disputes in insertion order. The slice must not be modified.
func (l *List) All() []*Dispute { return l.Disputes }

// SetAll replaces the content, used when a persisted copy is loaded.
func (l *List) SetAll(disputes []*Dispute) {
	l.Disputes = append([]*Dispute(nil), disputes...)
}

// Contains reports whether a dispute with the same id is stored.
func (l *List) Contains(d *Dispute) bool {
	return l.Find(d.TradeID, d.TraderID) != nil
}

// Add stores d unless a dispute with the same id is present. It reports
// whether d was added.
func (l *List) Add(d *Dispute) bool {
	if l.Contains(d) {
		return false
	}
	l.Disputes = append(l.Disputes, d)
	return true
}

// Find returns the dispute for a trade and trader, or nil.
func (l *List) Find(tradeID string, traderID int) *Dispute {
	for _, d := range l.Disputes {
		if d.TradeID == tradeID && d.TraderID == traderID {
			return d
		}
	}
	return nil
}

// FindByTradeID returns every dispute for a trade.
func (l *List) FindByTradeID(tradeID string) []*Dispute {
	var out []*Dispute
	for _, d := range l.Disputes {
		if d.TradeID == tradeID {
			out = append(out, d)
		}
	}
	return out
}

// CountByState returns the number of disputes per state.
func (l *List) CountByState() map[State]int {
	out := make(map[State]int)
	for _, d := range l.Disputes {
		out[d.State]++
	}
	return out
}

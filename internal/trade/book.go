package trade

import (
	"encoding/json"
	"sort"
	"sync"
)

// Location is the set a trade currently lives in.
type Location int

const (
	LocationNone Location = iota
	LocationPending
	LocationClosed
	LocationFailed
)

func (l Location) String() string {
	switch l {
	case LocationPending:
		return "pending"
	case LocationClosed:
		return "closed"
	case LocationFailed:
		return "failed"
	default:
		return "none"
	}
}

// Book tracks trades and open offers. Mutations happen on the logical
// thread; the lock only guards readers on other goroutines.
type Book struct {
	mu         sync.RWMutex
	pending    map[string]*Trade
	closed     map[string]*Trade
	failed     map[string]*Trade
	openOffers map[string]bool

	payoutListeners []func(*Trade)
	onChange        func()
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		pending:    make(map[string]*Trade),
		closed:     make(map[string]*Trade),
		failed:     make(map[string]*Trade),
		openOffers: make(map[string]bool),
	}
}

// OnChange registers the callback invoked after every mutation, normally a
// persistence request.
func (b *Book) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// AddPayoutListener registers fn to be called when a trade's payout is set.
func (b *Book) AddPayoutListener(fn func(*Trade)) {
	b.mu.Lock()
	b.payoutListeners = append(b.payoutListeners, fn)
	b.mu.Unlock()
}

func (b *Book) changed() {
	b.mu.RLock()
	fn := b.onChange
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// AddPending adds a trade to the pending set.
func (b *Book) AddPending(t *Trade) { b.put(t, LocationPending) }

// AddClosed adds a trade to the closed set.
func (b *Book) AddClosed(t *Trade) { b.put(t, LocationClosed) }

// AddFailed adds a trade to the failed set.
func (b *Book) AddFailed(t *Trade) { b.put(t, LocationFailed) }

func (b *Book) put(t *Trade, loc Location) {
	b.mu.Lock()
	delete(b.pending, t.ID)
	delete(b.closed, t.ID)
	delete(b.failed, t.ID)
	b.set(loc)[t.ID] = t
	b.mu.Unlock()
	b.changed()
}

func (b *Book) set(loc Location) map[string]*Trade {
	switch loc {
	case LocationClosed:
		return b.closed
	case LocationFailed:
		return b.failed
	default:
		return b.pending
	}
}

// Find searches pending, then closed, then failed trades.
func (b *Book) Find(tradeID string) (*Trade, Location) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.pending[tradeID]; ok {
		return t, LocationPending
	}
	if t, ok := b.closed[tradeID]; ok {
		return t, LocationClosed
	}
	if t, ok := b.failed[tradeID]; ok {
		return t, LocationFailed
	}
	return nil, LocationNone
}

// Pending returns a pending trade.
func (b *Book) Pending(tradeID string) (*Trade, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.pending[tradeID]
	return t, ok
}

// Revive moves a closed or failed trade back to pending. A pending trade is
// returned as is.
func (b *Book) Revive(tradeID string) (*Trade, bool) {
	t, loc := b.Find(tradeID)
	switch loc {
	case LocationNone:
		return nil, false
	case LocationPending:
		return t, true
	}
	b.put(t, LocationPending)
	return t, true
}

// SetDisputeState sets the dispute state of a trade in any set.
func (b *Book) SetDisputeState(tradeID string, s DisputeState) bool {
	t, loc := b.Find(tradeID)
	if loc == LocationNone {
		return false
	}
	b.mu.Lock()
	t.DisputeState = s
	b.mu.Unlock()
	b.changed()
	return true
}

// CloseDisputedTrade sets the final dispute state and moves a pending trade
// to the closed set. Closing an already closed trade only updates the state.
func (b *Book) CloseDisputedTrade(tradeID string, s DisputeState) bool {
	t, loc := b.Find(tradeID)
	if loc == LocationNone {
		return false
	}
	b.mu.Lock()
	t.DisputeState = s
	b.mu.Unlock()
	if loc == LocationPending {
		b.put(t, LocationClosed)
		return true
	}
	b.changed()
	return true
}

// SetMediationPayout records the payout amounts a mediator proposed.
func (b *Book) SetMediationPayout(tradeID string, buyer, seller int64) bool {
	t, loc := b.Find(tradeID)
	if loc == LocationNone {
		return false
	}
	b.mu.Lock()
	t.BuyerPayoutAmountFromMediation = buyer
	t.SellerPayoutAmountFromMediation = seller
	b.mu.Unlock()
	b.changed()
	return true
}

// SetPayout records the payout tx of a trade and notifies payout listeners.
func (b *Book) SetPayout(tradeID, txID string) bool {
	t, loc := b.Find(tradeID)
	if loc == LocationNone {
		return false
	}
	b.mu.Lock()
	t.PayoutTxID = txID
	listeners := append([]func(*Trade){}, b.payoutListeners...)
	b.mu.Unlock()
	b.changed()
	for _, fn := range listeners {
		fn(t)
	}
	return true
}

// AddOpenOffer records an offer as open.
func (b *Book) AddOpenOffer(offerID string) {
	b.mu.Lock()
	b.openOffers[offerID] = true
	b.mu.Unlock()
	b.changed()
}

// HasOpenOffer reports whether the offer is open.
func (b *Book) HasOpenOffer(offerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openOffers[offerID]
}

// CloseOpenOffer removes an open offer. It reports whether one was removed.
func (b *Book) CloseOpenOffer(offerID string) bool {
	b.mu.Lock()
	ok := b.openOffers[offerID]
	delete(b.openOffers, offerID)
	b.mu.Unlock()
	if ok {
		b.changed()
	}
	return ok
}

// Trades returns the trades of one set ordered by id.
func (b *Book) Trades(loc Location) []*Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if loc == LocationNone {
		return nil
	}
	src := b.set(loc)
	out := make([]*Trade, 0, len(src))
	for _, t := range src {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type bookState struct {
	Pending    []*Trade `json:"pendingTrades"`
	Closed     []*Trade `json:"closedTrades"`
	Failed     []*Trade `json:"failedTrades"`
	OpenOffers []string `json:"openOffers"`
}

// MarshalJSON writes the book in its persisted form.
func (b *Book) MarshalJSON() ([]byte, error) {
	st := bookState{
		Pending: b.Trades(LocationPending),
		Closed:  b.Trades(LocationClosed),
		Failed:  b.Trades(LocationFailed),
	}
	b.mu.RLock()
	for id := range b.openOffers {
		st.OpenOffers = append(st.OpenOffers, id)
	}
	b.mu.RUnlock()
	sort.Strings(st.OpenOffers)
	return json.Marshal(st)
}

// UnmarshalJSON restores a persisted book. Listeners are kept.
func (b *Book) UnmarshalJSON(data []byte) error {
	var st bookState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]*Trade)
	b.closed = make(map[string]*Trade)
	b.failed = make(map[string]*Trade)
	b.openOffers = make(map[string]bool)
	for _, t := range st.Pending {
		b.pending[t.ID] = t
	}
	for _, t := range st.Closed {
		b.closed[t.ID] = t
	}
	for _, t := range st.Failed {
		b.failed[t.ID] = t
	}
	for _, id := range st.OpenOffers {
		b.openOffers[id] = true
	}
	return nil
}

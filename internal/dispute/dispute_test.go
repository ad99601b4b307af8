package dispute

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
)

func testRing(t *testing.T) keyring.PubKeyRing {
	t.Helper()
	kr, err := keyring.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return kr.PubKeyRing()
}

func newTestDispute(t *testing.T) *Dispute {
	t.Helper()
	d := New("T1-abcdefgh", testRing(t), SupportMediation, time.Unix(1_700_000_000, 0))
	d.Contract = &Contract{
		OfferID:     "T1-abcdefgh",
		TradeAmount: 10_000_000,
		TradePrice:  300_000_000,
		MakerPaymentAccountPayload: &PaymentAccountPayload{
			PaymentMethodID: "SEPA",
			Fields:          map[string]string{"iban": "DE00"},
		},
	}
	js, err := d.Contract.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	d.ContractAsJSON = js
	d.ContractHash = HashContractJSON(js)
	return d
}

func TestNew_DerivesID(t *testing.T) {
	d := newTestDispute(t)
	if d.ID != MakeID(d.TradeID, d.TraderID) {
		t.Fatalf("unexpected id %s", d.ID)
	}
	if d.State != StateNew || !d.IsNew() {
		t.Fatalf("expected NEW, got %s", d.State)
	}
	if d.UID() == "" {
		t.Fatal("missing uid")
	}
}

func TestAddChatMessage_DeduplicatesByUID(t *testing.T) {
	d := newTestDispute(t)
	m := NewChatMessage(SupportMediation, d.TradeID, d.TraderID, true, "hi", p2p.NodeAddress{}, time.Now())
	if !d.AddChatMessage(m) {
		t.Fatal("first add rejected")
	}
	same := m.Clone()
	same.Message = "different text"
	if d.AddChatMessage(same) {
		t.Fatal("message with same uid added twice")
	}
	if len(d.ChatMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d.ChatMessages))
	}
}

func TestOnChange_FiresForChatMutations(t *testing.T) {
	d := newTestDispute(t)
	changes := 0
	d.SetOnChange(func(*Dispute) { changes++ })

	m := NewChatMessage(SupportMediation, d.TradeID, d.TraderID, true, "hi", p2p.NodeAddress{}, time.Now())
	d.AddChatMessage(m)
	m.SetArrived(true)
	m.SetWasDisplayed(true)
	if changes != 3 {
		t.Fatalf("expected 3 change notifications, got %d", changes)
	}

	d.SetOnChange(nil)
	m.SetAcknowledged(true)
	if changes != 3 {
		t.Fatal("observer still notified after unregistering")
	}
}

func TestUnreadAndAlertLevel(t *testing.T) {
	d := newTestDispute(t)
	d.AddChatMessage(NewSystemMessage(SupportMediation, d.TradeID, d.TraderID, "opened", p2p.NodeAddress{}, time.Now()))
	d.AddChatMessage(NewChatMessage(SupportMediation, d.TradeID, d.TraderID, true, "from trader", p2p.NodeAddress{}, time.Now()))
	d.AddChatMessage(NewChatMessage(SupportMediation, d.TradeID, d.TraderID, false, "from agent", p2p.NodeAddress{}, time.Now()))

	if got := d.UnreadMessageCount(true); got != 2 {
		t.Fatalf("trader side unread: got %d want 2", got)
	}
	if got := d.UnreadMessageCount(false); got != 2 {
		t.Fatalf("agent side unread: got %d want 2", got)
	}

	d.SetState(StateOpen)
	d.RefreshAlertLevel(true)
	if d.BadgeCount() != 1 {
		t.Fatal("badge should be set while messages are unread")
	}
	for _, m := range d.ChatMessages {
		m.SetWasDisplayed(true)
	}
	d.RefreshAlertLevel(true)
	if d.BadgeCount() != 0 {
		t.Fatal("badge should clear once everything is displayed")
	}
}

func TestReOpen(t *testing.T) {
	d := newTestDispute(t)
	if err := d.ReOpen(); err == nil {
		t.Fatal("reopening a NEW dispute should fail")
	}
	d.SetClosed()
	if err := d.ReOpen(); err != nil {
		t.Fatalf("ReOpen: %v", err)
	}
	if d.State != StateReopened || !d.State.IsOpen() {
		t.Fatalf("unexpected state %s", d.State)
	}
}

func TestClearSensitiveData_Idempotent(t *testing.T) {
	d := newTestDispute(t)
	for i := 0; i < 3; i++ {
		d.AddChatMessage(NewChatMessage(SupportMediation, d.TradeID, d.TraderID, true, "m", p2p.NodeAddress{}, time.Now()))
	}
	first := d.ChatMessages[0].UID

	change := d.ClearSensitiveData()
	for _, want := range []string{"contract;", "contractAsJson;", "chat messages;"} {
		if !strings.Contains(change, want) {
			t.Errorf("change %q missing %q", change, want)
		}
	}
	if len(d.ChatMessages) != 1 || d.ChatMessages[0].UID != first {
		t.Fatal("chat not truncated to first message")
	}
	if strings.Contains(d.ContractAsJSON, "PaymentAccountPayload") || strings.Contains(d.ContractAsJSON, "DE00") {
		t.Fatalf("contract json still has payment data: %s", d.ContractAsJSON)
	}
	if d.Contract.MakerPaymentAccountPayload != nil {
		t.Fatal("contract payload not cleared")
	}

	before := d.ContractAsJSON
	if again := d.ClearSensitiveData(); again != "" {
		t.Fatalf("second clear changed %q", again)
	}
	if d.ContractAsJSON != before {
		t.Fatal("second clear modified the contract json")
	}
}

func TestUnmarshal_LegacyStateMigration(t *testing.T) {
	tests := []struct {
		name string
		json string
		want State
	}{
		{"legacy closed", `{"tradeId":"T1","traderId":7,"isClosed":true}`, StateClosed},
		{"legacy open", `{"tradeId":"T1","traderId":7,"isClosed":false}`, StateOpen},
		{"legacy no flag", `{"tradeId":"T1","traderId":7}`, StateOpen},
		{"current", `{"tradeId":"T1","traderId":7,"disputeState":"RESULT_PROPOSED"}`, StateResultProposed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Dispute
			if err := json.Unmarshal([]byte(tt.json), &d); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if d.State != tt.want {
				t.Fatalf("got %s want %s", d.State, tt.want)
			}
			if d.ID != "T1_7" {
				t.Fatalf("id not derived: %q", d.ID)
			}
			if d.UID() == "" {
				t.Fatal("uid not assigned")
			}
		})
	}
}

func TestUnmarshal_RebindsChatObservers(t *testing.T) {
	d := newTestDispute(t)
	d.AddChatMessage(NewChatMessage(SupportMediation, d.TradeID, d.TraderID, true, "hi", p2p.NodeAddress{}, time.Now()))
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var restored Dispute
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	changes := 0
	restored.SetOnChange(func(*Dispute) { changes++ })
	restored.ChatMessages[0].SetAcknowledged(true)
	if changes != 1 {
		t.Fatal("restored chat message not bound to its dispute")
	}
	if restored.UID() == d.UID() {
		t.Fatal("uid must not survive persistence")
	}
}

func TestList_AddFind(t *testing.T) {
	l := NewList()
	a := newTestDispute(t)
	if !l.Add(a) {
		t.Fatal("add rejected")
	}
	if l.Add(a) {
		t.Fatal("duplicate add accepted")
	}
	if l.Find(a.TradeID, a.TraderID) != a {
		t.Fatal("Find did not return the stored dispute")
	}
	if len(l.FindByTradeID(a.TradeID)) != 1 {
		t.Fatal("FindByTradeID")
	}
	if l.CountByState()[StateNew] != 1 {
		t.Fatal("CountByState")
	}
}

func TestUnmarshal_DerivesIDOverStoredValue(t *testing.T) {
	var d Dispute
	if err := json.Unmarshal([]byte(`{"tradeId":"T1","traderId":7,"id":"forged","disputeState":"OPEN"}`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.ID != "T1_7" {
		t.Fatalf("expected derived id, got %q", d.ID)
	}

	l := NewList()
	l.Add(&d)
	if l.Add(&Dispute{TradeID: "T1", TraderID: 7, ID: MakeID("T1", 7)}) {
		t.Fatal("second dispute for the same trade and trader accepted")
	}
}

func TestList_FindByTradeAndTrader(t *testing.T) {
	l := NewList()
	a := newTestDispute(t)
	l.Add(a)
	a.ID = "stale"

	if l.Find(a.TradeID, a.TraderID) != a {
		t.Fatal("Find must not depend on the id field")
	}
	if l.Find(a.TradeID, a.TraderID+1) != nil {
		t.Fatal("Find matched another trader")
	}
}

func TestResult_Publisher(t *testing.T) {
	r := &Result{Winner: WinnerBuyer}
	if r.Publisher() != WinnerBuyer {
		t.Fatal("winner should publish by default")
	}
	r.IsLoserPublisher = true
	if r.Publisher() != WinnerSeller {
		t.Fatal("loser publisher not inverted")
	}
}

func TestResult_SameDecisionIgnoresChatMessage(t *testing.T) {
	a := &Result{TradeID: "T1", TraderID: 1, Winner: WinnerSeller, BuyerPayoutAmount: 1, SellerPayoutAmount: 2,
		ChatMessage: &ChatMessage{UID: "a"}}
	b := *a
	b.TraderID = 2
	b.ChatMessage = &ChatMessage{UID: "b"}
	if !a.SameDecision(&b) {
		t.Fatal("results should match")
	}
	b.SellerPayoutAmount = 3
	if a.SameDecision(&b) {
		t.Fatal("different amounts should not match")
	}
}

func TestContract_Roles(t *testing.T) {
	maker := testRing(t)
	taker := testRing(t)
	c := &Contract{
		IsBuyerMakerAndSellerTaker: true,
		MakerPubKeyRing:            maker,
		TakerPubKeyRing:            taker,
		BuyerNodeAddress:           p2p.NodeAddress{HostName: "buyer", Port: 1},
		SellerNodeAddress:          p2p.NodeAddress{HostName: "seller", Port: 2},
	}
	if !c.IsBuyer(maker) || c.IsBuyer(taker) {
		t.Fatal("buyer resolution wrong")
	}
	addr, ring := c.PeerOf(maker)
	if addr.HostName != "seller" || !ring.Equal(taker) {
		t.Fatal("PeerOf buyer should be seller")
	}
}

func TestEnums_TextRoundTrip(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("REOPENED")); err != nil || s != StateReopened {
		t.Fatalf("state: %v %s", err, s)
	}
	if err := s.UnmarshalText([]byte("BOGUS")); err == nil {
		t.Fatal("unknown state accepted")
	}
	var st SupportType
	if err := st.UnmarshalText([]byte("REFUND")); err != nil || st != SupportRefund {
		t.Fatalf("support type: %v %s", err, st)
	}
	if PayoutBuyerGetsTradeAmountMinusPenalty.Describe() != "Buyer gets trade amount minus penalty" {
		t.Fatal("payout description")
	}
}

package validation

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
)

var (
	buyerAddr  = p2p.NodeAddress{HostName: strings.Repeat("a", 56) + ".onion", Port: 9999}
	sellerAddr = p2p.NodeAddress{HostName: strings.Repeat("b", 56) + ".onion", Port: 9999}
)

type fixture struct {
	maker, taker *keyring.KeyRing
	trade        *trade.Trade
	dispute      *dispute.Dispute
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	maker, err := keyring.Generate()
	if err != nil {
		t.Fatal(err)
	}
	taker, err := keyring.Generate()
	if err != nil {
		t.Fatal(err)
	}
	c := &dispute.Contract{
		OfferID:                    "T1",
		CurrencyCode:               "EUR",
		TradeAmount:                1_000_000,
		TradePrice:                 50_000_0000,
		IsBuyerMakerAndSellerTaker: true,
		BuyerNodeAddress:           buyerAddr,
		SellerNodeAddress:          sellerAddr,
		MakerPubKeyRing:            maker.PubKeyRing(),
		TakerPubKeyRing:            taker.PubKeyRing(),
	}
	js, err := c.CanonicalJSON()
	if err != nil {
		t.Fatal(err)
	}
	makerSig, err := maker.Sign([]byte(js))
	if err != nil {
		t.Fatal(err)
	}
	takerSig, err := taker.Sign([]byte(js))
	if err != nil {
		t.Fatal(err)
	}
	tr := &trade.Trade{
		ID:                "T1",
		Contract:          c,
		ContractAsJSON:    js,
		MakerContractSig:  makerSig,
		TakerContractSig:  takerSig,
		DepositTxID:       "deposit-1",
		DelayedPayoutTxID: "delayed-1",
		DonationAddress:   "donation-1",
	}
	d, err := tr.OpenDispute(maker.PubKeyRing(), keyring.PubKeyRing{}, dispute.SupportRefund, time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	return fixture{maker: maker, taker: taker, trade: tr, dispute: d}
}

func TestValidateDisputeData(t *testing.T) {
	f := newFixture(t)
	if err := ValidateDisputeData(f.dispute); err != nil {
		t.Fatalf("valid dispute rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(d *dispute.Dispute)
	}{
		{"hash mismatch", func(d *dispute.Dispute) { d.ContractHash = []byte{1, 2, 3} }},
		{"json mismatch", func(d *dispute.Dispute) { d.Contract.TradeAmount++ }},
		{"bad maker signature", func(d *dispute.Dispute) { d.MakerContractSig = d.TakerContractSig }},
		{"short taker signature", func(d *dispute.Dispute) { d.TakerContractSig = []byte{1} }},
		{"no contract", func(d *dispute.Dispute) { d.Contract = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFixture(t).dispute
			tt.mutate(d)
			err := ValidateDisputeData(d)
			if !errors.Is(err, ErrDisputeData) {
				t.Fatalf("expected ErrDisputeData, got %v", err)
			}
			var ve *Error
			if !errors.As(err, &ve) || ve.Dispute != d {
				t.Fatal("error does not carry the dispute")
			}
		})
	}
}

func TestValidateTradeAndDispute(t *testing.T) {
	f := newFixture(t)
	if err := ValidateTradeAndDispute(f.dispute, f.trade); err != nil {
		t.Fatalf("matching trade rejected: %v", err)
	}
	if err := ValidateTradeAndDispute(f.dispute, nil); !errors.Is(err, ErrTradeMismatch) {
		t.Fatalf("nil trade: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(tr *trade.Trade)
	}{
		{"contract", func(tr *trade.Trade) { tr.ContractAsJSON = "{}" }},
		{"delayed payout differs", func(tr *trade.Trade) { tr.DelayedPayoutTxID = "other" }},
		{"delayed payout missing", func(tr *trade.Trade) { tr.DelayedPayoutTxID = "" }},
		{"deposit differs", func(tr *trade.Trade) { tr.DepositTxID = "other" }},
		{"deposit missing", func(tr *trade.Trade) { tr.DepositTxID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f.trade)
			if err := ValidateTradeAndDispute(f.dispute, f.trade); !errors.Is(err, ErrTradeMismatch) {
				t.Fatalf("expected ErrTradeMismatch, got %v", err)
			}
		})
	}
}

func TestValidateNodeAddresses(t *testing.T) {
	f := newFixture(t)
	if err := ValidateNodeAddresses(f.dispute, Options{}); err != nil {
		t.Fatalf("onion addresses rejected: %v", err)
	}

	f.dispute.Contract.SellerNodeAddress = p2p.NodeAddress{HostName: "localhost", Port: 2002}
	if err := ValidateNodeAddresses(f.dispute, Options{}); !errors.Is(err, ErrNodeAddress) {
		t.Fatalf("expected ErrNodeAddress, got %v", err)
	}
	if err := ValidateNodeAddresses(f.dispute, Options{LocalNetwork: true}); err != nil {
		t.Fatalf("local network should skip checks: %v", err)
	}

	for _, host := range []string{
		strings.Repeat("a", 55) + ".onion",
		strings.Repeat("A", 56) + ".onion",
		strings.Repeat("1", 56) + ".onion",
		strings.Repeat("a", 56) + ".onion.evil",
	} {
		f.dispute.Contract.BuyerNodeAddress = p2p.NodeAddress{HostName: host, Port: 1}
		if err := ValidateNodeAddresses(f.dispute, Options{}); err == nil {
			t.Errorf("host %q accepted", host)
		}
	}
}

func TestValidateSenderNodeAddress(t *testing.T) {
	f := newFixture(t)
	if err := ValidateSenderNodeAddress(f.dispute, buyerAddr); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSenderNodeAddress(f.dispute, sellerAddr); err != nil {
		t.Fatal(err)
	}
	stranger := p2p.NodeAddress{HostName: strings.Repeat("c", 56) + ".onion", Port: 9999}
	if err := ValidateSenderNodeAddress(f.dispute, stranger); !errors.Is(err, ErrSenderAddress) {
		t.Fatalf("expected ErrSenderAddress, got %v", err)
	}
}

func TestValidateDonationAddress(t *testing.T) {
	f := newFixture(t)
	past := []string{"donation-0", "donation-1", "donation-2"}
	if err := ValidateDonationAddress(f.dispute, past); err != nil {
		t.Fatalf("past value rejected: %v", err)
	}
	if err := ValidateDonationAddress(f.dispute, []string{"donation-9"}); !errors.Is(err, ErrDonationAddress) {
		t.Fatalf("expected ErrDonationAddress, got %v", err)
	}
	f.dispute.DonationAddressOfDelayedPayoutTx = ""
	if err := ValidateDonationAddress(f.dispute, past); !errors.Is(err, ErrDonationAddress) {
		t.Fatalf("missing address accepted: %v", err)
	}
}

func replayDispute(tradeID, deposit, delayed string, traderID int) *dispute.Dispute {
	d := &dispute.Dispute{
		TradeID:           tradeID,
		TraderID:          traderID,
		ID:                dispute.MakeID(tradeID, traderID),
		DepositTxID:       deposit,
		DelayedPayoutTxID: delayed,
		SupportType:       dispute.SupportMediation,
	}
	return d
}

func TestReplay_TwoDisputesPerTradeAllowed(t *testing.T) {
	list := []*dispute.Dispute{
		replayDispute("T1", "dep1", "dpt1", 1),
		replayDispute("T1", "dep1", "dpt1", 2),
	}
	FindReplays(list, func(e *Error) { t.Fatalf("unexpected fault %v", e) })
}

func TestReplay_ThirdDisputeFlagged(t *testing.T) {
	tests := []struct {
		name  string
		third *dispute.Dispute
	}{
		{"same trade", replayDispute("T1", "dep9", "dpt9", 3)},
		{"same deposit", replayDispute("T9", "dep1", "dpt9", 3)},
		{"same delayed payout", replayDispute("T9", "dep9", "dpt1", 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := []*dispute.Dispute{
				replayDispute("T1", "dep1", "dpt1", 1),
				replayDispute("T1", "dep1", "dpt1", 2),
				tt.third,
			}
			var faults []*Error
			FindReplays(list, func(e *Error) { faults = append(faults, e) })
			if len(faults) != 3 {
				t.Fatalf("expected every offender flagged, got %d", len(faults))
			}
			for _, e := range faults {
				if !errors.Is(e, ErrReplay) {
					t.Fatalf("unexpected kind %s", e.Kind)
				}
			}
			if err := CheckReplay(tt.third, list); !errors.Is(err, ErrReplay) {
				t.Fatalf("CheckReplay: %v", err)
			}
		})
	}
}

func TestReplay_MissingIDs(t *testing.T) {
	noDeposit := replayDispute("T1", "", "dpt1", 1)
	if err := CheckReplay(noDeposit, []*dispute.Dispute{noDeposit}); !errors.Is(err, ErrReplay) {
		t.Fatalf("missing deposit: %v", err)
	}

	mediation := replayDispute("T2", "dep2", "", 1)
	if err := CheckReplay(mediation, []*dispute.Dispute{mediation}); err != nil {
		t.Fatalf("mediation without delayed payout should pass: %v", err)
	}
	refund := replayDispute("T3", "dep3", "", 1)
	refund.SupportType = dispute.SupportRefund
	if err := CheckReplay(refund, []*dispute.Dispute{refund}); !errors.Is(err, ErrReplay) {
		t.Fatalf("refund without delayed payout: %v", err)
	}
}

// Random lists: a dispute is flagged iff one of its buckets holds more than
// two disputes.
func TestReplay_RandomLists(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		list := make([]*dispute.Dispute, 0, n)
		for i := 0; i < n; i++ {
			list = append(list, replayDispute(
				fmt.Sprintf("T%d", rng.Intn(5)),
				fmt.Sprintf("dep%d", rng.Intn(5)),
				fmt.Sprintf("dpt%d", rng.Intn(5)),
				i,
			))
		}

		count := func(key func(*dispute.Dispute) string, v string) int {
			c := 0
			for _, d := range list {
				if key(d) == v {
					c++
				}
			}
			return c
		}
		want := make(map[*dispute.Dispute]bool)
		for _, d := range list {
			want[d] = count(func(x *dispute.Dispute) string { return x.TradeID }, d.TradeID) > 2 ||
				count(func(x *dispute.Dispute) string { return x.DepositTxID }, d.DepositTxID) > 2 ||
				count(func(x *dispute.Dispute) string { return x.DelayedPayoutTxID }, d.DelayedPayoutTxID) > 2
		}

		got := make(map[*dispute.Dispute]bool)
		FindReplays(list, func(e *Error) { got[e.Dispute] = true })
		for _, d := range list {
			if got[d] != want[d] {
				t.Fatalf("round %d: dispute %s flagged=%v want %v", round, d.ID, got[d], want[d])
			}
		}
	}
}

func TestCollection(t *testing.T) {
	var c Collection
	c.Add(nil)
	c.Add(newError(KindReplay, nil, "x"))
	c.Add(newError(KindNodeAddress, nil, "y"))
	c.Add(newError(KindReplay, nil, "z"))

	if c.Len() != 3 || c.CountKind(KindReplay) != 2 {
		t.Fatalf("len %d replay %d", c.Len(), c.CountKind(KindReplay))
	}
	all := c.All()
	all[0] = nil
	if c.All()[0] == nil {
		t.Fatal("All must return a copy")
	}
}

func TestAsError(t *testing.T) {
	d := replayDispute("T1", "a", "b", 1)
	if AsError(nil, d) != nil {
		t.Fatal("nil should stay nil")
	}
	wrapped := AsError(errors.New("boom"), d)
	if !errors.Is(wrapped, ErrDisputeData) || wrapped.Dispute != d {
		t.Fatalf("foreign error wrapped as %v", wrapped)
	}
	orig := newError(KindReplay, d, "r")
	if AsError(fmt.Errorf("ctx: %w", orig), d) != orig {
		t.Fatal("typed error not unwrapped")
	}
}

func TestTradeIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/disputes/:tradeId", TradeIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path string
		code int
	}{
		{"/disputes/ABC-123_x", http.StatusOK},
		{"/disputes/" + strings.Repeat("a", 129), http.StatusBadRequest},
		{"/disputes/a%20b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		r.ServeHTTP(w, req)
		if w.Code != tt.code {
			t.Errorf("%s: got %d want %d", tt.path, w.Code, tt.code)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"he\x00llo", 10, "hello"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

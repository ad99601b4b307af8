// Package sim builds a buyer, a seller and a dispute agent on an in-memory
// network with real on-disk persistence. The simulator binary and the
// integration tests of the dispute managers run on it.
package sim

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p/memnet"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

// TradeID is the id of the single trade of a world.
const TradeID = "T1"

// DonationAddress is recorded on the trade and known to every wallet.
const DonationAddress = "donation-1"

// Party is one node of the world.
type Party struct {
	Name   string
	Ring   *keyring.KeyRing
	Node   *memnet.Node
	Wallet *wallet.Memory
	Trades *trade.Book
	Orch   *persistence.Orchestrator
	Dir    string
}

// World is the three-party setup. Everything runs on Sched, a manual clock.
type World struct {
	Sched  *loop.Manual
	Net    *memnet.Network
	Buyer  *Party
	Seller *Party
	Agent  *Party

	contract *dispute.Contract
	js       string
	makerSig []byte
	takerSig []byte
	logger   *slog.Logger
}

// Start is the clock origin of every world.
var Start = time.Unix(1_700_000_000, 0)

// NewWorld creates the parties under baseDir, signs a contract in which the
// buyer is the maker and records the trade as pending with both traders.
func NewWorld(baseDir string, logger *slog.Logger) (*World, error) {
	w := &World{
		Sched:  loop.NewManual(Start),
		Net:    memnet.New(logger),
		logger: logger,
	}
	var err error
	for _, p := range []struct {
		name string
		dst  **Party
	}{{"buyer", &w.Buyer}, {"seller", &w.Seller}, {"agent", &w.Agent}} {
		if *p.dst, err = w.newParty(baseDir, p.name); err != nil {
			return nil, err
		}
	}

	buyerMultiSig, err := w.Buyer.Wallet.NewMultiSigKey(TradeID)
	if err != nil {
		return nil, err
	}
	sellerMultiSig, err := w.Seller.Wallet.NewMultiSigKey(TradeID)
	if err != nil {
		return nil, err
	}
	w.contract = &dispute.Contract{
		OfferID:                    TradeID,
		CurrencyCode:               "EUR",
		TradeAmount:                1_000_000,
		TradePrice:                 50_000_0000,
		BuyerSecurityDeposit:       500_000,
		SellerSecurityDeposit:      500_000,
		IsBuyerMakerAndSellerTaker: true,
		BuyerNodeAddress:           w.Buyer.Node.Address(),
		SellerNodeAddress:          w.Seller.Node.Address(),
		MediatorNodeAddress:        w.Agent.Node.Address(),
		RefundAgentNodeAddress:     w.Agent.Node.Address(),
		ArbitratorNodeAddress:      w.Agent.Node.Address(),
		MakerPubKeyRing:            w.Buyer.Ring.PubKeyRing(),
		TakerPubKeyRing:            w.Seller.Ring.PubKeyRing(),
		MakerPayoutAddress:         "buyer-payout",
		TakerPayoutAddress:         "seller-payout",
		MakerMultiSigPubKey:        buyerMultiSig,
		TakerMultiSigPubKey:        sellerMultiSig,
	}
	if w.js, err = w.contract.CanonicalJSON(); err != nil {
		return nil, err
	}
	if w.makerSig, err = w.Buyer.Ring.Sign([]byte(w.js)); err != nil {
		return nil, err
	}
	if w.takerSig, err = w.Seller.Ring.Sign([]byte(w.js)); err != nil {
		return nil, err
	}
	w.Buyer.Trades.AddPending(w.NewTrade())
	w.Seller.Trades.AddPending(w.NewTrade())
	return w, nil
}

func (w *World) newParty(baseDir, name string) (*Party, error) {
	ring, err := keyring.Generate()
	if err != nil {
		return nil, fmt.Errorf("%s key ring: %w", name, err)
	}
	wal, err := wallet.NewMemory(w.Sched, 1)
	if err != nil {
		return nil, fmt.Errorf("%s wallet: %w", name, err)
	}
	wal.SetDownloadComplete(true)
	wal.SetPeers(1)
	wal.SetDonationAddresses([]string{DonationAddress})
	wal.SetPrice("EUR", 50_000_0000)
	return &Party{
		Name:   name,
		Ring:   ring,
		Node:   w.Net.Join(p2p.NodeAddress{HostName: name, Port: 9999}, ring.PubKeyRing(), w.Sched),
		Wallet: wal,
		Trades: trade.NewBook(),
		Orch:   persistence.NewOrchestrator(w.Sched, persistence.NewCorruptedFileCollector(), w.logger),
		Dir:    filepath.Join(baseDir, name),
	}, nil
}

// NewTrade returns a fresh copy of the world's trade.
func (w *World) NewTrade() *trade.Trade {
	return &trade.Trade{
		ID:                  TradeID,
		Contract:            w.contract,
		ContractAsJSON:      w.js,
		MakerContractSig:    w.makerSig,
		TakerContractSig:    w.takerSig,
		TakeOfferDate:       Start.Add(-48 * time.Hour).UnixMilli(),
		MaxTradePeriod:      (24 * time.Hour).Milliseconds(),
		DepositTxSerialized: []byte("deposit-tx"),
		DepositTxID:         "deposit-1",
		DelayedPayoutTxID:   "delayed-1",
		DonationAddress:     DonationAddress,
	}
}

// Config returns the manager configuration of p. Spec is left for the
// concrete manager to fill in.
func (w *World) Config(p *Party) resolution.Config {
	return resolution.Config{
		KeyRing:     p.Ring,
		P2P:         p.Node,
		Wallet:      p.Wallet,
		Prices:      p.Wallet,
		Trades:      p.Trades,
		Persistence: p.Orch,
		DataDir:     p.Dir,
		Validation:  validation.Options{LocalNetwork: true},
		Scheduler:   w.Sched,
		Logger:      w.logger.With("party", p.Name),
	}
}

// Parties returns buyer, seller and agent.
func (w *World) Parties() []*Party {
	return []*Party{w.Buyer, w.Seller, w.Agent}
}

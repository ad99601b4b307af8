// Command disputesim plays one arbitration dispute between a buyer, a seller
// and an arbitrator on an in-memory network, writes every dispute store to
// disk, reads the stores back and prints the outcome as JSON.
//
// Usage:
//
//	go run ./cmd/disputesim                  # buyer wins and publishes
//	go run ./cmd/disputesim -loser-publisher # seller publishes the payout
//	go run ./cmd/disputesim -dir ./simdata   # keep the stores
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/arbitration"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/sim"
)

const ioTimeout = 5 * time.Second

// Outcome is printed at the end of a run.
type Outcome struct {
	Dir            string            `json:"dir"`
	Publisher      string            `json:"publisher"`
	PayoutTxID     string            `json:"payoutTxId"`
	Broadcasts     map[string]int    `json:"broadcasts"`
	States         map[string]string `json:"states"`
	ReloadedStates map[string]string `json:"reloadedStates"`
	Files          []string          `json:"files"`
	Faults         []string          `json:"faults,omitempty"`
	Problems       []string          `json:"problems,omitempty"`
}

func main() {
	dir := flag.String("dir", "", "directory for the dispute stores (default: a new temp dir)")
	loserPublisher := flag.Bool("loser-publisher", false, "let the losing seller publish the payout")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New(*logLevel, "text")

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "disputesim-")
		if err != nil {
			logger.Error("failed to create temp dir", "error", err)
			os.Exit(1)
		}
		*dir = tmp
	}

	out, err := run(*dir, *loserPublisher, logger)
	if err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to print outcome", "error", err)
		os.Exit(1)
	}
	if len(out.Problems) > 0 {
		os.Exit(2)
	}
}

func run(dir string, loserPublisher bool, logger *slog.Logger) (*Outcome, error) {
	w, err := sim.NewWorld(dir, logger)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		Dir:            dir,
		Broadcasts:     make(map[string]int),
		States:         make(map[string]string),
		ReloadedStates: make(map[string]string),
	}

	managers, err := start(w, nil)
	if err != nil {
		return nil, err
	}
	buyer, seller, agent := managers[0], managers[1], managers[2]

	if _, err := buyer.OpenDispute(sim.TradeID, w.Agent.Ring.PubKeyRing(), nil, func(msg string, err error) {
		out.Faults = append(out.Faults, fmt.Sprintf("open: %s: %v", msg, err))
	}); err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}
	w.Sched.Advance(resolution.PeerOpenedDelay)

	buyerCopy := agent.FindDispute(sim.TradeID, w.Buyer.Ring.PubKeyRing().TraderID())
	sellerCopy := agent.FindDispute(sim.TradeID, w.Seller.Ring.PubKeyRing().TraderID())
	if buyerCopy == nil || sellerCopy == nil {
		return nil, fmt.Errorf("arbitrator holds %d of 2 disputes", len(agent.FindDisputes(sim.TradeID)))
	}

	r := dispute.Result{
		Winner:             dispute.WinnerBuyer,
		Reason:             dispute.ReasonSellerNotResponding,
		BuyerPayoutAmount:  1_500_000,
		SellerPayoutAmount: 500_000,
		IsLoserPublisher:   loserPublisher,
	}
	for _, d := range []*dispute.Dispute{buyerCopy, sellerCopy} {
		r := r
		if err := agent.SendDisputeResultMessage(&r, d, "Seller did not respond within the trade period."); err != nil {
			return nil, fmt.Errorf("send result: %w", err)
		}
	}
	w.Sched.Flush()

	for i, p := range w.Parties() {
		out.Broadcasts[p.Name] = len(p.Wallet.Broadcasts())
		if len(p.Wallet.Broadcasts()) > 0 {
			out.Publisher = p.Name
			out.PayoutTxID = p.Wallet.Broadcasts()[0].ID
		}
		for _, d := range managers[i].Disputes() {
			out.States[stateKey(p, d, w)] = d.State.String()
		}
	}

	out.Problems = append(out.Problems, checkOutcome(out, buyer, seller, loserPublisher)...)

	if err := flushAll(w); err != nil {
		return nil, err
	}
	for _, m := range managers {
		m.Shutdown()
	}

	// Fresh orchestrators prove the outcome survives a restart.
	orchs := make([]*persistence.Orchestrator, 0, 3)
	for range w.Parties() {
		orchs = append(orchs, persistence.NewOrchestrator(w.Sched, persistence.NewCorruptedFileCollector(), logger))
	}
	reloaded, err := start(w, orchs)
	if err != nil {
		return nil, err
	}
	for i, p := range w.Parties() {
		for _, d := range reloaded[i].Disputes() {
			out.ReloadedStates[stateKey(p, d, w)] = d.State.String()
		}
		out.Files = append(out.Files, p.Name+"/"+reloaded[i].ListFileName())
		for _, f := range orchs[i].Collector().Files() {
			out.Problems = append(out.Problems, p.Name+": corrupted file "+f)
		}
		reloaded[i].Shutdown()
	}

	out.Problems = append(out.Problems, checkReload(out)...)
	return out, nil
}

// start creates, loads and initializes one arbitration manager per party.
// A nil orchs uses the world's orchestrators.
func start(w *sim.World, orchs []*persistence.Orchestrator) ([]*arbitration.Manager, error) {
	parties := w.Parties()
	managers := make([]*arbitration.Manager, len(parties))
	for i, p := range parties {
		cfg := w.Config(p)
		if orchs != nil {
			cfg.Persistence = orchs[i]
		}
		m, err := arbitration.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("%s manager: %w", p.Name, err)
		}
		managers[i] = m
	}

	loaded := 0
	for _, m := range managers {
		m.ReadPersisted(func() { loaded++ })
	}
	if !w.Sched.Await(func() bool { return loaded == len(managers) }, ioTimeout) {
		return nil, fmt.Errorf("reading dispute stores timed out after %s", ioTimeout)
	}

	for i, m := range managers {
		if orchs != nil {
			orchs[i].OnAllServicesInitialized()
		} else {
			parties[i].Orch.OnAllServicesInitialized()
		}
		m.OnAllServicesInitialized()
	}
	w.Sched.Flush()
	return managers, nil
}

func flushAll(w *sim.World) error {
	flushed := 0
	for _, p := range w.Parties() {
		p.Orch.FlushAllDataToDisk(func() { flushed++ }, true)
	}
	if !w.Sched.Await(func() bool { return flushed == len(w.Parties()) }, ioTimeout) {
		return fmt.Errorf("flushing dispute stores timed out after %s", ioTimeout)
	}
	return nil
}

func stateKey(p *sim.Party, d *dispute.Dispute, w *sim.World) string {
	trader := "buyer"
	if d.TraderID == w.Seller.Ring.PubKeyRing().TraderID() {
		trader = "seller"
	}
	if p == w.Agent {
		return "agent/" + trader
	}
	return p.Name
}

// checkOutcome verifies that exactly the expected trader published and that
// both traders closed their dispute with that payout.
func checkOutcome(out *Outcome, buyer, seller *arbitration.Manager, loserPublisher bool) []string {
	var problems []string

	want := "buyer"
	if loserPublisher {
		want = "seller"
	}
	total := 0
	for _, n := range out.Broadcasts {
		total += n
	}
	if total != 1 {
		problems = append(problems, fmt.Sprintf("%d payout broadcasts, want 1", total))
	}
	if out.Publisher != want {
		problems = append(problems, fmt.Sprintf("payout published by %q, want %q", out.Publisher, want))
	}

	for name, m := range map[string]*arbitration.Manager{"buyer": buyer, "seller": seller} {
		d := m.FindOwnDispute(sim.TradeID)
		switch {
		case d == nil:
			problems = append(problems, name+": no dispute")
		case !d.IsClosed():
			problems = append(problems, name+": dispute not closed")
		case d.DisputePayoutTxID != out.PayoutTxID:
			problems = append(problems, fmt.Sprintf("%s: payout tx %q, want %q", name, d.DisputePayoutTxID, out.PayoutTxID))
		}
	}
	return problems
}

func checkReload(out *Outcome) []string {
	var problems []string
	if len(out.ReloadedStates) != len(out.States) {
		problems = append(problems, fmt.Sprintf("%d disputes after reload, want %d", len(out.ReloadedStates), len(out.States)))
	}
	for k, v := range out.States {
		if out.ReloadedStates[k] != v {
			problems = append(problems, fmt.Sprintf("%s: state %q after reload, want %q", k, out.ReloadedStates[k], v))
		}
	}
	return problems
}

// disputed - dispute, mediation and refund daemon with its operator console
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/arbitration"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/config"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/health"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/mediation"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p/memnet"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/refund"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/resolution"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/server"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	defaultNodeAddress = "localhost:9999"
	flushTimeout       = 10 * time.Second
)

// desk is what the daemon needs from each dispute manager.
type desk interface {
	server.Desk
	ReadPersisted(done func())
	OnAllServicesInitialized()
	HasPendingMessageAtShutdown() bool
	Buffered() int
	Shutdown()
}

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting disputed",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.BaseCurrencyNetwork,
		"data_dir", cfg.DataDir,
		"dispute_agent", cfg.IsDisputeAgent,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint: cfg.OTLPEndpoint,
		Version:  Version,
		Network:  string(cfg.BaseCurrencyNetwork),
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	l := loop.New(logger)
	loopCtx, stopLoop := context.WithCancel(ctx)
	go l.Run(loopCtx)
	defer func() {
		stopLoop()
		<-l.Done()
	}()

	ring, err := loadKeyRing(cfg)
	if err != nil {
		return err
	}
	addr, err := nodeAddress(cfg)
	if err != nil {
		return err
	}
	logger.Info("node identity", "address", addr.String(), "trader_id", ring.PubKeyRing().TraderID())

	// Until a network transport is bound the node only reaches itself.
	node := memnet.New(logger).Join(addr, ring.PubKeyRing(), l)

	w, err := wallet.NewMemory(l, cfg.MinBroadcastPeers)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	w.SetDonationAddresses(cfg.DonationAddress)
	w.SetPeers(cfg.MinBroadcastPeers)
	w.SetDownloadComplete(true)

	collector := persistence.NewCorruptedFileCollector()
	orch := persistence.NewOrchestrator(l, collector, logger)
	hub := realtime.NewHub(logger)
	trades := trade.NewBook()

	base := resolution.Config{
		KeyRing:        ring,
		P2P:            node,
		Wallet:         w,
		Prices:         w,
		Trades:         trades,
		Persistence:    orch,
		DataDir:        filepath.Join(cfg.DataDir, "db"),
		Validation:     validation.Options{LocalNetwork: cfg.IsLocalNetwork()},
		ClearDataAfter: time.Duration(cfg.ClearDataAfterDays) * 24 * time.Hour,
		Events:         hub,
		Scheduler:      l,
		Logger:         logger,
	}
	desks, err := newDesks(base)
	if err != nil {
		return err
	}

	if err := initialize(ctx, l, orch, desks); err != nil {
		return err
	}
	logger.Info("dispute stores loaded", "files", orch.FileNames())

	registry := health.NewRegistry()
	registerChecks(registry, l, collector, desks)

	serverDesks := make([]server.Desk, 0, len(desks))
	for _, d := range desks {
		serverDesks = append(serverDesks, d)
	}
	srv, err := server.New(cfg, l,
		server.WithLogger(logger),
		server.WithDesks(serverDesks...),
		server.WithCorruptedFiles(collector),
		server.WithHealth(registry),
		server.WithHub(hub),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	runErr := srv.Run(ctx)
	shutdown(l, orch, desks, logger)
	return runErr
}

func loadKeyRing(cfg *config.Config) (*keyring.KeyRing, error) {
	if cfg.PrivateKey != "" {
		ring, err := keyring.FromHex(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load key ring: %w", err)
		}
		return ring, nil
	}
	ring, err := keyring.LoadOrCreate(filepath.Join(cfg.DataDir, "keys", "sign.key"))
	if err != nil {
		return nil, fmt.Errorf("load key ring: %w", err)
	}
	return ring, nil
}

func nodeAddress(cfg *config.Config) (p2p.NodeAddress, error) {
	s := cfg.AgentAddress
	if s == "" {
		s = defaultNodeAddress
	}
	addr, err := p2p.ParseNodeAddress(s)
	if err != nil {
		return p2p.NodeAddress{}, fmt.Errorf("node address: %w", err)
	}
	return addr, nil
}

func newDesks(cfg resolution.Config) ([]desk, error) {
	logger := cfg.Logger

	cfg.Logger = logger.With("manager", "mediation")
	med, err := mediation.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mediation manager: %w", err)
	}
	cfg.Logger = logger.With("manager", "refund")
	ref, err := refund.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create refund manager: %w", err)
	}
	cfg.Logger = logger.With("manager", "arbitration")
	arb, err := arbitration.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create arbitration manager: %w", err)
	}
	return []desk{med, ref, arb}, nil
}

// initialize reads every dispute store and then runs the startup pass of
// the orchestrator and the managers on the loop.
func initialize(ctx context.Context, sched loop.Scheduler, orch *persistence.Orchestrator, desks []desk) error {
	done := make(chan struct{})
	sched.Execute(func() {
		remaining := len(desks)
		for _, d := range desks {
			d.ReadPersisted(func() {
				remaining--
				if remaining > 0 {
					return
				}
				orch.OnAllServicesInitialized()
				for _, d := range desks {
					d.OnAllServicesInitialized()
				}
				close(done)
			})
		}
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onLoop runs fn on the loop and waits for it.
func onLoop(ctx context.Context, sched loop.Scheduler, fn func()) bool {
	done := make(chan struct{})
	sched.Execute(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func registerChecks(r *health.Registry, l *loop.Loop, collector *persistence.CorruptedFileCollector, desks []desk) {
	r.Register("loop", func(ctx context.Context) health.Status {
		if !l.Running() {
			return health.Status{Name: "loop", Healthy: false, Detail: "not running"}
		}
		if !onLoop(ctx, l, func() {}) {
			return health.Status{Name: "loop", Healthy: false, Detail: "not responding"}
		}
		return health.Status{Name: "loop", Healthy: true}
	})

	r.Register("support", func(ctx context.Context) health.Status {
		var notReady, buffered int
		ok := onLoop(ctx, l, func() {
			for _, d := range desks {
				if !d.IsReady() {
					notReady++
				}
				buffered += d.Buffered()
			}
		})
		if !ok {
			return health.Status{Name: "support", Healthy: false, Detail: "loop busy"}
		}
		return health.Status{
			Name:    "support",
			Healthy: notReady == 0,
			Detail:  fmt.Sprintf("%d not ready, %d buffered messages", notReady, buffered),
		}
	})

	r.Register("persistence", func(context.Context) health.Status {
		files := collector.Files()
		if len(files) > 0 {
			return health.Status{Name: "persistence", Healthy: false, Detail: fmt.Sprintf("%d corrupted files", len(files))}
		}
		return health.Status{Name: "persistence", Healthy: true}
	})

	r.RegisterInfo("validation", func(context.Context) health.Status {
		n := 0
		for _, d := range desks {
			n += len(d.ValidationExceptions().All())
		}
		return health.Status{Healthy: n == 0, Detail: fmt.Sprintf("%d flagged disputes", n)}
	})
}

// shutdown warns about undelivered messages, writes every store and stops
// the managers.
func shutdown(l *loop.Loop, orch *persistence.Orchestrator, desks []desk, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	onLoop(ctx, l, func() {
		for _, d := range desks {
			if d.HasPendingMessageAtShutdown() {
				logger.Warn("shutting down with undelivered messages", "support_type", d.Spec().SupportType.String())
			}
		}
	})

	flushed := make(chan struct{})
	l.Execute(func() {
		orch.FlushAllDataToDisk(func() { close(flushed) }, true)
	})
	select {
	case <-flushed:
		logger.Info("persisted data flushed")
	case <-ctx.Done():
		logger.Error("flush at shutdown timed out", "timeout", flushTimeout)
	}

	onLoop(ctx, l, func() {
		for _, d := range desks {
			d.Shutdown()
		}
	})
}

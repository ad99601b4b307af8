// Package resolution is the dispute protocol engine shared by mediation,
// refund and arbitration. It stores disputes per support type, mirrors a
// dispute opened by one trader to the other, runs validation on everything
// received from peers and tracks the delivery of what it sends.
//
// An Engine is driven by its support type specific Handler, which decides
// what a received result means for the trade and the dispute. All methods
// must be called on the logical thread of the Scheduler the engine was
// created with.
package resolution

import (
	"errors"
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/realtime"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/support"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/trade"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

const (
	// PeerOpenedDelay lets an OpenNewDispute of the other trader, sent at
	// about the same time, be stored before the mirror is built.
	PeerOpenedDelay = 100 * time.Millisecond

	// ResultRetryDelay is the wait before a result for an unknown dispute
	// is applied a second time.
	ResultRetryDelay = 2 * time.Second

	// PayoutTxRetryDelay is the same for a payout tx published by the peer.
	PayoutTxRetryDelay = 3 * time.Second

	// BroadcastTimeout bounds the broadcast of a disputed payout.
	BroadcastTimeout = 15 * time.Second

	// DefaultClearDataAfter is the retention of sensitive data of closed
	// disputes.
	DefaultClearDataAfter = 20 * 24 * time.Hour

	clearDataInterval = 24 * time.Hour
)

var (
	// ErrDisputeAlreadyOpen is passed to the fault handler when the local
	// trader already has a dispute for the trade.
	ErrDisputeAlreadyOpen = errors.New("dispute already open for that trade and trading peer")
	// ErrDeliveryFailed is passed to the fault handler when the dispute did
	// not reach the agent.
	ErrDeliveryFailed = errors.New("dispute message delivery failed")
	// ErrNoAgent is returned when the contract names no agent for the
	// support type.
	ErrNoAgent = errors.New("no agent address for dispute")
)

// Spec carries what differs between support types beyond message handling.
type Spec struct {
	SupportType dispute.SupportType
	// FileName is the persisted dispute list, e.g. MediationDisputeList.
	FileName string
	// Role names the agent in system messages, Ticket the procedure.
	Role   string
	Ticket string
	// ResultState is the state of the agent's copy once a result was sent.
	ResultState dispute.State
}

// Handler is implemented by the support type specific managers.
type Handler interface {
	OnDisputeResult(msg *protocol.DisputeResult)
	OnPeerPublishedPayout(msg *protocol.PeerPublishedPayoutTx)
	// SignResult fills the agent signature of a result about to be sent.
	SignResult(r *dispute.Result) error
	// CleanupDisputes runs once at startup over the stored disputes.
	CleanupDisputes()
}

// EventSink receives dispute events for the operator feed.
type EventSink interface {
	PublishDispute(t realtime.EventType, data realtime.DisputeEvent)
}

// Config wires an Engine to its collaborators.
type Config struct {
	Spec        Spec
	KeyRing     *keyring.KeyRing
	P2P         p2p.Service
	Wallet      wallet.Service
	Prices      wallet.PriceFeed
	Trades      *trade.Book
	Persistence *persistence.Orchestrator
	DataDir     string
	Validation  validation.Options
	// ClearDataAfter defaults to DefaultClearDataAfter.
	ClearDataAfter time.Duration
	Events         EventSink
	Scheduler      loop.Scheduler
	Logger         *slog.Logger
}

// Engine is the dispute manager of one support type.
type Engine struct {
	*support.Manager

	spec           Spec
	keyRing        *keyring.KeyRing
	wallet         wallet.Service
	prices         wallet.PriceFeed
	trades         *trade.Book
	lists          *ListService
	handler        Handler
	events         EventSink
	opts           validation.Options
	clearDataAfter time.Duration
	validations    *validation.Collection
	logger         *slog.Logger

	// pendingOutgoing maps the uid of a sent protocol message to its kind
	// until the transport reported on it.
	pendingOutgoing map[string]protocol.Kind
	clearTask       loop.Task
}

// NewEngine creates the engine and registers its dispute list with the
// persistence orchestrator. The list is empty until ReadPersisted completes.
func NewEngine(cfg Config, handler Handler) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clearAfter := cfg.ClearDataAfter
	if clearAfter <= 0 {
		clearAfter = DefaultClearDataAfter
	}
	e := &Engine{
		spec:            cfg.Spec,
		keyRing:         cfg.KeyRing,
		wallet:          cfg.Wallet,
		prices:          cfg.Prices,
		trades:          cfg.Trades,
		handler:         handler,
		events:          cfg.Events,
		opts:            cfg.Validation,
		clearDataAfter:  clearAfter,
		validations:     &validation.Collection{},
		logger:          logger.With("component", "resolution", "support_type", cfg.Spec.SupportType.String()),
		pendingOutgoing: make(map[string]protocol.Kind),
	}
	lists, err := NewListService(cfg.Persistence, cfg.DataDir, cfg.Spec.FileName, cfg.Spec.SupportType, e.refreshAlert, e.logger)
	if err != nil {
		return nil, err
	}
	e.lists = lists
	if e.trades == nil {
		e.trades = trade.NewBook()
	}

	var setup wallet.Setup
	if cfg.Wallet != nil {
		setup = cfg.Wallet
	}
	e.Manager = support.New(support.Config{
		SupportType: cfg.Spec.SupportType,
		P2P:         cfg.P2P,
		Wallet:      setup,
		Scheduler:   cfg.Scheduler,
		Logger:      logger,
	}, e)
	return e, nil
}

// Spec returns the support type description.
func (e *Engine) Spec() Spec { return e.spec }

// KeyRing returns the local key ring.
func (e *Engine) KeyRing() *keyring.KeyRing { return e.keyRing }

// Wallet returns the wallet collaborator.
func (e *Engine) Wallet() wallet.Service { return e.wallet }

// Trades returns the trade book.
func (e *Engine) Trades() *trade.Book { return e.trades }

// Disputes returns the stored disputes. The slice must not be modified.
func (e *Engine) Disputes() []*dispute.Dispute { return e.lists.List().All() }

// ListFileName is the name of the persisted dispute list.
func (e *Engine) ListFileName() string { return e.lists.FileName() }

// ValidationExceptions returns the validation failures collected so far.
func (e *Engine) ValidationExceptions() *validation.Collection { return e.validations }

// ReadPersisted loads the stored disputes and calls done on the logical
// thread.
func (e *Engine) ReadPersisted(done func()) { e.lists.ReadPersisted(done) }

// IsAgent reports whether the local node is the agent of d.
func (e *Engine) IsAgent(d *dispute.Dispute) bool {
	return e.keyRing.PubKeyRing().Equal(d.AgentPubKeyRing)
}

// IsTrader reports whether d is the local trader's own dispute.
func (e *Engine) IsTrader(d *dispute.Dispute) bool {
	return e.keyRing.PubKeyRing().Equal(d.TraderPubKeyRing)
}

// FindDispute returns the dispute of a trade and trader, or nil.
func (e *Engine) FindDispute(tradeID string, traderID int) *dispute.Dispute {
	return e.lists.List().Find(tradeID, traderID)
}

// FindDisputes returns every stored dispute of a trade.
func (e *Engine) FindDisputes(tradeID string) []*dispute.Dispute {
	return e.lists.List().FindByTradeID(tradeID)
}

// FindOwnDispute returns the local trader's dispute of a trade, or nil.
func (e *Engine) FindOwnDispute(tradeID string) *dispute.Dispute {
	for _, d := range e.lists.List().FindByTradeID(tradeID) {
		if e.IsTrader(d) {
			return d
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// support.Delegate
// ---------------------------------------------------------------------------

// OnSupportMessage dispatches a decoded message of this support type.
func (e *Engine) OnSupportMessage(msg protocol.SupportMessage) {
	switch m := msg.(type) {
	case *protocol.OpenNewDispute:
		e.onOpenNewDispute(m)
	case *protocol.PeerOpenedDispute:
		e.onPeerOpenedDispute(m)
	case *protocol.DisputeResult:
		e.handler.OnDisputeResult(m)
	case *protocol.PeerPublishedPayoutTx:
		e.handler.OnPeerPublishedPayout(m)
	default:
		e.logger.Warn("unsupported support message", "kind", string(msg.Kind()), "uid", msg.UID())
	}
}

// ChannelOpen reports whether the dispute a chat line belongs to is stored.
func (e *Engine) ChannelOpen(msg *dispute.ChatMessage) bool {
	return e.FindDispute(msg.TradeID, msg.TraderID) != nil
}

// AddAndPersistChatMessage stores a received chat line in its dispute.
func (e *Engine) AddAndPersistChatMessage(msg *dispute.ChatMessage) {
	d := e.FindDispute(msg.TradeID, msg.TraderID)
	if d == nil {
		e.logger.Warn("chat message for unknown dispute", "trade_id", msg.TradeID, "uid", msg.UID)
		return
	}
	if !d.AddChatMessage(msg) {
		e.logger.Warn("chat message already stored", "trade_id", msg.TradeID, "uid", msg.UID)
		return
	}
	e.Publish(realtime.EventChatMessage, d, "")
	e.RequestPersistence()
}

// AllChatMessages returns the chat lines of every dispute of a trade.
func (e *Engine) AllChatMessages(tradeID string) []*dispute.ChatMessage {
	var out []*dispute.ChatMessage
	for _, d := range e.FindDisputes(tradeID) {
		out = append(out, d.ChatMessages...)
	}
	return out
}

// PeerOf returns where a chat line of a dispute is sent: the agent for a
// trader, the dispute's trader for the agent.
func (e *Engine) PeerOf(msg *dispute.ChatMessage) (p2p.NodeAddress, keyring.PubKeyRing, bool) {
	d := e.FindDispute(msg.TradeID, msg.TraderID)
	if d == nil {
		return p2p.NodeAddress{}, keyring.PubKeyRing{}, false
	}
	return e.counterparty(d)
}

func (e *Engine) counterparty(d *dispute.Dispute) (p2p.NodeAddress, keyring.PubKeyRing, bool) {
	switch {
	case e.IsTrader(d):
		addr := d.Contract.AgentNodeAddress(e.spec.SupportType)
		return addr, d.AgentPubKeyRing, !addr.IsZero()
	case e.IsAgent(d):
		addr, ok := traderAddress(d)
		if !ok {
			e.logger.Error("trader of dispute not found in contract", "trade_id", d.TradeID, "trader_id", d.TraderID)
		}
		return addr, d.TraderPubKeyRing, ok
	default:
		e.logger.Error("neither trader nor agent of dispute", "trade_id", d.TradeID, "trader_id", d.TraderID)
		return p2p.NodeAddress{}, keyring.PubKeyRing{}, false
	}
}

// traderAddress looks up the node address of the dispute's trader.
func traderAddress(d *dispute.Dispute) (p2p.NodeAddress, bool) {
	c := d.Contract
	if c == nil {
		return p2p.NodeAddress{}, false
	}
	switch {
	case c.BuyerPubKeyRing().Equal(d.TraderPubKeyRing):
		return c.BuyerNodeAddress, true
	case c.SellerPubKeyRing().Equal(d.TraderPubKeyRing):
		return c.SellerNodeAddress, true
	}
	return p2p.NodeAddress{}, false
}

// RequestPersistence schedules a write of the dispute list.
func (e *Engine) RequestPersistence() { e.lists.RequestPersistence() }

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendTextMessage appends a chat line written by the local user to d and
// sends it to the counterparty.
func (e *Engine) SendTextMessage(d *dispute.Dispute, text string) *dispute.ChatMessage {
	msg := dispute.NewChatMessage(e.spec.SupportType, d.TradeID, d.TraderID, e.IsTrader(d), text, e.MyAddress(), e.Scheduler().Now())
	d.AddChatMessage(msg)
	e.RequestPersistence()
	return e.SendChatMessage(msg)
}

// sendTracked sends msg by mailbox and records it as pending until the
// transport reports on it. onResult may be nil.
func (e *Engine) sendTracked(to p2p.NodeAddress, ring keyring.PubKeyRing, msg protocol.SupportMessage, tracked *dispute.ChatMessage, onResult func(p2p.SendResult)) error {
	uid := msg.UID()
	e.pendingOutgoing[uid] = msg.Kind()
	err := e.SendMailbox(to, ring, msg, tracked, func(res p2p.SendResult) {
		delete(e.pendingOutgoing, uid)
		if onResult != nil {
			onResult(res)
		}
	})
	if err != nil {
		delete(e.pendingOutgoing, uid)
	}
	return err
}

// HasPendingMessageAtShutdown reports whether a protocol message or a chat
// line we sent is still waiting for its delivery state.
func (e *Engine) HasPendingMessageAtShutdown() bool {
	for uid, kind := range e.pendingOutgoing {
		e.logger.Info("outgoing message pending at shutdown", "kind", string(kind), "uid", uid)
		return true
	}
	for _, d := range e.Disputes() {
		for _, m := range d.PendingChatMessages() {
			if m.SenderNodeAddress == e.MyAddress() {
				e.logger.Info("chat message pending at shutdown", "trade_id", m.TradeID, "uid", m.UID)
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// refreshAlert is installed on every stored dispute.
func (e *Engine) refreshAlert(d *dispute.Dispute) {
	// The agent counts unread lines of the trader, the trader those of the agent.
	d.RefreshAlertLevel(e.IsAgent(d))
}

// Publish sends a dispute event to the operator feed.
func (e *Engine) Publish(t realtime.EventType, d *dispute.Dispute, detail string) {
	if e.events == nil {
		return
	}
	e.events.PublishDispute(t, realtime.DisputeEvent{
		SupportType: e.spec.SupportType.String(),
		TradeID:     d.TradeID,
		TraderID:    d.TraderID,
		State:       d.State.String(),
		Detail:      detail,
	})
}

func (e *Engine) addValidationError(err error, d *dispute.Dispute) {
	verr := validation.AsError(err, d)
	logging.ForDispute(e.logger, d.TradeID, d.TraderID).Error("dispute validation failed",
		"kind", verr.Kind.String(), "error", verr.Error())
	e.validations.Add(verr)
	metrics.SupportValidationFailuresTotal.WithLabelValues(verr.Kind.String()).Inc()
	e.Publish(realtime.EventValidationFailed, d, verr.Error())
}

// Shutdown stops the periodic data clearing, pending retries and the list's
// persistence manager.
func (e *Engine) Shutdown() {
	if e.clearTask != nil {
		e.clearTask.Stop()
		e.clearTask = nil
	}
	e.Manager.Shutdown()
	e.lists.Shutdown()
}

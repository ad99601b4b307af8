// Package support is the transport facing base of the dispute managers. It
// buffers decrypted messages until the node is ready, dispatches the ones of
// its support type to the owning engine, correlates acks with chat messages
// and wraps mailbox sends with delivery state tracking.
package support

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/wallet"
)

// ChatRetryDelay is how long a chat message for an unknown dispute waits
// before it is applied a second time.
const ChatRetryDelay = time.Second

// Delegate is implemented by the engine that owns a Manager.
type Delegate interface {
	// OnSupportMessage handles every support message except chat lines.
	OnSupportMessage(msg protocol.SupportMessage)
	// ChannelOpen reports whether a dispute exists for the chat message.
	ChannelOpen(msg *dispute.ChatMessage) bool
	// AddAndPersistChatMessage stores a received chat message.
	AddAndPersistChatMessage(msg *dispute.ChatMessage)
	AllChatMessages(tradeID string) []*dispute.ChatMessage
	// PeerOf returns the address and key ring a chat message is sent to.
	PeerOf(msg *dispute.ChatMessage) (p2p.NodeAddress, keyring.PubKeyRing, bool)
	RequestPersistence()
}

// Config wires a Manager to its collaborators.
type Config struct {
	SupportType dispute.SupportType
	P2P         p2p.Service
	Wallet      wallet.Setup
	Scheduler   loop.Scheduler
	Logger      *slog.Logger
}

// Manager is embedded by the dispute engine.
type Manager struct {
	supportType dispute.SupportType
	p2p         p2p.Service
	wallet      wallet.Setup
	sched       loop.Scheduler
	logger      *slog.Logger
	delegate    Delegate
	retries     *Retries

	direct                 []p2p.DecryptedMessage
	mailbox                []p2p.DecryptedMessage
	allServicesInitialized bool
}

// New creates a Manager and registers its transport listeners. Messages are
// only buffered until OnAllServicesInitialized is called.
func New(cfg Config, delegate Delegate) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		supportType: cfg.SupportType,
		p2p:         cfg.P2P,
		wallet:      cfg.Wallet,
		sched:       cfg.Scheduler,
		logger:      logger.With("component", "support", "support_type", cfg.SupportType.String()),
		delegate:    delegate,
		retries:     NewRetries(cfg.Scheduler),
	}
	m.p2p.AddDirectListener(func(msg p2p.DecryptedMessage) {
		m.direct = append(m.direct, msg)
		m.TryApplyMessages()
	})
	m.p2p.AddMailboxListener(func(msg p2p.DecryptedMessage) {
		m.mailbox = append(m.mailbox, msg)
		m.TryApplyMessages()
	})
	return m
}

// SupportType returns the support type this manager serves.
func (m *Manager) SupportType() dispute.SupportType { return m.supportType }

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// Scheduler returns the logical thread scheduler.
func (m *Manager) Scheduler() loop.Scheduler { return m.sched }

// P2P returns the transport.
func (m *Manager) P2P() p2p.Service { return m.p2p }

// Retries returns the uid keyed retry registry.
func (m *Manager) Retries() *Retries { return m.retries }

// MyAddress is the local node address.
func (m *Manager) MyAddress() p2p.NodeAddress { return m.p2p.Address() }

// OnAllServicesInitialized opens the readiness gate and subscribes to the
// events that may complete it.
func (m *Manager) OnAllServicesInitialized() {
	m.allServicesInitialized = true
	m.p2p.AddBootstrapListener(m.TryApplyMessages)
	if m.wallet != nil {
		m.wallet.AddReadyListener(m.TryApplyMessages)
	}
	m.TryApplyMessages()
}

// IsReady reports whether buffered messages may be applied.
func (m *Manager) IsReady() bool {
	if !m.allServicesInitialized || !m.p2p.IsBootstrapped() {
		return false
	}
	if m.wallet == nil {
		return true
	}
	return m.wallet.IsDownloadComplete() && m.wallet.HasSufficientPeersForBroadcast()
}

// Buffered returns the number of messages waiting for readiness.
func (m *Manager) Buffered() int { return len(m.direct) + len(m.mailbox) }

// TryApplyMessages drains the buffers if the node is ready.
func (m *Manager) TryApplyMessages() {
	if m.IsReady() {
		m.applyMessages()
	}
}

func (m *Manager) applyMessages() {
	direct := m.direct
	m.direct = nil
	for _, env := range direct {
		m.apply(env)
	}
	mailbox := m.mailbox
	m.mailbox = nil
	for _, env := range mailbox {
		m.apply(env)
	}
}

func (m *Manager) apply(env p2p.DecryptedMessage) {
	msg, err := protocol.Decode(env.Payload)
	if err != nil {
		m.logger.Debug("ignoring undecodable message", "sender", env.Sender.String(), "error", err)
		return
	}
	switch v := msg.(type) {
	case *protocol.Ack:
		if v.SourceType != protocol.AckSourceType(m.supportType) {
			return
		}
		m.onAckMessage(v)
	case protocol.SupportMessage:
		if v.SupportType() != m.supportType {
			return
		}
		m.dispatch(v)
	default:
		return
	}
	if env.FromMailbox() {
		m.p2p.RemoveMailboxMessage(env.MailboxUID)
	}
}

func (m *Manager) dispatch(msg protocol.SupportMessage) {
	metrics.SupportMessagesTotal.WithLabelValues(m.supportType.String(), string(msg.Kind())).Inc()
	_, span := traces.StartSpan(context.Background(), "support.dispatch",
		traces.SupportType(m.supportType.String()),
		traces.MessageKind(string(msg.Kind())),
		traces.MessageUID(msg.UID()),
		traces.TradeID(msg.TradeID()))
	defer span.End()

	m.logger.Info("received support message",
		"kind", string(msg.Kind()), "trade_id", msg.TradeID(), "uid", msg.UID())
	if chat, ok := msg.(*protocol.Chat); ok {
		m.OnChatMessage(chat.Message)
		return
	}
	m.delegate.OnSupportMessage(msg)
}

func (m *Manager) onAckMessage(ack *protocol.Ack) {
	if ack.Success {
		m.logger.Info("received ack", "trade_id", ack.SourceID, "source_uid", ack.SourceUID)
	} else {
		m.logger.Warn("received ack with error", "trade_id", ack.SourceID, "source_uid", ack.SourceUID, "error", ack.ErrorMessage)
	}
	for _, msg := range m.delegate.AllChatMessages(ack.SourceID) {
		if msg.UID != ack.SourceUID {
			continue
		}
		if ack.Success {
			msg.SetAcknowledged(true)
		} else {
			msg.SetAckError(ack.ErrorMessage)
		}
	}
	m.delegate.RequestPersistence()
}

// OnChatMessage applies a received chat line. If its dispute is not known
// yet it is retried once after ChatRetryDelay.
func (m *Manager) OnChatMessage(msg *dispute.ChatMessage) {
	if !m.delegate.ChannelOpen(msg) {
		m.logger.Debug("chat message without matching dispute", "trade_id", msg.TradeID, "uid", msg.UID)
		if !m.retries.Schedule(string(protocol.KindChat), msg.UID, ChatRetryDelay, func() { m.OnChatMessage(msg) }) {
			m.logger.Warn("chat message still without dispute after delayed retry, should never happen",
				"trade_id", msg.TradeID, "uid", msg.UID)
		}
		return
	}
	m.retries.Done(msg.UID)

	addr, ring, ok := m.delegate.PeerOf(msg)
	m.delegate.AddAndPersistChatMessage(msg)
	if ok {
		m.SendAck(msg.SenderNodeAddress, ring, msg.UID, msg.TradeID, true, "")
	} else {
		m.logger.Warn("cannot ack chat message, peer unknown", "trade_id", msg.TradeID, "peer", addr.String())
	}
}

// SendChatMessage sends msg to the counterparty and tracks its delivery
// state. The caller has already stored msg in its dispute.
func (m *Manager) SendChatMessage(msg *dispute.ChatMessage) *dispute.ChatMessage {
	addr, ring, ok := m.delegate.PeerOf(msg)
	if !ok {
		m.sched.After(time.Second, func() {
			msg.SetSendMessageError("receiver not known")
			m.delegate.RequestPersistence()
		})
		return msg
	}
	payload, err := protocol.Encode(&protocol.Chat{Message: msg})
	if err != nil {
		m.logger.Error("encode chat message", "uid", msg.UID, "error", err)
		msg.SetSendMessageError(err.Error())
		return msg
	}
	m.logger.Info("send chat message", "trade_id", msg.TradeID, "uid", msg.UID, "peer", addr.String())
	m.p2p.SendMailbox(addr, ring, payload, func(res p2p.SendResult) {
		m.applySendResult(msg, res)
		m.delegate.RequestPersistence()
	})
	return msg
}

// SendMailbox encodes msg and sends it by mailbox. The chat message that
// announces it, if any, receives the delivery state.
func (m *Manager) SendMailbox(to p2p.NodeAddress, ring keyring.PubKeyRing, msg protocol.Message, tracked *dispute.ChatMessage, onResult func(p2p.SendResult)) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	m.logger.Info("send message",
		"kind", string(msg.Kind()), "trade_id", msg.TradeID(), "uid", msg.UID(), "peer", to.String())
	m.p2p.SendMailbox(to, ring, payload, func(res p2p.SendResult) {
		if tracked != nil {
			m.applySendResult(tracked, res)
		}
		m.delegate.RequestPersistence()
		if onResult != nil {
			onResult(res)
		}
	})
	return nil
}

func (m *Manager) applySendResult(msg *dispute.ChatMessage, res p2p.SendResult) {
	switch {
	case res.Err != nil:
		m.logger.Warn("send failed", "trade_id", msg.TradeID, "uid", msg.UID, "error", res.Err)
		msg.SetSendMessageError(res.Err.Error())
	case res.Arrived:
		msg.SetArrived(true)
	case res.StoredInMailbox:
		msg.SetStoredInMailbox(true)
	}
}

// SendAck acknowledges the message identified by sourceUID. Support
// messages are acked through the chat message they carry, so that the
// sender can correlate the ack with a persisted line.
func (m *Manager) SendAck(to p2p.NodeAddress, ring keyring.PubKeyRing, sourceUID, tradeID string, success bool, errMsg string) {
	ack := &protocol.Ack{
		Sender:       m.MyAddress(),
		MsgUID:       idgen.New(),
		SourceType:   protocol.AckSourceType(m.supportType),
		SourceUID:    sourceUID,
		SourceID:     tradeID,
		Success:      success,
		ErrorMessage: errMsg,
	}
	payload, err := protocol.Encode(ack)
	if err != nil {
		m.logger.Error("encode ack", "uid", sourceUID, "error", err)
		return
	}
	m.logger.Info("send ack", "trade_id", tradeID, "source_uid", sourceUID, "success", success, "peer", to.String())
	m.p2p.SendMailbox(to, ring, payload, func(res p2p.SendResult) {
		if res.Err != nil {
			m.logger.Error("ack not delivered", "trade_id", tradeID, "source_uid", sourceUID, "error", res.Err)
		}
	})
}

// Shutdown cancels pending retries.
func (m *Manager) Shutdown() {
	m.retries.StopAll()
}

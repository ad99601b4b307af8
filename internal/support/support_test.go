package support

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p/memnet"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/protocol"
)

// fakeDelegate records what the manager hands it.
type fakeDelegate struct {
	open      bool
	supported []protocol.SupportMessage
	chats     []*dispute.ChatMessage
	known     []*dispute.ChatMessage
	peerAddr  p2p.NodeAddress
	peerRing  keyring.PubKeyRing
	noPeer    bool
	persisted int
}

func (f *fakeDelegate) OnSupportMessage(msg protocol.SupportMessage) {
	f.supported = append(f.supported, msg)
}

func (f *fakeDelegate) ChannelOpen(*dispute.ChatMessage) bool { return f.open }

func (f *fakeDelegate) AddAndPersistChatMessage(msg *dispute.ChatMessage) {
	f.chats = append(f.chats, msg)
	f.persisted++
}

func (f *fakeDelegate) AllChatMessages(tradeID string) []*dispute.ChatMessage {
	var out []*dispute.ChatMessage
	for _, m := range f.known {
		if m.TradeID == tradeID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeDelegate) PeerOf(*dispute.ChatMessage) (p2p.NodeAddress, keyring.PubKeyRing, bool) {
	return f.peerAddr, f.peerRing, !f.noPeer
}

func (f *fakeDelegate) RequestPersistence() { f.persisted++ }

// fakeWallet is a controllable wallet.Setup.
type fakeWallet struct {
	synced    bool
	peers     bool
	listeners []func()
}

func (w *fakeWallet) IsDownloadComplete() bool             { return w.synced }
func (w *fakeWallet) HasSufficientPeersForBroadcast() bool { return w.peers }
func (w *fakeWallet) AddReadyListener(fn func())           { w.listeners = append(w.listeners, fn) }

func (w *fakeWallet) setReady() {
	w.synced, w.peers = true, true
	for _, fn := range w.listeners {
		fn()
	}
}

type harness struct {
	sched    *loop.Manual
	net      *memnet.Network
	local    *memnet.Node
	remote   *memnet.Node
	wallet   *fakeWallet
	delegate *fakeDelegate
	manager  *Manager
}

func addr(name string) p2p.NodeAddress {
	return p2p.NodeAddress{HostName: name, Port: 9999}
}

func newHarness(t *testing.T, supportType dispute.SupportType) *harness {
	t.Helper()
	sched := loop.NewManual(time.Unix(1_700_000_000, 0))
	net := memnet.New(logging.Discard())
	local := net.Join(addr("local"), keyring.PubKeyRing{}, sched)
	remote := net.Join(addr("remote"), keyring.PubKeyRing{}, sched)
	w := &fakeWallet{}
	d := &fakeDelegate{open: true, peerAddr: remote.Address()}
	m := New(Config{
		SupportType: supportType,
		P2P:         local,
		Wallet:      w,
		Scheduler:   sched,
		Logger:      logging.Discard(),
	}, d)
	return &harness{sched: sched, net: net, local: local, remote: remote, wallet: w, delegate: d, manager: m}
}

func (h *harness) ready() {
	h.manager.OnAllServicesInitialized()
	h.wallet.setReady()
	h.sched.Flush()
}

func (h *harness) sendFromRemote(t *testing.T, msg protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	h.remote.SendMailbox(h.local.Address(), keyring.PubKeyRing{}, payload, nil)
	h.sched.Flush()
}

func resultMessage(supportType dispute.SupportType) *protocol.DisputeResult {
	return &protocol.DisputeResult{
		Header: protocol.Header{Sender: addr("remote"), MsgUID: idgen.New(), Support: supportType},
		Result: &dispute.Result{
			TradeID:     "T1",
			ChatMessage: dispute.NewChatMessage(supportType, "T1", 1, false, "closed", addr("remote"), time.Unix(0, 0)),
		},
	}
}

func ackFor(supportType dispute.SupportType, msg *dispute.ChatMessage, success bool, errMsg string) *protocol.Ack {
	return &protocol.Ack{
		Sender:       addr("remote"),
		MsgUID:       idgen.New(),
		SourceType:   protocol.AckSourceType(supportType),
		SourceUID:    msg.UID,
		SourceID:     msg.TradeID,
		Success:      success,
		ErrorMessage: errMsg,
	}
}

func TestManager_BuffersUntilReady(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)

	h.sendFromRemote(t, resultMessage(dispute.SupportMediation))
	if len(h.delegate.supported) != 0 {
		t.Fatal("message dispatched before services were initialized")
	}
	if h.manager.Buffered() != 1 {
		t.Fatalf("expected 1 buffered message, got %d", h.manager.Buffered())
	}

	h.manager.OnAllServicesInitialized()
	h.sched.Flush()
	if len(h.delegate.supported) != 0 {
		t.Fatal("message dispatched before the wallet was ready")
	}

	h.local.SetBootstrapped(false)
	h.wallet.setReady()
	h.sched.Flush()
	if len(h.delegate.supported) != 0 {
		t.Fatal("message dispatched before bootstrap")
	}

	h.local.SetBootstrapped(true)
	h.sched.Flush()
	if len(h.delegate.supported) != 1 {
		t.Fatalf("expected dispatch once ready, got %d", len(h.delegate.supported))
	}
	if h.manager.Buffered() != 0 {
		t.Fatal("buffer not drained")
	}
}

func TestManager_FiltersBySupportType(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()

	h.sendFromRemote(t, resultMessage(dispute.SupportRefund))
	h.sendFromRemote(t, resultMessage(dispute.SupportMediation))

	if len(h.delegate.supported) != 1 || h.delegate.supported[0].SupportType() != dispute.SupportMediation {
		t.Fatalf("unexpected dispatch %v", h.delegate.supported)
	}
}

func TestManager_CountsDispatchedMessages(t *testing.T) {
	h := newHarness(t, dispute.SupportArbitration)
	h.ready()
	counter := metrics.SupportMessagesTotal.WithLabelValues("ARBITRATION", string(protocol.KindDisputeResult))
	before := testutil.ToFloat64(counter)

	h.sendFromRemote(t, resultMessage(dispute.SupportArbitration))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", got)
	}
}

func TestManager_RemovesMailboxMessageAfterDispatch(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()
	h.local.SetOnline(false)

	h.sendFromRemote(t, resultMessage(dispute.SupportMediation))
	if h.net.MailboxSize(h.local.Address()) != 1 {
		t.Fatal("message should be stored while offline")
	}

	h.local.SetOnline(true)
	h.sched.Flush()
	if len(h.delegate.supported) != 1 {
		t.Fatalf("expected mailbox message dispatched, got %d", len(h.delegate.supported))
	}
	if h.net.MailboxSize(h.local.Address()) != 0 {
		t.Fatal("mailbox message not removed after dispatch")
	}
}

func TestManager_AckCorrelation(t *testing.T) {
	h := newHarness(t, dispute.SupportRefund)
	h.ready()

	ok := dispute.NewChatMessage(dispute.SupportRefund, "T1", 1, true, "hi", addr("local"), h.sched.Now())
	failed := dispute.NewChatMessage(dispute.SupportRefund, "T1", 1, true, "again", addr("local"), h.sched.Now())
	other := dispute.NewChatMessage(dispute.SupportRefund, "T2", 1, true, "x", addr("local"), h.sched.Now())
	h.delegate.known = []*dispute.ChatMessage{ok, failed, other}

	h.sendFromRemote(t, ackFor(dispute.SupportRefund, ok, true, ""))
	h.sendFromRemote(t, ackFor(dispute.SupportRefund, failed, false, "rejected"))
	// Acks of another support type are ignored.
	h.sendFromRemote(t, ackFor(dispute.SupportMediation, other, true, ""))

	if !ok.Acknowledged || ok.AckError != "" {
		t.Fatal("successful ack not applied")
	}
	if failed.Acknowledged || failed.AckError != "rejected" {
		t.Fatalf("error ack not applied: %+v", failed)
	}
	if other.Acknowledged {
		t.Fatal("foreign ack applied")
	}
}

func TestManager_ChatMessageAppliedAndAcked(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()

	var acks []*protocol.Ack
	h.remote.AddDirectListener(func(msg p2p.DecryptedMessage) {
		if m, err := protocol.Decode(msg.Payload); err == nil {
			if a, ok := m.(*protocol.Ack); ok {
				acks = append(acks, a)
			}
		}
	})

	chat := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, true, "hello", addr("remote"), h.sched.Now())
	h.sendFromRemote(t, &protocol.Chat{Message: chat})
	h.sched.Flush()

	if len(h.delegate.chats) != 1 || h.delegate.chats[0].UID != chat.UID {
		t.Fatalf("chat not stored: %v", h.delegate.chats)
	}
	if len(acks) != 1 || acks[0].SourceUID != chat.UID || !acks[0].Success {
		t.Fatalf("expected one success ack, got %v", acks)
	}
}

func TestManager_ChatRetriedOnceWhenChannelClosed(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()
	h.delegate.open = false

	chat := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, true, "early", addr("remote"), h.sched.Now())
	h.sendFromRemote(t, &protocol.Chat{Message: chat})
	if h.sched.PendingTimers() != 1 {
		t.Fatalf("expected one retry timer, got %d", h.sched.PendingTimers())
	}

	h.sched.Advance(ChatRetryDelay)
	if h.sched.PendingTimers() != 0 {
		t.Fatal("retry rescheduled itself")
	}
	if len(h.delegate.chats) != 0 {
		t.Fatal("chat stored without dispute")
	}
	if !h.manager.Retries().Has(chat.UID) {
		t.Fatal("spent retry should stay recorded")
	}
}

func TestManager_ChatRetrySucceeds(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()
	h.delegate.open = false

	chat := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, true, "early", addr("remote"), h.sched.Now())
	h.sendFromRemote(t, &protocol.Chat{Message: chat})

	h.delegate.open = true
	h.sched.Advance(ChatRetryDelay)
	if len(h.delegate.chats) != 1 {
		t.Fatal("chat not stored after retry")
	}
	if h.manager.Retries().Has(chat.UID) {
		t.Fatal("retry entry kept after success")
	}
}

func TestManager_SendChatMessageDeliveryState(t *testing.T) {
	h := newHarness(t, dispute.SupportMediation)
	h.ready()

	online := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, false, "to online", addr("local"), h.sched.Now())
	h.manager.SendChatMessage(online)
	h.sched.Flush()
	if !online.Arrived {
		t.Fatal("expected arrived")
	}

	h.remote.SetOnline(false)
	offline := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, false, "to offline", addr("local"), h.sched.Now())
	h.manager.SendChatMessage(offline)
	h.sched.Flush()
	if !offline.StoredInMailbox || offline.Arrived {
		t.Fatalf("expected stored in mailbox, got %+v", offline)
	}

	h.delegate.noPeer = true
	unknown := dispute.NewChatMessage(dispute.SupportMediation, "T1", 1, false, "to nobody", addr("local"), h.sched.Now())
	h.manager.SendChatMessage(unknown)
	h.sched.Flush()
	if unknown.SendMessageError != "" {
		t.Fatal("error set before the delay")
	}
	h.sched.Advance(time.Second)
	if !strings.Contains(unknown.SendMessageError, "not known") {
		t.Fatalf("unexpected error %q", unknown.SendMessageError)
	}
}

func TestRetries(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	r := NewRetries(sched)
	runs := 0

	if !r.Schedule("k", "u1", time.Second, func() { runs++ }) {
		t.Fatal("first schedule refused")
	}
	if r.Schedule("k", "u1", time.Second, func() { runs++ }) {
		t.Fatal("second schedule for the same uid accepted")
	}
	if r.Pending() != 1 {
		t.Fatalf("pending %d", r.Pending())
	}
	sched.Advance(time.Second)
	if runs != 1 || r.Pending() != 0 || !r.Has("u1") {
		t.Fatalf("runs %d pending %d", runs, r.Pending())
	}

	r.Schedule("k", "u2", time.Second, func() { runs++ })
	r.Done("u2")
	sched.Advance(time.Second)
	if runs != 1 || r.Has("u2") {
		t.Fatal("Done did not cancel the retry")
	}

	r.Schedule("k", "u3", time.Second, func() { runs++ })
	r.StopAll()
	sched.Advance(time.Second)
	if runs != 1 || r.Has("u1") {
		t.Fatal("StopAll left retries behind")
	}
}

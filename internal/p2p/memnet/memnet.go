// Package memnet is an in-process p2p.Service. Every node has its own
// scheduler, so delivery to a node and send callbacks to the sender run on
// their respective logical threads, like they would across real processes.
package memnet

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
)

// ErrWrongKey is reported when a message is encrypted for a ring other than
// the recipient's.
var ErrWrongKey = errors.New("memnet: recipient cannot decrypt message")

type storedItem struct {
	uid     string
	from    p2p.NodeAddress
	ring    keyring.PubKeyRing
	payload []byte
}

// Network connects nodes.
type Network struct {
	mu        sync.Mutex
	nodes     map[p2p.NodeAddress]*Node
	mailboxes map[p2p.NodeAddress][]storedItem
	logger    *slog.Logger
}

// New creates an empty network.
func New(logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		nodes:     make(map[p2p.NodeAddress]*Node),
		mailboxes: make(map[p2p.NodeAddress][]storedItem),
		logger:    logger.With("component", "memnet"),
	}
}

// Join adds an online, bootstrapped node.
func (n *Network) Join(addr p2p.NodeAddress, ring keyring.PubKeyRing, sched loop.Scheduler) *Node {
	node := &Node{
		net:          n,
		addr:         addr,
		ring:         ring,
		sched:        sched,
		online:       true,
		bootstrapped: true,
		peers:        -1,
	}
	n.mu.Lock()
	n.nodes[addr] = node
	n.mu.Unlock()
	return node
}

// MailboxSize returns how many items are stored for addr.
func (n *Network) MailboxSize(addr p2p.NodeAddress) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mailboxes[addr])
}

func (n *Network) node(addr p2p.NodeAddress) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

func (n *Network) onlineCount(except p2p.NodeAddress) int {
	n.mu.Lock()
	nodes := make([]*Node, 0, len(n.nodes))
	for addr, node := range n.nodes {
		if addr != except {
			nodes = append(nodes, node)
		}
	}
	n.mu.Unlock()

	count := 0
	for _, node := range nodes {
		if node.Online() {
			count++
		}
	}
	return count
}

// Node is one participant. It implements p2p.Service.
type Node struct {
	net   *Network
	addr  p2p.NodeAddress
	ring  keyring.PubKeyRing
	sched loop.Scheduler

	mu                 sync.Mutex
	online             bool
	bootstrapped       bool
	peers              int
	directListeners    []func(p2p.DecryptedMessage)
	mailboxListeners   []func(p2p.DecryptedMessage)
	bootstrapListeners []func()
	sent               int
}

var _ p2p.Service = (*Node)(nil)

// Address implements p2p.Messenger.
func (nd *Node) Address() p2p.NodeAddress { return nd.addr }

// PubKeyRing returns the ring the node decrypts with.
func (nd *Node) PubKeyRing() keyring.PubKeyRing { return nd.ring }

// Online reports whether the node accepts direct delivery.
func (nd *Node) Online() bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.online
}

// Sent returns how many messages this node has sent.
func (nd *Node) Sent() int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.sent
}

// SetOnline toggles the node. Coming online delivers any stored mailbox items.
func (nd *Node) SetOnline(online bool) {
	nd.mu.Lock()
	was := nd.online
	nd.online = online
	nd.mu.Unlock()
	if online && !was {
		nd.deliverMailbox()
	}
}

// SetBootstrapped toggles readiness and notifies bootstrap listeners.
func (nd *Node) SetBootstrapped(bootstrapped bool) {
	nd.mu.Lock()
	was := nd.bootstrapped
	nd.bootstrapped = bootstrapped
	listeners := append([]func(){}, nd.bootstrapListeners...)
	nd.mu.Unlock()
	if bootstrapped && !was {
		for _, fn := range listeners {
			nd.sched.Execute(fn)
		}
	}
}

// SetPeers overrides the connected peer count. A negative value restores
// the default of counting online nodes.
func (nd *Node) SetPeers(n int) {
	nd.mu.Lock()
	nd.peers = n
	nd.mu.Unlock()
}

// IsBootstrapped implements p2p.Network.
func (nd *Node) IsBootstrapped() bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.bootstrapped
}

// NumConnectedPeers implements p2p.Network.
func (nd *Node) NumConnectedPeers() int {
	nd.mu.Lock()
	peers := nd.peers
	nd.mu.Unlock()
	if peers >= 0 {
		return peers
	}
	return nd.net.onlineCount(nd.addr)
}

// AddBootstrapListener implements p2p.Network.
func (nd *Node) AddBootstrapListener(fn func()) {
	nd.mu.Lock()
	nd.bootstrapListeners = append(nd.bootstrapListeners, fn)
	nd.mu.Unlock()
}

// AddDirectListener implements p2p.Messenger.
func (nd *Node) AddDirectListener(fn func(p2p.DecryptedMessage)) {
	nd.mu.Lock()
	nd.directListeners = append(nd.directListeners, fn)
	nd.mu.Unlock()
}

// AddMailboxListener implements p2p.Mailbox.
func (nd *Node) AddMailboxListener(fn func(p2p.DecryptedMessage)) {
	nd.mu.Lock()
	nd.mailboxListeners = append(nd.mailboxListeners, fn)
	nd.mu.Unlock()
}

// SendDirect implements p2p.Messenger.
func (nd *Node) SendDirect(to p2p.NodeAddress, ring keyring.PubKeyRing, payload []byte, onResult func(p2p.SendResult)) {
	nd.countSend()
	target, err := nd.reachable(to, ring)
	if err != nil {
		nd.report(onResult, p2p.SendResult{Err: err})
		return
	}
	target.deliver(false, p2p.DecryptedMessage{
		Sender:           nd.addr,
		SenderPubKeyRing: nd.ring,
		Payload:          clone(payload),
	})
	nd.report(onResult, p2p.SendResult{Arrived: true})
}

// SendMailbox implements p2p.Mailbox.
func (nd *Node) SendMailbox(to p2p.NodeAddress, ring keyring.PubKeyRing, payload []byte, onResult func(p2p.SendResult)) {
	nd.countSend()
	target, err := nd.reachable(to, ring)
	switch {
	case err == nil:
		target.deliver(false, p2p.DecryptedMessage{
			Sender:           nd.addr,
			SenderPubKeyRing: nd.ring,
			Payload:          clone(payload),
		})
		nd.report(onResult, p2p.SendResult{Arrived: true})
	case errors.Is(err, p2p.ErrPeerOffline):
		nd.net.mu.Lock()
		nd.net.mailboxes[to] = append(nd.net.mailboxes[to], storedItem{
			uid:     idgen.New(),
			from:    nd.addr,
			ring:    nd.ring,
			payload: clone(payload),
		})
		nd.net.mu.Unlock()
		nd.report(onResult, p2p.SendResult{StoredInMailbox: true})
	default:
		nd.report(onResult, p2p.SendResult{Err: err})
	}
}

// RemoveMailboxMessage implements p2p.Mailbox.
func (nd *Node) RemoveMailboxMessage(uid string) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	items := nd.net.mailboxes[nd.addr]
	for i, item := range items {
		if item.uid == uid {
			nd.net.mailboxes[nd.addr] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

func (nd *Node) countSend() {
	nd.mu.Lock()
	nd.sent++
	nd.mu.Unlock()
}

func (nd *Node) reachable(to p2p.NodeAddress, ring keyring.PubKeyRing) (*Node, error) {
	target := nd.net.node(to)
	if target == nil || !target.Online() {
		return nil, p2p.ErrPeerOffline
	}
	if !ring.IsZero() && !target.ring.IsZero() && !ring.Equal(target.ring) {
		return nil, ErrWrongKey
	}
	return target, nil
}

func (nd *Node) report(onResult func(p2p.SendResult), result p2p.SendResult) {
	if onResult == nil {
		return
	}
	nd.sched.Execute(func() { onResult(result) })
}

func (nd *Node) deliver(fromMailbox bool, msg p2p.DecryptedMessage) {
	nd.mu.Lock()
	var listeners []func(p2p.DecryptedMessage)
	if fromMailbox {
		listeners = append(listeners, nd.mailboxListeners...)
	} else {
		listeners = append(listeners, nd.directListeners...)
	}
	nd.mu.Unlock()

	if len(listeners) == 0 {
		nd.net.logger.Warn("message dropped, no listener", "to", nd.addr, "mailbox", fromMailbox)
		return
	}
	nd.sched.Execute(func() {
		for _, fn := range listeners {
			fn(msg)
		}
	})
}

func (nd *Node) deliverMailbox() {
	nd.net.mu.Lock()
	items := append([]storedItem(nil), nd.net.mailboxes[nd.addr]...)
	nd.net.mu.Unlock()

	for _, item := range items {
		nd.deliver(true, p2p.DecryptedMessage{
			Sender:           item.from,
			SenderPubKeyRing: item.ring,
			Payload:          clone(item.payload),
			MailboxUID:       item.uid,
		})
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

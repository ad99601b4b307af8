// Package p2p describes the transport the support managers talk through:
// encrypted direct messages, store-and-forward mailbox messages and network
// readiness. Encryption and routing are the transport's business; callers
// see opaque payloads.
package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
)

var (
	ErrPeerOffline     = errors.New("p2p: peer offline")
	ErrInvalidAddress  = errors.New("p2p: invalid node address")
	ErrNotBootstrapped = errors.New("p2p: network not bootstrapped")
)

// NodeAddress is a peer's network address, normally an onion host.
type NodeAddress struct {
	HostName string `json:"hostName"`
	Port     int    `json:"port"`
}

// ParseNodeAddress parses "host:port".
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, portStr)
	}
	return NodeAddress{HostName: host, Port: port}, nil
}

// FullAddress returns "host:port".
func (a NodeAddress) FullAddress() string {
	return net.JoinHostPort(a.HostName, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool {
	return a.HostName == "" && a.Port == 0
}

func (a NodeAddress) String() string {
	return a.FullAddress()
}

// SendResult reports the outcome of a send. Exactly one of Arrived,
// StoredInMailbox or Err is set.
type SendResult struct {
	Arrived         bool
	StoredInMailbox bool
	Err             error
}

// DecryptedMessage is a payload the transport has decrypted and verified.
type DecryptedMessage struct {
	Sender           NodeAddress
	SenderPubKeyRing keyring.PubKeyRing
	Payload          []byte
	// MailboxUID identifies the stored mailbox item. Empty for direct messages.
	MailboxUID string
}

// FromMailbox reports whether the message was delivered from the mailbox store.
func (m DecryptedMessage) FromMailbox() bool {
	return m.MailboxUID != ""
}

// Messenger sends and receives encrypted direct messages. Callbacks fire on
// the receiver's logical thread, asynchronously with respect to the send call.
type Messenger interface {
	Address() NodeAddress
	SendDirect(to NodeAddress, ring keyring.PubKeyRing, payload []byte, onResult func(SendResult))
	AddDirectListener(fn func(DecryptedMessage))
}

// Mailbox sends store-and-forward messages. A message to an online peer
// arrives directly; to an offline peer it is stored until the peer returns.
type Mailbox interface {
	SendMailbox(to NodeAddress, ring keyring.PubKeyRing, payload []byte, onResult func(SendResult))
	AddMailboxListener(fn func(DecryptedMessage))
	RemoveMailboxMessage(uid string)
}

// Network exposes transport readiness.
type Network interface {
	IsBootstrapped() bool
	NumConnectedPeers() int
	AddBootstrapListener(fn func())
}

// Service is the full transport.
type Service interface {
	Messenger
	Mailbox
	Network
}

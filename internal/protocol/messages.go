// Package protocol defines the support wire messages and their encoding.
//
// Message is a closed set: only types in this package implement it, so a
// type switch over the variants below covers every message a peer can send.
package protocol

import (
	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
)

// Kind names a message variant on the wire.
type Kind string

const (
	KindOpenNewDispute        Kind = "OpenNewDisputeMessage"
	KindPeerOpenedDispute     Kind = "PeerOpenedDisputeMessage"
	KindChat                  Kind = "ChatMessage"
	KindDisputeResult         Kind = "DisputeResultMessage"
	KindPeerPublishedPayoutTx Kind = "PeerPublishedDisputePayoutTxMessage"
	KindAck                   Kind = "AckMessage"
)

// Message is any envelope exchanged by the support managers.
type Message interface {
	Kind() Kind
	// UID identifies one delivery attempt of the message.
	UID() string
	TradeID() string
	SenderNodeAddress() p2p.NodeAddress
	sealed()
}

// SupportMessage is a Message owned by one support type.
type SupportMessage interface {
	Message
	SupportType() dispute.SupportType
}

// Header is embedded by every support message.
type Header struct {
	Sender  p2p.NodeAddress     `json:"senderNodeAddress"`
	MsgUID  string              `json:"uid"`
	Support dispute.SupportType `json:"supportType"`
}

func (h Header) UID() string                        { return h.MsgUID }
func (h Header) SenderNodeAddress() p2p.NodeAddress { return h.Sender }
func (h Header) SupportType() dispute.SupportType   { return h.Support }
func (Header) sealed()                              {}

// OpenNewDispute is sent by a trader to the agent.
type OpenNewDispute struct {
	Header
	Dispute *dispute.Dispute `json:"dispute"`
}

func (*OpenNewDispute) Kind() Kind        { return KindOpenNewDispute }
func (m *OpenNewDispute) TradeID() string { return m.Dispute.TradeID }

// PeerOpenedDispute is the agent's mirror of a dispute, sent to the other trader.
type PeerOpenedDispute struct {
	Header
	Dispute *dispute.Dispute `json:"dispute"`
}

func (*PeerOpenedDispute) Kind() Kind        { return KindPeerOpenedDispute }
func (m *PeerOpenedDispute) TradeID() string { return m.Dispute.TradeID }

// Chat carries one chat line. Its uid is the chat message's uid.
type Chat struct {
	Message *dispute.ChatMessage `json:"chatMessage"`
}

func (*Chat) Kind() Kind                           { return KindChat }
func (m *Chat) UID() string                        { return m.Message.UID }
func (m *Chat) TradeID() string                    { return m.Message.TradeID }
func (m *Chat) SenderNodeAddress() p2p.NodeAddress { return m.Message.SenderNodeAddress }
func (m *Chat) SupportType() dispute.SupportType   { return m.Message.SupportType }
func (*Chat) sealed()                              {}

// DisputeResult is the agent's decision, sent to each trader.
type DisputeResult struct {
	Header
	Result *dispute.Result `json:"disputeResult"`
}

func (*DisputeResult) Kind() Kind        { return KindDisputeResult }
func (m *DisputeResult) TradeID() string { return m.Result.TradeID }

// PeerPublishedPayoutTx relays the payout transaction the publishing trader
// broadcast.
type PeerPublishedPayoutTx struct {
	Header
	Transaction []byte `json:"transaction"`
	TxTradeID   string `json:"tradeId"`
}

func (*PeerPublishedPayoutTx) Kind() Kind        { return KindPeerPublishedPayoutTx }
func (m *PeerPublishedPayoutTx) TradeID() string { return m.TxTradeID }

// Ack confirms or rejects a previously received message. SourceUID and
// SourceID (the trade id) correlate it with the acknowledged chat message.
type Ack struct {
	Sender       p2p.NodeAddress `json:"senderNodeAddress"`
	MsgUID       string          `json:"uid"`
	SourceType   string          `json:"sourceType"`
	SourceUID    string          `json:"sourceUid"`
	SourceID     string          `json:"sourceId"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

func (*Ack) Kind() Kind                           { return KindAck }
func (m *Ack) UID() string                        { return m.MsgUID }
func (m *Ack) TradeID() string                    { return m.SourceID }
func (m *Ack) SenderNodeAddress() p2p.NodeAddress { return m.Sender }
func (*Ack) sealed()                              {}

// AckSourceType names the ack source for a support type's chat messages.
func AckSourceType(t dispute.SupportType) string {
	return t.String() + "_MESSAGE"
}

var (
	_ SupportMessage = (*OpenNewDispute)(nil)
	_ SupportMessage = (*PeerOpenedDispute)(nil)
	_ SupportMessage = (*Chat)(nil)
	_ SupportMessage = (*DisputeResult)(nil)
	_ SupportMessage = (*PeerPublishedPayoutTx)(nil)
	_ Message        = (*Ack)(nil)
)

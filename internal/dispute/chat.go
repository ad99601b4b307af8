package dispute

import (
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/idgen"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
)

// Attachment is a file sent along with a chat message.
type Attachment struct {
	FileName string `json:"fileName"`
	Bytes    []byte `json:"bytes"`
}

// ChatMessage is one line in a dispute's chat. Delivery state is changed
// through the setters so the owning dispute can recompute its badge.
type ChatMessage struct {
	SupportType       SupportType     `json:"supportType"`
	TradeID           string          `json:"tradeId"`
	TraderID          int             `json:"traderId"`
	SenderIsTrader    bool            `json:"senderIsTrader"`
	Message           string          `json:"message"`
	Attachments       []Attachment    `json:"attachments,omitempty"`
	SenderNodeAddress p2p.NodeAddress `json:"senderNodeAddress"`
	Date              int64           `json:"date"`
	UID               string          `json:"uid"`
	IsSystemMessage   bool            `json:"isSystemMessage"`

	Arrived          bool   `json:"arrived"`
	StoredInMailbox  bool   `json:"storedInMailbox"`
	Acknowledged     bool   `json:"acknowledged"`
	SendMessageError string `json:"sendMessageError,omitempty"`
	AckError         string `json:"ackError,omitempty"`
	WasDisplayed     bool   `json:"wasDisplayed"`

	onChange func(*ChatMessage)
}

// NewChatMessage creates a message with a fresh uid.
func NewChatMessage(supportType SupportType, tradeID string, traderID int, senderIsTrader bool, text string, sender p2p.NodeAddress, now time.Time) *ChatMessage {
	return &ChatMessage{
		SupportType:       supportType,
		TradeID:           tradeID,
		TraderID:          traderID,
		SenderIsTrader:    senderIsTrader,
		Message:           text,
		SenderNodeAddress: sender,
		Date:              now.UnixMilli(),
		UID:               idgen.New(),
	}
}

// NewSystemMessage creates a synthetic message not authored by a user.
func NewSystemMessage(supportType SupportType, tradeID string, traderID int, text string, sender p2p.NodeAddress, now time.Time) *ChatMessage {
	m := NewChatMessage(supportType, tradeID, traderID, false, "System message: "+text, sender, now)
	m.IsSystemMessage = true
	return m
}

// Clone returns a copy that is not bound to any dispute.
func (m *ChatMessage) Clone() *ChatMessage {
	c := *m
	c.onChange = nil
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}

// SetOnChange installs the single observer. Pass nil to unregister.
func (m *ChatMessage) SetOnChange(fn func(*ChatMessage)) {
	m.onChange = fn
}

func (m *ChatMessage) SetArrived(v bool) {
	m.Arrived = v
	m.notify()
}

func (m *ChatMessage) SetStoredInMailbox(v bool) {
	m.StoredInMailbox = v
	m.notify()
}

func (m *ChatMessage) SetAcknowledged(v bool) {
	m.Acknowledged = v
	m.notify()
}

func (m *ChatMessage) SetSendMessageError(errMsg string) {
	m.SendMessageError = errMsg
	m.notify()
}

func (m *ChatMessage) SetAckError(errMsg string) {
	m.AckError = errMsg
	m.notify()
}

func (m *ChatMessage) SetWasDisplayed(v bool) {
	m.WasDisplayed = v
	m.notify()
}

// IsPending reports whether the message has not yet reached any terminal
// delivery state.
func (m *ChatMessage) IsPending() bool {
	return !m.Arrived && !m.StoredInMailbox && !m.Acknowledged && m.SendMessageError == "" && m.AckError == ""
}

func (m *ChatMessage) notify() {
	if m.onChange != nil {
		m.onChange(m)
	}
}

package validation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
)

// Kind classifies a validation failure.
type Kind int

const (
	KindDisputeData Kind = iota
	KindTradeMismatch
	KindNodeAddress
	KindSenderAddress
	KindDonationAddress
	KindReplay
)

var kindNames = [...]string{"dispute_data", "trade_mismatch", "node_address", "sender_address", "donation_address", "replay"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

var (
	ErrDisputeData     = errors.New("dispute data invalid")
	ErrTradeMismatch   = errors.New("dispute does not match trade")
	ErrNodeAddress     = errors.New("invalid node address")
	ErrSenderAddress   = errors.New("sender is not a trader")
	ErrDonationAddress = errors.New("donation address not recognized")
	ErrReplay          = errors.New("dispute replay")
)

var kindSentinels = [...]error{ErrDisputeData, ErrTradeMismatch, ErrNodeAddress, ErrSenderAddress, ErrDonationAddress, ErrReplay}

// Error is a validation failure tied to the dispute that caused it.
// errors.Is matches the sentinel of its Kind.
type Error struct {
	Kind    Kind
	Dispute *dispute.Dispute
	Msg     string
	Err     error
}

func newError(kind Kind, d *dispute.Dispute, format string, args ...any) *Error {
	return &Error{Kind: kind, Dispute: d, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	id := "<nil>"
	if e.Dispute != nil {
		id = e.Dispute.ID
	}
	msg := fmt.Sprintf("%s: dispute %s: %s", e.sentinel(), id, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.sentinel() }

func (e *Error) sentinel() error {
	if e.Kind < 0 || int(e.Kind) >= len(kindSentinels) {
		return ErrDisputeData
	}
	return kindSentinels[e.Kind]
}

// Collection gathers validation failures for operator review. It is safe for
// concurrent use.
type Collection struct {
	mu   sync.RWMutex
	errs []*Error
}

// Add appends e. Nil is ignored.
func (c *Collection) Add(e *Error) {
	if e == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, e)
	c.mu.Unlock()
}

// All returns a snapshot of the collected failures.
func (c *Collection) All() []*Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Error(nil), c.errs...)
}

// Len returns the number of collected failures.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.errs)
}

// CountKind returns how many failures of kind were collected.
func (c *Collection) CountKind(kind Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.errs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// AsError converts err to *Error, wrapping foreign errors as dispute data
// failures of d.
func AsError(err error, d *dispute.Dispute) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	return &Error{Kind: KindDisputeData, Dispute: d, Msg: "unexpected failure", Err: err}
}

package dispute

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/keyring"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/p2p"
)

// PaymentAccountPayload is the counterparty-visible part of a payment
// account. It is the sensitive part of a contract.
type PaymentAccountPayload struct {
	PaymentMethodID string            `json:"paymentMethodId"`
	ID              string            `json:"id"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// Contract is the snapshot of trade terms both traders signed.
type Contract struct {
	OfferID                    string  `json:"offerId"`
	CurrencyCode               string  `json:"currencyCode"`
	TradeAmount                int64   `json:"tradeAmount"`
	TradePrice                 int64   `json:"tradePrice"`
	UseMarketBasedPrice        bool    `json:"useMarketBasedPrice"`
	MarketPriceMargin          float64 `json:"marketPriceMargin"`
	BuyerSecurityDeposit       int64   `json:"buyerSecurityDeposit"`
	SellerSecurityDeposit      int64   `json:"sellerSecurityDeposit"`
	TakerFeeTxID               string  `json:"takerFeeTxId"`
	IsBuyerMakerAndSellerTaker bool    `json:"isBuyerMakerAndSellerTaker"`
	LockTime                   int64   `json:"lockTime"`

	BuyerNodeAddress       p2p.NodeAddress `json:"buyerNodeAddress"`
	SellerNodeAddress      p2p.NodeAddress `json:"sellerNodeAddress"`
	MediatorNodeAddress    p2p.NodeAddress `json:"mediatorNodeAddress"`
	RefundAgentNodeAddress p2p.NodeAddress `json:"refundAgentNodeAddress"`
	ArbitratorNodeAddress  p2p.NodeAddress `json:"arbitratorNodeAddress"`

	MakerAccountID             string                 `json:"makerAccountId"`
	TakerAccountID             string                 `json:"takerAccountId"`
	MakerPaymentAccountPayload *PaymentAccountPayload `json:"makerPaymentAccountPayload,omitempty"`
	TakerPaymentAccountPayload *PaymentAccountPayload `json:"takerPaymentAccountPayload,omitempty"`
	MakerPubKeyRing            keyring.PubKeyRing     `json:"makerPubKeyRing"`
	TakerPubKeyRing            keyring.PubKeyRing     `json:"takerPubKeyRing"`
	MakerPayoutAddress         string                 `json:"makerPayoutAddressString"`
	TakerPayoutAddress         string                 `json:"takerPayoutAddressString"`
	MakerMultiSigPubKey        []byte                 `json:"makerMultiSigPubKey"`
	TakerMultiSigPubKey        []byte                 `json:"takerMultiSigPubKey"`
}

// sensitiveContractFields are removed from the contract JSON when sensitive
// data is cleared.
var sensitiveContractFields = []string{"makerPaymentAccountPayload", "takerPaymentAccountPayload"}

// CanonicalJSON returns the RFC 8785 form of the contract, the exact string
// the traders sign and hash.
func (c *Contract) CanonicalJSON() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal contract: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize contract: %w", err)
	}
	return string(canonical), nil
}

// HashContractJSON returns the sha256 digest of a contract JSON string.
func HashContractJSON(contractJSON string) []byte {
	sum := sha256.Sum256([]byte(contractJSON))
	return sum[:]
}

// TradeVolume is the fiat volume in the price's minor units.
func (c *Contract) TradeVolume() int64 {
	return c.TradeAmount * c.TradePrice / 100_000_000
}

// BuyerPubKeyRing returns the buyer's ring.
func (c *Contract) BuyerPubKeyRing() keyring.PubKeyRing {
	if c.IsBuyerMakerAndSellerTaker {
		return c.MakerPubKeyRing
	}
	return c.TakerPubKeyRing
}

// SellerPubKeyRing returns the seller's ring.
func (c *Contract) SellerPubKeyRing() keyring.PubKeyRing {
	if c.IsBuyerMakerAndSellerTaker {
		return c.TakerPubKeyRing
	}
	return c.MakerPubKeyRing
}

func (c *Contract) BuyerPayoutAddress() string {
	if c.IsBuyerMakerAndSellerTaker {
		return c.MakerPayoutAddress
	}
	return c.TakerPayoutAddress
}

func (c *Contract) SellerPayoutAddress() string {
	if c.IsBuyerMakerAndSellerTaker {
		return c.TakerPayoutAddress
	}
	return c.MakerPayoutAddress
}

func (c *Contract) BuyerMultiSigPubKey() []byte {
	if c.IsBuyerMakerAndSellerTaker {
		return c.MakerMultiSigPubKey
	}
	return c.TakerMultiSigPubKey
}

func (c *Contract) SellerMultiSigPubKey() []byte {
	if c.IsBuyerMakerAndSellerTaker {
		return c.TakerMultiSigPubKey
	}
	return c.MakerMultiSigPubKey
}

// IsBuyer reports whether ring belongs to the buyer.
func (c *Contract) IsBuyer(ring keyring.PubKeyRing) bool {
	return c.BuyerPubKeyRing().Equal(ring)
}

// PeerOf returns the node address and ring of the other trader.
func (c *Contract) PeerOf(ring keyring.PubKeyRing) (p2p.NodeAddress, keyring.PubKeyRing) {
	if c.IsBuyer(ring) {
		return c.SellerNodeAddress, c.SellerPubKeyRing()
	}
	return c.BuyerNodeAddress, c.BuyerPubKeyRing()
}

// AgentNodeAddress returns the address of the agent for supportType.
func (c *Contract) AgentNodeAddress(supportType SupportType) p2p.NodeAddress {
	switch supportType {
	case SupportMediation:
		return c.MediatorNodeAddress
	case SupportRefund:
		return c.RefundAgentNodeAddress
	default:
		return c.ArbitratorNodeAddress
	}
}

// ClearSensitiveData drops the payment account payloads. It reports whether
// anything was removed.
func (c *Contract) ClearSensitiveData() bool {
	changed := c.MakerPaymentAccountPayload != nil || c.TakerPaymentAccountPayload != nil
	c.MakerPaymentAccountPayload = nil
	c.TakerPaymentAccountPayload = nil
	return changed
}

// SanitizeContractJSON removes payment account payloads from a contract JSON
// string and re-canonicalizes it. Sanitizing an already sanitized string
// returns it unchanged.
func SanitizeContractJSON(contractJSON string) (string, error) {
	if contractJSON == "" {
		return "", nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(contractJSON), &doc); err != nil {
		return "", fmt.Errorf("parse contract json: %w", err)
	}
	removed := false
	for _, field := range sensitiveContractFields {
		if _, ok := doc[field]; ok {
			delete(doc, field)
			removed = true
		}
	}
	if !removed {
		return contractJSON, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal contract json: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize contract json: %w", err)
	}
	return string(canonical), nil
}

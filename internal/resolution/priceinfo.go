package resolution

import (
	"fmt"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
)

const (
	priceInfoRetries     = 3
	priceInfoRetryDelay  = 10 * time.Second
	mediationPayoutFloor = 300_000 // sat kept by the losing buyer after mediation
)

// PriceInfo compares the trade price with the market price at the time the
// dispute was opened. A positive PotentialGain means the buyer profits from
// letting the trade fail and buying again at market, which hints at an
// option trade.
type PriceInfo struct {
	TradePrice     int64
	PriceAtOpening int64
	ChangePercent  float64
	PotentialGain  int64
}

// ComputePriceInfo evaluates c against priceAtOpening.
func ComputePriceInfo(c *dispute.Contract, priceAtOpening int64) PriceInfo {
	info := PriceInfo{TradePrice: c.TradePrice, PriceAtOpening: priceAtOpening}
	if c.TradePrice > 0 {
		info.ChangePercent = float64(priceAtOpening-c.TradePrice) / float64(c.TradePrice) * 100
	}
	if priceAtOpening > 0 {
		potential := c.TradeVolume() * 100_000_000 / priceAtOpening
		maxLoss := c.BuyerSecurityDeposit - mediationPayoutFloor
		info.PotentialGain = potential - c.TradeAmount - maxLoss
	}
	return info
}

// Text renders the info for the agent's chat.
func (p PriceInfo) Text(currencyCode string) string {
	text := fmt.Sprintf("Trade price: %d %s\nPrice at dispute opening: %d %s\nPercentage change: %.2f%%",
		p.TradePrice, currencyCode, p.PriceAtOpening, currencyCode, p.ChangePercent)
	if p.PotentialGain > 0 {
		text += fmt.Sprintf("\nThe buyer would gain %d sat by buying again at the price at dispute opening. This could be an option trade.", p.PotentialGain)
	}
	return text
}

// addPriceInfoMessage adds the price comparison to the agent's copy of d.
// attempt counts the retries made while the feed had no price yet.
func (e *Engine) addPriceInfoMessage(d *dispute.Dispute, attempt int) {
	if e.prices == nil || d.Contract == nil || d.IsSupportTicket {
		return
	}
	c := d.Contract
	price, ok := e.prices.PriceAt(c.CurrencyCode, time.UnixMilli(d.OpeningDate))
	if !ok {
		if attempt < priceInfoRetries {
			e.Scheduler().After(priceInfoRetryDelay, func() { e.addPriceInfoMessage(d, attempt+1) })
		}
		return
	}
	info := ComputePriceInfo(c, price)
	sys := dispute.NewSystemMessage(e.spec.SupportType, d.TradeID, d.TraderID, info.Text(c.CurrencyCode), e.MyAddress(), e.Scheduler().Now())
	d.AddChatMessage(sys)
	e.RequestPersistence()
}

package resolution

import (
	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
)

// OnAllServicesInitialized starts message processing and runs the startup
// pass over the stored disputes: cleanup by the handler, validation of
// addresses and replays, and clearing of old sensitive data.
func (e *Engine) OnAllServicesInitialized() {
	e.Manager.OnAllServicesInitialized()
	e.handler.CleanupDisputes()
	e.validateStored()
	e.maybeClearSensitiveData()
}

func (e *Engine) validateStored() {
	disputes := e.Disputes()
	for _, d := range disputes {
		if err := validation.ValidateNodeAddresses(d, e.opts); err != nil {
			e.addValidationError(err, d)
		}
	}
	validation.FindReplays(disputes, func(verr *validation.Error) {
		e.addValidationError(verr, verr.Dispute)
	})
	if e.wallet == nil {
		return
	}
	addrs := e.wallet.AllDonationAddresses()
	for _, d := range disputes {
		// Disputes since the burning men do not pay to a single donation address.
		if !e.IsAgent(d) || d.BurningManSelectionHeight != 0 {
			continue
		}
		if err := validation.ValidateDonationAddress(d, addrs); err != nil {
			e.addValidationError(err, d)
		}
	}
}

// maybeClearSensitiveData scrubs disputes closed before the retention
// cutoff and schedules the next pass a day later.
func (e *Engine) maybeClearSensitiveData() {
	cutoff := e.Scheduler().Now().Add(-e.clearDataAfter)
	cleared := 0
	for _, d := range e.Disputes() {
		if !d.IsClosed() || !d.ClosedAt().Before(cutoff) {
			continue
		}
		if change := d.ClearSensitiveData(); change != "" {
			logging.ForDispute(e.logger, d.TradeID, d.TraderID).Info("cleared sensitive data", "changed", change)
			cleared++
		}
	}
	if cleared > 0 {
		e.RequestPersistence()
	}
	if e.clearTask != nil {
		e.clearTask.Stop()
	}
	e.clearTask = e.Scheduler().After(clearDataInterval, e.maybeClearSensitiveData)
}

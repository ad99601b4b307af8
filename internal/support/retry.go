package support

import (
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
)

// Retries tracks the single delayed re-application allowed per message uid.
// An entry stays after its retry fired so a message that still cannot be
// applied is not rescheduled; Done forgets it once the message applied.
//
// Retries is used on the logical thread only.
type Retries struct {
	sched   loop.Scheduler
	entries map[string]*retryEntry
}

type retryEntry struct {
	task  loop.Task
	fired bool
}

// NewRetries creates an empty registry.
func NewRetries(sched loop.Scheduler) *Retries {
	return &Retries{sched: sched, entries: make(map[string]*retryEntry)}
}

// Schedule runs fn after d unless uid already had a retry. It reports
// whether a retry was scheduled; false means the retry budget is spent.
func (r *Retries) Schedule(kind, uid string, d time.Duration, fn func()) bool {
	if _, ok := r.entries[uid]; ok {
		metrics.SupportRetryExhaustedTotal.WithLabelValues(kind).Inc()
		return false
	}
	e := &retryEntry{}
	r.entries[uid] = e
	e.task = r.sched.After(d, func() {
		e.fired = true
		fn()
	})
	metrics.SupportMessageRetriesTotal.WithLabelValues(kind).Inc()
	return true
}

// Done cancels a pending retry for uid and forgets it.
func (r *Retries) Done(uid string) {
	if e, ok := r.entries[uid]; ok {
		if !e.fired {
			e.task.Stop()
		}
		delete(r.entries, uid)
	}
}

// Has reports whether uid has a pending or spent retry.
func (r *Retries) Has(uid string) bool {
	_, ok := r.entries[uid]
	return ok
}

// Pending returns the number of retries that have not fired yet.
func (r *Retries) Pending() int {
	n := 0
	for _, e := range r.entries {
		if !e.fired {
			n++
		}
	}
	return n
}

// StopAll cancels every pending retry.
func (r *Retries) StopAll() {
	for uid, e := range r.entries {
		if !e.fired {
			e.task.Stop()
		}
		delete(r.entries, uid)
	}
}

// Package persistence stores named envelopes on disk with debounced,
// crash-safe writes and coordinates a final flush at shutdown.
package persistence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
)

// managed is the orchestrator's view of a Manager regardless of its type parameter.
type managed interface {
	FileName() string
	Source() Source
	Shutdown()
	hasReadCompleted() bool
	isPersistenceRequested() bool
	onAllServicesInitialized()
	persistNow(handler func(), force bool)
}

// Orchestrator owns the registry of active managers. There is one per
// process; it is passed explicitly rather than held in a global.
type Orchestrator struct {
	sched     loop.Scheduler
	collector *CorruptedFileCollector
	logger    *slog.Logger

	mu       sync.Mutex
	managers map[string]managed

	allServicesInitialized atomic.Bool
	flushAtShutdownCalled  atomic.Bool
}

// NewOrchestrator creates an orchestrator. A nil collector disables
// corrupted-file reporting.
func NewOrchestrator(sched loop.Scheduler, collector *CorruptedFileCollector, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sched:     sched,
		collector: collector,
		logger:    logger,
		managers:  make(map[string]managed),
	}
}

// Scheduler returns the scheduler completion handlers are posted to.
func (o *Orchestrator) Scheduler() loop.Scheduler { return o.sched }

// Collector returns the corrupted-file collector, possibly nil.
func (o *Orchestrator) Collector() *CorruptedFileCollector { return o.collector }

func (o *Orchestrator) register(fileName string, m managed) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.managers[fileName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFileName, fileName)
	}
	o.managers[fileName] = m
	return nil
}

func (o *Orchestrator) unregister(fileName string, m managed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.managers[fileName]; ok && current == m {
		delete(o.managers, fileName)
	}
}

// FileNames lists registered file names in sorted order.
func (o *Orchestrator) FileNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.managers))
	for name := range o.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnAllServicesInitialized enables persistence. Requests recorded earlier
// start their debounce timers now.
func (o *Orchestrator) OnAllServicesInitialized() {
	if !o.allServicesInitialized.CompareAndSwap(false, true) {
		return
	}
	for _, m := range o.snapshot() {
		m.onAllServicesInitialized()
	}
}

// AllServicesInitialized reports whether OnAllServicesInitialized has been called.
func (o *Orchestrator) AllServicesInitialized() bool {
	return o.allServicesInitialized.Load()
}

// FlushAtShutdownCalled reports whether a shutdown flush has started.
func (o *Orchestrator) FlushAtShutdownCalled() bool {
	return o.flushAtShutdownCalled.Load()
}

// FlushAllDataToDisk writes every manager that has completed a read and is
// either flagged flush-at-shutdown or has a pending request. Managers that
// never read their file are skipped so an unloaded store cannot overwrite
// good data. completeHandler runs exactly once after every manager is done.
//
// With doShutdown set, each manager is shut down after its own write, and
// any further shutdown flush is ignored.
func (o *Orchestrator) FlushAllDataToDisk(completeHandler func(), doShutdown bool) {
	if doShutdown && !o.flushAtShutdownCalled.CompareAndSwap(false, true) {
		o.logger.Warn("flushAllDataToDisk at shutdown already called")
		return
	}

	managers := o.snapshot()
	o.logger.Info("flushing persisted data", "managers", len(managers), "shutdown", doShutdown)
	if len(managers) == 0 {
		if completeHandler != nil {
			completeHandler()
		}
		return
	}

	var open atomic.Int32
	open.Store(int32(len(managers)))
	for _, m := range managers {
		m := m
		onDone := func() {
			if doShutdown {
				m.Shutdown()
			}
			if open.Add(-1) == 0 && completeHandler != nil {
				completeHandler()
			}
		}

		if m.hasReadCompleted() && (m.Source().FlushAtShutdown() || m.isPersistenceRequested()) {
			m.persistNow(onDone, true)
		} else {
			onDone()
		}
	}
}

func (o *Orchestrator) snapshot() []managed {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.managers))
	for name := range o.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]managed, 0, len(names))
	for _, name := range names {
		out = append(out, o.managers[name])
	}
	return out
}

package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
)

// Manager persists one envelope of type T to one file under dir.
//
// Serialization happens synchronously on the caller's (logical) thread, so the
// envelope is never read concurrently with a mutation. The bytes are handed to
// a dedicated writer goroutine. Completion handlers are posted back to the
// orchestrator's scheduler.
type Manager[T any] struct {
	orch   *Orchestrator
	dir    string
	codec  Codec[T]
	logger *slog.Logger

	mu                   sync.Mutex
	persistable          T
	fileName             string
	source               Source
	initialized          bool
	shutdown             bool
	persistenceRequested bool
	readCompleted        bool
	timer                loop.Task
	writer               *fileWriter
}

// NewManager creates a manager that stores files under dir. The manager is
// inert until Initialize is called.
func NewManager[T any](orch *Orchestrator, dir string, codec Codec[T]) *Manager[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &Manager[T]{
		orch:   orch,
		dir:    dir,
		codec:  codec,
		logger: orch.logger.With("component", "persistence"),
	}
}

// DefaultFileName derives a file name from the dynamic type of v.
func DefaultFileName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "Persisted"
	}
	return t.Name()
}

// Initialize binds the manager to its envelope and file and registers it with
// the orchestrator. An empty fileName falls back to DefaultFileName.
func (m *Manager[T]) Initialize(persistable T, fileName string, source Source) error {
	if fileName == "" {
		fileName = DefaultFileName(persistable)
	}

	m.mu.Lock()
	if m.initialized || m.shutdown {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, fileName)
	}
	if err := m.orch.register(fileName, m); err != nil {
		m.mu.Unlock()
		return err
	}
	m.persistable = persistable
	m.fileName = fileName
	m.source = source
	m.initialized = true
	m.writer = newFileWriter(m.dir, fileName, source.NumMaxBackupFiles(), m.logger)
	m.mu.Unlock()

	if m.orch.FlushAtShutdownCalled() {
		m.logger.Warn("manager initialized after shutdown flush started", "file", fileName)
	}
	return nil
}

// FileName returns the bound file name.
func (m *Manager[T]) FileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileName
}

// Source returns the bound persistence policy.
func (m *Manager[T]) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// RequestPersistence marks the envelope dirty. The write happens once the
// source's debounce delay has elapsed. Further requests while a write is
// pending do not restart the delay. Before all services are initialized the
// request is only recorded; the timer starts once readiness is signalled.
func (m *Manager[T]) RequestPersistence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.logger.Warn("persistence requested on uninitialized manager")
		return
	}
	m.persistenceRequested = true
	if !m.orch.AllServicesInitialized() {
		return
	}
	m.maybeStartTimerLocked()
}

func (m *Manager[T]) maybeStartTimerLocked() {
	if m.timer != nil {
		return
	}
	m.timer = m.orch.sched.After(m.source.Delay(), func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		m.persistNow(nil, false)
	})
}

// PersistNow serializes the envelope and queues it for writing. Handler runs
// on the logical thread once the write has finished, whether it succeeded or
// not. It is ignored once the shutdown flush has started.
func (m *Manager[T]) PersistNow(handler func()) {
	m.persistNow(handler, false)
}

func (m *Manager[T]) persistNow(handler func(), force bool) {
	complete := func() {
		if handler != nil {
			m.orch.sched.Execute(handler)
		}
	}

	if !force && m.orch.FlushAtShutdownCalled() {
		m.logger.Warn("shutdown already started, ignoring persistNow", "file", m.FileName())
		complete()
		return
	}

	m.mu.Lock()
	if !m.initialized || m.writer == nil {
		m.mu.Unlock()
		m.logger.Warn("persistNow on manager that is not active")
		complete()
		return
	}
	m.persistenceRequested = false
	data, err := m.codec.Marshal(m.persistable)
	writer := m.writer
	fileName := m.fileName
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("failed to serialize envelope", "file", fileName, "error", err)
		complete()
		return
	}
	if !writer.submit(writeJob{data: data, done: complete}) {
		complete()
	}
}

// GetPersisted reads and deserializes the stored envelope. A missing file
// yields ok=false. A file that cannot be read or decoded is moved to the
// quarantine directory, reported to the collector and also yields ok=false.
// An empty fileName reads the bound file.
func (m *Manager[T]) GetPersisted(fileName string) (T, bool) {
	var zero T

	m.mu.Lock()
	m.readCompleted = true
	if fileName == "" {
		fileName = m.fileName
	}
	m.mu.Unlock()

	if fileName == "" {
		m.logger.Warn("getPersisted without a file name")
		return zero, false
	}

	path := filepath.Join(m.dir, fileName)
	// #nosec G304 -- path is inside the manager's own storage directory.
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return zero, false
	}
	if err != nil {
		m.logger.Error("could not read persisted file", "file", fileName, "error", err)
		m.handleCorrupted(fileName)
		return zero, false
	}

	v, err := m.codec.Unmarshal(data)
	if err != nil {
		m.logger.Error("could not decode persisted file", "file", fileName, "error", err)
		m.handleCorrupted(fileName)
		return zero, false
	}
	return v, true
}

// ReadPersisted reads off the logical thread and delivers the result on it.
// onResult receives the envelope, orElse runs when nothing usable was found.
func (m *Manager[T]) ReadPersisted(fileName string, onResult func(T), orElse func()) {
	go func() {
		v, ok := m.GetPersisted(fileName)
		m.orch.sched.Execute(func() {
			if ok {
				if onResult != nil {
					onResult(v)
				}
				return
			}
			if orElse != nil {
				orElse()
			}
		})
	}()
}

func (m *Manager[T]) handleCorrupted(fileName string) {
	moved, err := quarantine(m.dir, fileName)
	if err != nil {
		m.logger.Error("could not quarantine corrupted file", "file", fileName, "error", err)
	} else {
		m.logger.Warn("moved corrupted file", "file", fileName, "to", moved)
	}
	metrics.PersistenceCorruptedFilesTotal.Inc()
	if m.orch.collector != nil {
		m.orch.collector.AddFile(fileName)
	}
}

// Shutdown cancels any pending write timer, waits for queued writes to
// finish, releases the envelope and unregisters the manager.
func (m *Manager[T]) Shutdown() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	writer := m.writer
	m.writer = nil
	var zero T
	m.persistable = zero
	m.initialized = false
	m.shutdown = true
	fileName := m.fileName
	m.mu.Unlock()

	m.orch.unregister(fileName, m)
	if writer != nil {
		writer.close()
	}
}

func (m *Manager[T]) hasReadCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCompleted
}

func (m *Manager[T]) isPersistenceRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistenceRequested
}

func (m *Manager[T]) onAllServicesInitialized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized && m.persistenceRequested {
		m.maybeStartTimerLocked()
	}
}

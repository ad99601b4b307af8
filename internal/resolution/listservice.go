package resolution

import (
	"fmt"
	"log/slog"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/persistence"
)

// ListService owns the dispute list of one support type and the manager
// that persists it.
type ListService struct {
	supportType dispute.SupportType
	list        *dispute.List
	store       *persistence.Manager[*dispute.List]
	observe     func(*dispute.Dispute)
	logger      *slog.Logger
}

// NewListService binds an empty list to fileName under dir. observe is
// installed on every dispute that enters the list.
func NewListService(orch *persistence.Orchestrator, dir, fileName string, supportType dispute.SupportType, observe func(*dispute.Dispute), logger *slog.Logger) (*ListService, error) {
	s := &ListService{
		supportType: supportType,
		list:        dispute.NewList(),
		store:       persistence.NewManager[*dispute.List](orch, dir, persistence.JSONCodec[*dispute.List]{}),
		observe:     observe,
		logger:      logger,
	}
	if err := s.store.Initialize(s.list, fileName, persistence.SourcePrivate); err != nil {
		return nil, fmt.Errorf("dispute list %s: %w", fileName, err)
	}
	return s, nil
}

// ReadPersisted loads the stored list off the logical thread and calls done
// on it once the in-memory list holds the persisted disputes.
func (s *ListService) ReadPersisted(done func()) {
	s.store.ReadPersisted("", func(persisted *dispute.List) {
		s.list.SetAll(persisted.All())
		for _, d := range s.list.All() {
			s.bind(d)
		}
		s.logger.Info("dispute list loaded", "file", s.store.FileName(), "disputes", s.list.Len())
		s.refreshGauge()
		if done != nil {
			done()
		}
	}, func() {
		s.logger.Info("no persisted dispute list", "file", s.store.FileName())
		if done != nil {
			done()
		}
	})
}

// List returns the live list. It is mutated on the logical thread only.
func (s *ListService) List() *dispute.List { return s.list }

// FileName is the name of the persisted file.
func (s *ListService) FileName() string { return s.store.FileName() }

// Add stores d and reports whether it was new.
func (s *ListService) Add(d *dispute.Dispute) bool {
	if !s.list.Add(d) {
		return false
	}
	s.bind(d)
	s.RequestPersistence()
	return true
}

// RequestPersistence schedules a debounced write of the list.
func (s *ListService) RequestPersistence() {
	s.refreshGauge()
	s.store.RequestPersistence()
}

// PersistNow writes the list immediately and calls done afterwards.
func (s *ListService) PersistNow(done func()) {
	s.store.PersistNow(done)
}

// Shutdown releases the persistence manager.
func (s *ListService) Shutdown() {
	s.store.Shutdown()
}

func (s *ListService) bind(d *dispute.Dispute) {
	if s.observe == nil {
		return
	}
	d.SetOnChange(s.observe)
	s.observe(d)
}

func (s *ListService) refreshGauge() {
	counts := s.list.CountByState()
	for _, st := range dispute.States() {
		metrics.SupportDisputes.WithLabelValues(s.supportType.String(), st.String()).Set(float64(counts[st]))
	}
}

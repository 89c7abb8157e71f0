package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
)

// MemoryStore keeps records in a process-local map. It backs tests and local
// development; it deliberately applies Patch field by field the same way the
// remote stores do, so code exercised against it sees identical semantics.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*domain.BatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*domain.BatchRecord)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Create(ctx context.Context, rec *domain.BatchRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	cp := cloneRecord(rec)
	cp.ID = id
	s.rows[id] = cp
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Patch(ctx context.Context, id string, patch domain.BatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	applyPatch(rec, patch)
	return nil
}

func (s *MemoryStore) QueryStale(ctx context.Context, cutoff time.Time) ([]domain.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BatchRecord
	for _, rec := range s.rows {
		if rec.Status == domain.BatchStatusProcessing && rec.LastUpdate.Before(cutoff) {
			out = append(out, *cloneRecord(rec))
		}
	}
	return out, nil
}

func applyPatch(rec *domain.BatchRecord, patch domain.BatchPatch) {
	if patch.RequestIDs != nil {
		rec.RequestIDs = append([]string(nil), (*patch.RequestIDs)...)
	}
	if patch.SeenIDs != nil {
		rec.SeenIDs = append([]string(nil), (*patch.SeenIDs)...)
	}
	if patch.FailedJobIDs != nil {
		rec.FailedJobIDs = append([]string(nil), (*patch.FailedJobIDs)...)
	}
	if patch.Outputs != nil {
		rec.Outputs = append([]domain.Output(nil), (*patch.Outputs)...)
	}
	if patch.FailedSubmissions != nil {
		rec.FailedSubmissions = append([]string(nil), (*patch.FailedSubmissions)...)
	}
	if patch.Note != nil {
		rec.Note = *patch.Note
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.LastUpdate != nil {
		rec.LastUpdate = *patch.LastUpdate
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		rec.CompletedAt = &t
	}
}

func cloneRecord(rec *domain.BatchRecord) *domain.BatchRecord {
	cp := *rec
	cp.RequestIDs = append([]string(nil), rec.RequestIDs...)
	cp.SeenIDs = append([]string(nil), rec.SeenIDs...)
	cp.FailedJobIDs = append([]string(nil), rec.FailedJobIDs...)
	cp.Outputs = append([]domain.Output(nil), rec.Outputs...)
	cp.FailedSubmissions = append([]string(nil), rec.FailedSubmissions...)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It is used for tests and single
// instance development deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*UsageRecord
	now     func() time.Time
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Resetter = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*UsageRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) CreateOrIncrement(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		rec = &UsageRecord{UserID: userID, CreatedAt: s.now().UTC()}
		s.records[userID] = rec
	}
	rec.Count++
	return rec.Count, nil
}

func (s *MemoryStore) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[userID]; !ok {
		return ErrNotFound
	}
	delete(s.records, userID)
	return nil
}

// Seed sets a user's count directly. Only for tests and fixtures.
func (s *MemoryStore) Seed(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[userID] = &UsageRecord{UserID: userID, Count: count, CreatedAt: s.now().UTC()}
}

package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paybroker/paybroker/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*Transfer
	byID  map[string]string
}

// NewMemoryStore creates an empty in-memory transfer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[string]*Transfer),
		byID:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[t.ProcessorKey]; ok {
		return ErrDuplicateTransfer
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.byKey[t.ProcessorKey] = &cp
	s.byID[t.ID] = t.ProcessorKey
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *s.byKey[key]
	return &cp, nil
}

func (s *MemoryStore) GetByProcessorKey(_ context.Context, processorKey string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byKey[processorKey]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, processorKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byKey[processorKey]
	return ok, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider string, limit int, cursor *pagination.Cursor) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Transfer
	for _, t := range s.byKey {
		if t.Provider != provider {
			continue
		}
		if cursor != nil && !before(t, cursor) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// before reports whether t sorts after the cursor position in the
// newest-first ordering.
func before(t *Transfer, c *pagination.Cursor) bool {
	if !t.CreatedAt.Equal(c.CreatedAt) {
		return t.CreatedAt.Before(c.CreatedAt)
	}
	return t.ID < c.ID
}

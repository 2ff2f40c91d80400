package charge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[string]*Charge // processor key -> charge
	byID    map[string]string  // charge id -> processor key
	refunds map[string]bool    // processor key + "/" + refund key
}

// NewMemoryStore creates an empty in-memory charge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:   make(map[string]*Charge),
		byID:    make(map[string]string),
		refunds: make(map[string]bool),
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[c.ProcessorKey]; ok {
		return ErrDuplicateKey
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.byKey[c.ProcessorKey] = &cp
	s.byID[c.ID] = c.ProcessorKey
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrUnknownCharge
	}
	cp := *s.byKey[key]
	return &cp, nil
}

func (s *MemoryStore) GetByProcessorKey(_ context.Context, processorKey string) (*Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byKey[processorKey]
	if !ok {
		return nil, ErrUnknownCharge
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CompareAndSetState(_ context.Context, processorKey string, from []State, to State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[processorKey]
	if !ok {
		return false, ErrUnknownCharge
	}
	for _, f := range from {
		if c.State == f {
			c.State = to
			c.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

var disputeRank = map[DisputeState]int{
	DisputeNone:    0,
	DisputeCreated: 1,
	DisputeUpdated: 2,
	DisputeClosed:  3,
}

func (s *MemoryStore) SetDispute(_ context.Context, processorKey string, to DisputeState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[processorKey]
	if !ok {
		return false, ErrUnknownCharge
	}
	// Dispute stage only advances; re-delivery of an earlier stage is a no-op.
	if disputeRank[to] <= disputeRank[c.Dispute] {
		return false, nil
	}
	c.Dispute = to
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) AddRefund(_ context.Context, processorKey, refundKey string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[processorKey]
	if !ok {
		return false, ErrUnknownCharge
	}
	dedup := processorKey + "/" + refundKey
	if s.refunds[dedup] {
		return false, nil
	}
	if c.Refunded.Amount+amount > c.Amount.Amount {
		return false, ErrRefundExceedsCharge
	}
	s.refunds[dedup] = true
	c.Refunded.Amount += amount
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetReceipt(_ context.Context, processorKey, last4 string, expMonth, expYear int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[processorKey]
	if !ok {
		return ErrUnknownCharge
	}
	c.Last4 = last4
	c.ExpMonth = expMonth
	c.ExpYear = expYear
	c.UpdatedAt = time.Now().UTC()
	return nil
}

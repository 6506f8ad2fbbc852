package service

import (
	"context"
	"sync"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
)

// CounterStore persists rolling counters per grant. Callers hold the grant
// lock across Load and Save; stores do not serialize read-modify-write.
type CounterStore interface {
	Load(ctx context.Context, key model.GrantKey) (model.RollingCounters, error)
	Save(ctx context.Context, key model.GrantKey, counters model.RollingCounters) error
	Reset(ctx context.Context, key model.GrantKey) error
}

// MemoryCounterStore 进程内的计数器存储，单实例部署或测试使用
type MemoryCounterStore struct {
	mu       sync.RWMutex
	counters map[model.GrantKey]model.RollingCounters
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[model.GrantKey]model.RollingCounters),
	}
}

func (s *MemoryCounterStore) Load(ctx context.Context, key model.GrantKey) (model.RollingCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key], nil
}

func (s *MemoryCounterStore) Save(ctx context.Context, key model.GrantKey, counters model.RollingCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = counters
	return nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, key model.GrantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

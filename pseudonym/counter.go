package pseudonym

import (
	"context"
	"sync"
	"sync/atomic"
)

// CounterStore hands out issuer counter values.
type CounterStore interface {
	// Reserve atomically reserves n consecutive values for issuer and returns
	// the first one. Reserved values are never returned again.
	Reserve(ctx context.Context, issuer string, n uint64) (uint64, error)
}

// MemoryCounter keeps counters for the lifetime of the process.
type MemoryCounter struct {
	counters sync.Map // issuer id -> *atomic.Uint64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (m *MemoryCounter) Reserve(_ context.Context, issuer string, n uint64) (uint64, error) {
	v, _ := m.counters.LoadOrStore(issuer, new(atomic.Uint64))
	end := v.(*atomic.Uint64).Add(n)
	return end - n, nil
}

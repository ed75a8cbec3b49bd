package storage

import (
	"context"
	"sync"

	"key_gateway/internal/ledger"
)

// MemoryStore keeps the ledger snapshot in process memory. Nothing survives a
// restart; it backs tests and LEDGER_BACKEND=memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]ledger.Record
	saves   int
}

var _ ledger.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store, optionally pre-seeded with records.
func NewMemoryStore(seed map[string]ledger.Record) *MemoryStore {
	s := &MemoryStore{}
	if seed != nil {
		s.records = copyRecords(seed)
	}
	return s
}

// Load returns the last saved snapshot.
func (s *MemoryStore) Load(_ context.Context) (map[string]ledger.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		return nil, false, nil
	}
	return copyRecords(s.records), true, nil
}

// Save replaces the snapshot.
func (s *MemoryStore) Save(ctx context.Context, records map[string]ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = copyRecords(records)
	s.saves++
	return nil
}

// Saves returns how many snapshots have been written.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecords(in map[string]ledger.Record) map[string]ledger.Record {
	out := make(map[string]ledger.Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

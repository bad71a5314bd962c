package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	// insertion order; ties in CreatedAt are common at clock resolution
	seq  map[string]uint64
	next uint64
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		seq:     make(map[string]uint64),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	now := m.now()
	rec = cloneRecord(rec)
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.ID] = rec
	m.next++
	m.seq[rec.ID] = m.next
	return nil
}

func (m *MemoryStore) AppendBurn(ctx context.Context, id string, burn Burn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec = cloneRecord(rec)
	if err := appendBurn(&rec, burn, m.now()); err != nil {
		return err
	}
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) UpdateState(ctx context.Context, id string, upd StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applyUpdate(&rec, upd, m.now())
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	m.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

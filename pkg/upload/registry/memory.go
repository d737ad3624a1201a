package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Memory is an in-process Registry. Records are kept in an ordered btree
// keyed by id. The mutex only covers the in-memory read-modify-write, so it
// is never held across storage I/O.
type Memory struct {
	mu      sync.RWMutex
	records btree.Map[string, Record]
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := PrepareInsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records.Get(prepared.ID); ok {
		return ErrExists
	}
	m.records.Set(prepared.ID, prepared)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records.Get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(Record) (Record, error)) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records.Get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	updated, err := ApplyUpdate(current, fn, time.Now().UTC())
	if err != nil {
		return Record{}, err
	}
	m.records.Set(id, updated)
	return updated.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records.Delete(id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	recs := make([]Record, 0, m.records.Len())
	m.records.Scan(func(_ string, rec Record) bool {
		recs = append(recs, rec.Clone())
		return true
	})
	m.mu.RUnlock()

	SortRecords(recs)
	return recs, nil
}

// Close is a no-op; the records live as long as the Memory value.
func (m *Memory) Close() error {
	return nil
}

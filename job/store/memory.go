package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process jobs where losing checkpoints on exit is acceptable
//
// MemStore is thread-safe and enforces the same optimistic version check as
// the database-backed stores, so conflict behavior can be tested without a
// database.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record // "kind\x00key" -> record
	now     func() time.Time
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	engine, err := job.New(def, st)
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func memKey(jobKind, instanceKey string) string {
	return jobKind + "\x00" + instanceKey
}

// Load retrieves the checkpoint for a job instance.
//
// The returned record is a copy; mutating it does not affect the store.
func (m *MemStore) Load(_ context.Context, jobKind, instanceKey string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[memKey(jobKind, instanceKey)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Save writes rec if its version matches the stored one.
func (m *MemStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(rec.JobKind, rec.InstanceKey)
	current, exists := m.records[key]

	switch {
	case !exists && rec.Version != 0:
		return ErrConflict
	case exists && current.Version != rec.Version:
		return ErrConflict
	}

	rec.Version++
	rec.UpdatedAt = m.now().UTC()
	m.records[key] = rec.Clone()
	return nil
}

// Delete removes the checkpoint for a job instance.
func (m *MemStore) Delete(_ context.Context, jobKind, instanceKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, memKey(jobKind, instanceKey))
	return nil
}

// Len returns the number of stored checkpoints.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MarshalJSON serializes every stored record to JSON.
//
// The output can be written to disk and restored with UnmarshalJSON, which is
// handy for carrying checkpoints across process restarts in tests and demos.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the store contents with the serialized records.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var in []Record
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]Record, len(in))
	for _, rec := range in {
		m.records[memKey(rec.JobKind, rec.InstanceKey)] = rec
	}
	if m.now == nil {
		m.now = time.Now
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a Repository kept in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory repository.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Compile-time check that InMemoryStore implements Repository.
var _ Repository = (*InMemoryStore)(nil)

func (s *InMemoryStore) Save(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Record
	if rec.ID != "" {
		if r, ok := s.records[rec.ID]; ok {
			existing = &r
		}
	}
	rec, err := prepareSave(rec, existing, s.now())
	if err != nil {
		return rec, err
	}
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	s.records[rec.ID] = rec
	slog.Debug("InMemoryStore.Save", "id", rec.ID, "type", rec.Type)
	return rec, nil
}

func (s *InMemoryStore) Fetch(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) FetchAll(ctx context.Context, recordType string) ([]Record, error) {
	return s.filter(recordType, func(Record) bool { return true }), nil
}

func (s *InMemoryStore) FetchAllWhere(ctx context.Context, recordType, field, value string) ([]Record, error) {
	return s.filter(recordType, func(r Record) bool {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(r.Data, &doc); err != nil {
			return false
		}
		raw, ok := doc[field]
		if !ok {
			return false
		}
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return false
		}
		return str == value
	}), nil
}

func (s *InMemoryStore) filter(recordType string, keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Type == recordType && keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryStore) Delete(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotPersisted
	}
	delete(s.records, rec.ID)
	slog.Debug("InMemoryStore.Delete", "id", rec.ID, "type", rec.Type)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Package store implements domain.ConversationStore on memory, SQLite and
// Redis.
package store

import (
	"context"
	"sync"

	"squadron/internal/domain"
)

// MemoryStore keeps records in process. Records are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.SessionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.SessionRecord)}
}

// Load returns nil, nil for an unknown session.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Save(_ context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.NewDomainError("MemoryStore.Save", domain.ErrInvalidInput, "record without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *cloneRecord(*rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Len reports the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func cloneRecord(rec domain.SessionRecord) *domain.SessionRecord {
	rec.Turns = append([]domain.Turn(nil), rec.Turns...)
	return &rec
}

var _ domain.ConversationStore = (*MemoryStore)(nil)

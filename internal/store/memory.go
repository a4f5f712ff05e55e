// ABOUTME: In-memory Store implementation for tests and local runs
// ABOUTME: Allows the bot to run without SQLite; returns copies to avoid aliasing

package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store and Journal implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	journal map[string][]*JournalEntry
	now     func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		journal: make(map[string][]*JournalEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// MergeUpdate upserts the patch keys into the record.
func (m *MemoryStore) MergeUpdate(ctx context.Context, userID string, patch Patch) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if len(patch) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID]
	if !ok {
		rec = &Record{UserID: userID, Fields: map[string]any{}}
		m.records[userID] = rec
	}
	maps.Copy(rec.Fields, patch)
	rec.UpdatedAt = m.now().UTC()
	return nil
}

// Delete removes the record and journal for a user.
func (m *MemoryStore) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, userID)
	delete(m.journal, userID)
	return nil
}

// AppendJournal stores a copy of the entry.
func (m *MemoryStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	m.journal[entry.UserID] = append(m.journal[entry.UserID], &e)
	return nil
}

// ListJournal returns copies of the latest entries, oldest first.
func (m *MemoryStore) ListJournal(ctx context.Context, userID string, limit int) ([]*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.journal[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]*JournalEntry, 0, len(entries))
	for _, e := range entries {
		c := *e
		result = append(result, &c)
	}
	return result, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store and Journal
var (
	_ Store   = (*MemoryStore)(nil)
	_ Journal = (*MemoryStore)(nil)
	_ Store   = (*SQLiteStore)(nil)
	_ Journal = (*SQLiteStore)(nil)
)

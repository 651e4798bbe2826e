package transcript

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore provides in-memory transcript storage. It mirrors the SQL
// store's semantics (tail-limited listing, thread upserts) for tests and
// throwaway instances.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []*Entry
	threads map[string]string
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]string)}
}

// Append stores the entry and fills in its ID and CreatedAt.
func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	if entry.SessionID == "" {
		return errors.New("transcript entry requires a session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = time.Now().UTC()

	stored := *entry
	m.entries = append(m.entries, &stored)
	return nil
}

// List returns the most recent limit entries in chronological order.
func (m *MemoryStore) List(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			matched = append(matched, e)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]*Entry, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// SaveAgentThread records the provider thread id for (session, role).
func (m *MemoryStore) SaveAgentThread(ctx context.Context, sessionID, role, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[sessionID+"\x00"+role] = threadID
	return nil
}

// GetAgentThread returns the saved thread id, or "" when none exists.
func (m *MemoryStore) GetAgentThread(ctx context.Context, sessionID, role string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threads[sessionID+"\x00"+role], nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

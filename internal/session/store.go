package session

import (
	"context"
	"sync"
)

// Store is the persistence interface for session rows, keyed by
// (owner, session id). Implementations must be safe for concurrent use and
// must return full, consistent records. Callers serialize mutations
// through the Locker, but reads may come from anywhere (the status API in
// particular).
//
// Get returns (nil, nil) when the session does not exist. Save performs a
// full-record replacement.
type Store interface {
	// GetOrCreate loads the session, creating a pending one with the given
	// declaration when it does not exist. The bool reports whether the
	// session was created by this call.
	GetOrCreate(ctx context.Context, ownerID, sessionID, modelName string, expectedViews []string) (*Session, bool, error)

	// Get loads a consistent snapshot of the session, or (nil, nil).
	Get(ctx context.Context, ownerID, sessionID string) (*Session, error)

	// Save persists the session record.
	Save(ctx context.Context, s *Session) error

	// Delete removes the session record. Deleting a missing session is not
	// an error.
	Delete(ctx context.Context, ownerID, sessionID string) error
}

// MemoryStore is an in-process Store for tests and single-node local runs.
// Records are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, ownerID, sessionID, modelName string, expectedViews []string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(ownerID, sessionID)
	if s, ok := m.sessions[key]; ok {
		return s.Clone(), false, nil
	}
	s := New(ownerID, sessionID, modelName, expectedViews)
	m.sessions[key] = s.Clone()
	return s, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[lockKey(ownerID, sessionID)]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[lockKey(s.OwnerID, s.SessionID)] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, ownerID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, lockKey(ownerID, sessionID))
	return nil
}

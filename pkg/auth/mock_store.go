package auth

import (
	"sync"
)

// MockStore implements CredentialStore for testing purposes
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]Session

	// Error injection for testing
	StoreError    error
	RetrieveError error
	ListError     error
	DeleteError   error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{sessions: make(map[string]Session)}
}

func (m *MockStore) Store(s *Session) error {
	if m.StoreError != nil {
		return m.StoreError
	}
	if s == nil || s.Username == "" {
		return ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Username] = *s
	return nil
}

func (m *MockStore) Retrieve(username string) (*Session, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[username]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &s, nil
}

func (m *MockStore) List() ([]*Session, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

func (m *MockStore) Delete(username string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[username]; !ok {
		return ErrCredentialsNotFound
	}
	delete(m.sessions, username)
	return nil
}

func (m *MockStore) Exists(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[username]
	return ok
}

// Count returns the number of stored sessions
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// NewMockManager creates a Manager backed by a single MockStore
func NewMockManager() (*Manager, *MockStore) {
	store := NewMockStore()
	return NewManagerWithStores(store), store
}

package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens for the life of the process. Expired tokens are
// dropped on read.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

func (m *MemoryStore) Set(_ context.Context, key, value string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = Token{Value: value, ExpiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	if tok.ExpiredAt(m.now()) {
		delete(m.tokens, key)
		return Token{}, ErrTokenExpired
	}
	return tok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

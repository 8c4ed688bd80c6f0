package oauth

import (
	"context"
	"sync"
	"time"
)

// TokenRecord is the stored outcome of a completed code exchange.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// TokenStore persists token records keyed by an application-chosen key,
// typically a user or session identifier.
type TokenStore interface {
	// Get returns the record for key. The bool reports whether a record
	// exists; absence is not an error.
	Get(ctx context.Context, key string) (TokenRecord, bool, error)

	// Put stores or replaces the record for key.
	Put(ctx context.Context, key string, rec TokenRecord) error

	// Delete removes the record for key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a process-local TokenStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]TokenRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]TokenRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (TokenRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

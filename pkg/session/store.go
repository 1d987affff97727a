// Package session provides the server-side session map backing login state
// and pending two-factor challenges. Sessions are opaque string-to-string
// maps keyed by a random session ID carried in a cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Store is the session collaborator. Implementations must make Regenerate
// atomic: all values move to the new ID and the old ID stops resolving.
type Store interface {
	// Get returns the value for key in session sid, and whether it was set.
	Get(ctx context.Context, sid, key string) (string, bool, error)

	// Put sets key to value in session sid, creating the session if needed.
	Put(ctx context.Context, sid, key, value string) error

	// Forget removes key from session sid.
	Forget(ctx context.Context, sid, key string) error

	// Pull removes key and returns its value, or def when unset.
	Pull(ctx context.Context, sid, key, def string) (string, error)

	// Regenerate re-keys the whole session under a fresh ID (session-fixation
	// mitigation) and returns the new ID.
	Regenerate(ctx context.Context, sid string) (string, error)

	// Destroy removes the session entirely.
	Destroy(ctx context.Context, sid string) error
}

// NewID returns a fresh 32-byte random session identifier.
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, sid, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.sessions[sid]
	if !ok {
		return "", false, nil
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, sid, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.sessions[sid]
	if !ok {
		values = make(map[string]string)
		s.sessions[sid] = values
	}
	values[key] = value
	return nil
}

func (s *MemoryStore) Forget(ctx context.Context, sid, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if values, ok := s.sessions[sid]; ok {
		delete(values, key)
	}
	return nil
}

func (s *MemoryStore) Pull(ctx context.Context, sid, key, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.sessions[sid]
	if !ok {
		return def, nil
	}
	value, ok := values[key]
	if !ok {
		return def, nil
	}
	delete(values, key)
	return value, nil
}

func (s *MemoryStore) Regenerate(ctx context.Context, sid string) (string, error) {
	newID, err := NewID()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.sessions[sid]
	if !ok {
		values = make(map[string]string)
	}
	delete(s.sessions, sid)
	s.sessions[newID] = values
	return newID, nil
}

func (s *MemoryStore) Destroy(ctx context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

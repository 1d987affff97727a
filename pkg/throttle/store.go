package throttle

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the fixed-window counter collaborator behind the login
// throttle. The window opens on the first hit and decays after its TTL;
// hits inside an open window do not extend it.
type CounterStore interface {
	// Hit increments the counter for key, opening a window of the given
	// length when none is active, and returns the new count.
	Hit(ctx context.Context, key string, decay time.Duration) (int64, error)

	// Attempts returns the current count for key, zero when no window is
	// active.
	Attempts(ctx context.Context, key string) (int64, error)

	// AvailableIn returns the time remaining in the active window, zero when
	// none is active.
	AvailableIn(ctx context.Context, key string) (time.Duration, error)

	// Clear resets the counter and closes the window.
	Clear(ctx context.Context, key string) error
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-process CounterStore for tests and
// single-node deployments.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryCounterStore) Hit(ctx context.Context, key string, decay time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = memoryEntry{count: 0, expiresAt: now.Add(decay)}
	}
	entry.count++
	s.entries[key] = entry
	return entry.count, nil
}

func (s *MemoryCounterStore) Attempts(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.now().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

func (s *MemoryCounterStore) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return 0, nil
	}
	remaining := entry.expiresAt.Sub(s.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *MemoryCounterStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// setClock overrides the clock for window-expiry tests.
func (s *MemoryCounterStore) setClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

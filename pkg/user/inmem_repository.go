package user

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemRepository is an in-process Repository for tests and single-node
// setups without a database. Saves are serialized under one mutex, which
// gives the per-user read-modify-write safety the recovery-code pool
// depends on.
type InMemRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
	now   func() time.Time
}

func NewInMemRepository() *InMemRepository {
	return &InMemRepository{
		users: make(map[uuid.UUID]User),
		now:   time.Now,
	}
}

func (r *InMemRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(email)
	for _, u := range r.users {
		if strings.ToLower(u.Email) == needle {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *InMemRepository) FindByID(ctx context.Context, id uuid.UUID) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *InMemRepository) Create(ctx context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := r.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.TwoFactorCapable = true
	r.users[u.ID] = u
	return u, nil
}

func (r *InMemRepository) Save(ctx context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.users[u.ID]
	if !ok {
		return User{}, ErrNotFound
	}
	if !current.UpdatedAt.Equal(u.UpdatedAt) {
		return User{}, ErrStale
	}
	u.CreatedAt = current.CreatedAt
	u.UpdatedAt = r.bumpClock(current.UpdatedAt)
	r.users[u.ID] = u
	return u, nil
}

// bumpClock guarantees UpdatedAt strictly advances even when two saves land
// within the clock's resolution, keeping the staleness check meaningful.
func (r *InMemRepository) bumpClock(previous time.Time) time.Time {
	now := r.now().UTC()
	if !now.After(previous) {
		now = previous.Add(time.Nanosecond)
	}
	return now
}

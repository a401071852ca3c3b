package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkaverin/tether/internal/common"
)

// InMemoryRepository keeps users in a map. Used by tests and local runs
// without a database.
type InMemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{users: make(map[string]*User)}
}

func (r *InMemoryRepository) Create(ctx context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.Username]; ok {
		return nil, common.ErrorAlreadyExists
	}

	stored := *user
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()
	r.users[stored.Username] = &stored

	return &stored, nil
}

func (r *InMemoryRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[username]
	if !ok {
		return nil, common.ErrorNotFound
	}

	copied := *user
	return &copied, nil
}

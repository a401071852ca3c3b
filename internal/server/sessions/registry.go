// Package sessions tracks which session id, if any, was last issued to a
// given client. The registry backs the challenge the server opens every
// connection with: a client that reconnects is told the session id it held,
// and can resume it without prompting the user.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tether:session:"

// Registry maps client ids to their most recently issued session id.
// Entries expire together with the session they refer to.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRegistry(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

// Current returns the session id last issued to clientID, or "" when the
// client has none (never authenticated, logged out, or expired).
func (r *Registry) Current(ctx context.Context, clientID string) (string, error) {
	val, err := r.rdb.Get(ctx, keyPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessions: get: %w", err)
	}
	return val, nil
}

// Assign records sessionID as the current session for clientID.
func (r *Registry) Assign(ctx context.Context, clientID string, sessionID string) error {
	if err := r.rdb.Set(ctx, keyPrefix+clientID, sessionID, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessions: set: %w", err)
	}
	return nil
}

// Drop removes the session recorded for clientID, if any.
func (r *Registry) Drop(ctx context.Context, clientID string) error {
	if err := r.rdb.Del(ctx, keyPrefix+clientID).Err(); err != nil {
		return fmt.Errorf("sessions: del: %w", err)
	}
	return nil
}

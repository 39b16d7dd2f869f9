// Package membership answers who may operate the gate.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/diagnosis/garage-gate/pkg/logger"
)

// Source lists allowed users keyed by chat user id, valued by display name.
type Source interface {
	GetAllowedUsers(ctx context.Context) (map[string]string, error)
}

// Static is a fixed allow-list, usually loaded from ALLOWED_USERS.
type Static map[string]string

func (s Static) GetAllowedUsers(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for id, name := range s {
		out[id] = name
	}
	return out, nil
}

// Cached serves a Source from memory and refreshes it after ttl. A failed
// refresh is returned to the caller; a stale list is never served.
type Cached struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	users   map[string]string
	fetched time.Time
}

func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, ttl: ttl, now: time.Now}
}

func (c *Cached) GetAllowedUsers(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.users != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.users, nil
	}

	users, err := c.src.GetAllowedUsers(ctx)
	if err != nil {
		c.users = nil
		return nil, err
	}
	c.users = users
	c.fetched = c.now()
	logger.DebugContext(ctx, "Membership list refreshed", "count", len(users))
	return users, nil
}

var (
	_ Source = Static(nil)
	_ Source = (*Cached)(nil)
	_ Source = (*Postgres)(nil)
)

// Package store holds short-lived gate state: verification tokens, action
// tokens and authorized sessions. Every backend guarantees that
// GetAndConsume hands a value to at most one caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/garage-gate/pkg/logger"
)

var (
	// ErrUnavailable wraps backend failures. Callers must treat it as "not found".
	ErrUnavailable = errors.New("store: backend unavailable")
	ErrInvalidTTL  = errors.New("store: ttl must be positive")
)

// Key prefixes keep token purposes in separate keyspaces.
const (
	PrefixVerify  = "verify:"
	PrefixAction  = "action:"
	PrefixSession = "session:"
)

type Store interface {
	// Put stores value under key until ttl elapses, replacing any prior value.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// GetAndConsume atomically reads and deletes key. Expired entries are
	// reported as not found.
	GetAndConsume(ctx context.Context, key string) (string, bool, error)
	// Exists reports whether key holds an unexpired value without consuming it.
	Exists(ctx context.Context, key string) (bool, error)
	// Sweep drops expired entries and returns how many were removed. Backends
	// with native expiry return zero.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, s Store, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				logger.WarnContext(ctx, "Store sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.DebugContext(ctx, "Store sweep removed expired entries", "removed", removed)
			}
		}
	}
}

// Package ratelimit implements sliding-window admission control, counted
// per identity and once globally.
package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or denies one event for key. A denial is reported as
// (false, nil); errors are reserved for backend failures.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Window time.Duration
	// PerKey caps events for a single key inside Window.
	PerKey int
	// Global caps events across all keys; zero disables the global counter.
	Global int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.PerKey <= 0 {
		c.PerKey = 5
	}
	return c
}

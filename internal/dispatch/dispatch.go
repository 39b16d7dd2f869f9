// Package dispatch delivers gate commands to the controller over a pub/sub
// broker. Each attempt uses a fresh connection; failures are retried a fixed
// number of times with a short backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/garage-gate/pkg/logger"
)

type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

func (a Action) Valid() bool {
	return a == ActionOpen || a == ActionClose
}

// Payload literals understood by the controller firmware.
const (
	PayloadOpen  = "up"
	PayloadClose = "down"
)

var (
	ErrUnknownAction = errors.New("dispatch: unknown action")
	ErrExhausted     = errors.New("dispatch: retries exhausted")
	ErrTimeout       = errors.New("dispatch: timed out")
)

// Payload maps an action to its wire literal.
func Payload(a Action) ([]byte, error) {
	switch a {
	case ActionOpen:
		return []byte(PayloadOpen), nil
	case ActionClose:
		return []byte(PayloadClose), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
}

// Transport publishes one payload with at-least-once semantics. Publish must
// open its own connection, wait for the broker acknowledgement and close the
// connection before returning.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Probe connects and disconnects without publishing.
	Probe(ctx context.Context) error
}

type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	Backoff        float64
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Backoff < 1 {
		c.Backoff = 1.5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 8 * time.Second
	}
	return c
}

type Dispatcher struct {
	transport Transport
	cfg       Config
	wait      func(ctx context.Context, d time.Duration) error
}

func New(t Transport, cfg Config) *Dispatcher {
	return &Dispatcher{
		transport: t,
		cfg:       cfg.withDefaults(),
		wait:      sleepContext,
	}
}

// SendCommand publishes the payload for action, retrying up to MaxAttempts.
// It never panics on transport failure; the returned error describes the
// last attempt.
func (d *Dispatcher) SendCommand(ctx context.Context, action Action) (bool, error) {
	payload, err := Payload(action)
	if err != nil {
		return false, err
	}

	delay := d.cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.attempt(ctx, payload)
		if lastErr == nil {
			logger.InfoContext(ctx, "Gate command sent", "action", action, "attempt", attempt)
			return true, nil
		}

		logger.WarnContext(ctx, "Gate command attempt failed",
			"action", action,
			"attempt", attempt,
			"max_attempts", d.cfg.MaxAttempts,
			"error", lastErr,
		)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		if err := d.wait(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay = time.Duration(float64(delay) * d.cfg.Backoff)
	}

	err = fmt.Errorf("%w: command %q after %d attempts: %v", ErrExhausted, action, d.cfg.MaxAttempts, lastErr)
	logger.ErrorContext(ctx, "Failed to send gate command", "action", action, "error", err)
	return false, err
}

// Probe checks broker reachability with a single bounded connection.
func (d *Dispatcher) Probe(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: probe panic: %v", r)
		}
	}()
	return d.transport.Probe(ctx)
}

func (d *Dispatcher) attempt(ctx context.Context, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()

	if err := d.transport.Publish(ctx, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

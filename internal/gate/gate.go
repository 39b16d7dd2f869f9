// Package gate implements the authorization protocol that turns a chat
// message into a garage door command: membership check, location
// challenge, short-lived session, single-use action menu and dispatch.
package gate

import (
	"context"
	"time"

	"github.com/diagnosis/garage-gate/internal/dispatch"
	"github.com/diagnosis/garage-gate/internal/geo"
	"github.com/diagnosis/garage-gate/internal/ratelimit"
	"github.com/diagnosis/garage-gate/internal/store"
)

type EventKind int

const (
	EventText EventKind = iota + 1
	EventPostback
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventPostback:
		return "postback"
	default:
		return "unknown"
	}
}

// Event is an inbound chat event. Data carries the postback payload.
type Event struct {
	Kind       EventKind
	UserID     string
	ReplyToken string
	Text       string
	Data       string
}

// State names where a user stands in the protocol. It is derived from the
// store and only used for logging.
type State string

const (
	StateUnverified          State = "unverified"
	StatePendingVerification State = "pending_verification"
	StateAuthorized          State = "authorized"
	StateActionPending       State = "action_pending"
	StateConsumed            State = "consumed"
)

// Membership lists the users allowed to operate the gate, keyed by user id.
type Membership interface {
	GetAllowedUsers(ctx context.Context) (map[string]string, error)
}

// Messenger delivers messages on the chat platform. A reply token is
// single-use and short-lived; push works at any time.
type Messenger interface {
	ReplyMessage(ctx context.Context, replyToken string, msgs []Message) error
	PushMessage(ctx context.Context, userID string, msgs []Message) error
}

type Commander interface {
	SendCommand(ctx context.Context, action dispatch.Action) (bool, error)
}

// LocationProof is the body of a location submission. Acc is nil when the
// browser did not report an accuracy.
type LocationProof struct {
	Token string
	Lat   *float64
	Lng   *float64
	Acc   *float64
}

type VerifyResult struct {
	OK         bool
	UserID     string
	DistanceKm float64
	AccuracyM  float64
	Bypassed   bool
}

type Config struct {
	TriggerText   string
	VerifyTTL     time.Duration
	SessionTTL    time.Duration
	ActionTTL     time.Duration
	VerifyURLBase string
	Fence         geo.Fence
	// DebugUsers skip the geofence. Empty unless debug mode is on.
	DebugUsers    []string
	NotifyRetries int
	NotifyDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TriggerText == "" {
		c.TriggerText = "開關門"
	}
	if c.VerifyTTL <= 0 {
		c.VerifyTTL = 300 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 300 * time.Second
	}
	if c.ActionTTL <= 0 {
		c.ActionTTL = 300 * time.Second
	}
	if c.NotifyRetries <= 0 {
		c.NotifyRetries = 3
	}
	if c.NotifyDelay < 0 {
		c.NotifyDelay = 0
	}
	return c
}

type Deps struct {
	Store     store.Store
	Members   Membership
	Messenger Messenger
	Limiter   ratelimit.Limiter
	Commander Commander
}

type Protocol struct {
	cfg       Config
	store     store.Store
	members   Membership
	messenger Messenger
	limiter   ratelimit.Limiter
	commander Commander
	debug     map[string]struct{}

	now      func() time.Time
	newToken func(n int) (string, error)
	wait     func(ctx context.Context, d time.Duration) error
}

type Option func(*Protocol)

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func WithTokenSource(fn func(n int) (string, error)) Option {
	return func(p *Protocol) { p.newToken = fn }
}

func New(cfg Config, deps Deps, opts ...Option) *Protocol {
	cfg = cfg.withDefaults()
	p := &Protocol{
		cfg:       cfg,
		store:     deps.Store,
		members:   deps.Members,
		messenger: deps.Messenger,
		limiter:   deps.Limiter,
		commander: deps.Commander,
		debug:     make(map[string]struct{}, len(cfg.DebugUsers)),
		now:       time.Now,
		newToken:  randomToken,
		wait:      sleepContext,
	}
	for _, id := range cfg.DebugUsers {
		p.debug[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

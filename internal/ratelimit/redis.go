package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// allowScript prunes both sorted sets, checks both caps and records the
// event in one atomic step.
//
// KEYS[1] per-key set, KEYS[2] global set
// ARGV: now_ms, cutoff_ms, window_ms, per_key, global, member
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
local global = tonumber(ARGV[5])
if global > 0 and redis.call('ZCARD', KEYS[2]) >= global then
	return 0
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

// Redis shares the window across replicas using one sorted set per key plus
// a global set, scored by event time in milliseconds.
type Redis struct {
	client *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string, cfg Config, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, cfg: cfg.withDefaults(), prefix: prefix + "rl:", now: now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMilli()
	window := r.cfg.Window.Milliseconds()

	res, err := allowScript.Run(ctx, r.client,
		[]string{r.prefix + "key:" + key, r.prefix + "global"},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-window, 10),
		strconv.FormatInt(window, 10),
		r.cfg.PerKey,
		r.cfg.Global,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

var _ Limiter = (*Redis)(nil)

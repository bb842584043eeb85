package noncegate

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGate is a Redis-backed gate. It widens the dedup window across worker
// restarts while keeping the same bounded-TTL contract; entries expire after
// the configured TTL. Cross-process dedup is best effort, not a delivery
// guarantee.
type RedisGate struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGate builds a gate on an existing Redis client. Keys are stored
// under prefix with the configured TTL; a non-positive TTL falls back to the
// default.
func NewRedisGate(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisGate {
	if prefix == "" {
		prefix = "noncegate"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGate{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (g *RedisGate) key(id string) string {
	return g.prefix + ":" + id
}

// Admit marks a previously unseen id as in flight using SETNX. Redis errors
// fail open: the message is admitted rather than silently dropped, since the
// design is at-least-once with best-effort dedup.
func (g *RedisGate) Admit(id string) bool {
	ok, err := g.rdb.SetNX(context.Background(), g.key(id), string(StateInFlight), g.ttl).Result()
	if err != nil {
		slog.Error("nonce gate admit failed, admitting anyway", slog.String("id", id), slog.Any("error", err))
		return true
	}
	return ok
}

// Complete finalizes an in-flight id as processed.
func (g *RedisGate) Complete(id string) {
	g.finalize(id, StateComplete)
}

// Failed finalizes an in-flight id as failed.
func (g *RedisGate) Failed(id string) {
	g.finalize(id, StateFailed)
}

func (g *RedisGate) finalize(id string, s State) {
	// XX keeps unknown ids a noop and KeepTTL preserves the dedup window
	// set at admission.
	err := g.rdb.SetXX(context.Background(), g.key(id), string(s), redis.KeepTTL).Err()
	if err != nil {
		slog.Error("nonce gate finalize failed", slog.String("id", id), slog.String("state", string(s)), slog.Any("error", err))
	}
}

// Lookup reports the tracked state of an id, if any.
func (g *RedisGate) Lookup(id string) (State, bool) {
	v, err := g.rdb.Get(context.Background(), g.key(id)).Result()
	if err != nil {
		return "", false
	}
	return State(v), true
}

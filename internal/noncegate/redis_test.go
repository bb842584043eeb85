package noncegate

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisGate(rdb, "test", time.Minute), mr
}

func TestRedisGate_AdmitOnce(t *testing.T) {
	g, _ := newRedisGate(t)

	assert.True(t, g.Admit("m1"))
	assert.False(t, g.Admit("m1"))

	st, ok := g.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, StateInFlight, st)
}

func TestRedisGate_Transitions(t *testing.T) {
	g, _ := newRedisGate(t)

	require.True(t, g.Admit("done"))
	g.Complete("done")
	st, ok := g.Lookup("done")
	require.True(t, ok)
	assert.Equal(t, StateComplete, st)

	require.True(t, g.Admit("broken"))
	g.Failed("broken")
	st, ok = g.Lookup("broken")
	require.True(t, ok)
	assert.Equal(t, StateFailed, st)
}

func TestRedisGate_FinalizeUnknownIDIsNoop(t *testing.T) {
	g, _ := newRedisGate(t)

	g.Complete("ghost")
	g.Failed("ghost")
	_, ok := g.Lookup("ghost")
	assert.False(t, ok)
}

func TestRedisGate_TTLEviction(t *testing.T) {
	g, mr := newRedisGate(t)

	require.True(t, g.Admit("m1"))
	mr.FastForward(2 * time.Minute)
	assert.True(t, g.Admit("m1"), "expired id should be admitted again")
}

func TestRedisGate_FailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewRedisGate(rdb, "test", time.Minute)
	mr.Close()

	assert.True(t, g.Admit("m1"), "gate must fail open on transport errors")
}

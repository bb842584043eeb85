package noncegate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUGate_AdmitOnce(t *testing.T) {
	g := NewLRUGate(16, time.Minute)

	assert.True(t, g.Admit("m1"))
	assert.False(t, g.Admit("m1"), "in-flight id must not be admitted twice")

	st, ok := g.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, StateInFlight, st)
}

func TestLRUGate_CompleteBlocksRedelivery(t *testing.T) {
	g := NewLRUGate(16, time.Minute)

	require.True(t, g.Admit("m1"))
	g.Complete("m1")

	st, ok := g.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, StateComplete, st)
	assert.False(t, g.Admit("m1"), "completed id stays blocked until eviction")
}

func TestLRUGate_FailedBlocksUntilEviction(t *testing.T) {
	g := NewLRUGate(2, time.Minute)

	require.True(t, g.Admit("m1"))
	g.Failed("m1")
	assert.False(t, g.Admit("m1"))

	// Capacity pressure evicts m1, after which it is admitted again.
	require.True(t, g.Admit("m2"))
	require.True(t, g.Admit("m3"))
	assert.True(t, g.Admit("m1"), "evicted id should be admitted again")
}

func TestLRUGate_FinalizeUnknownIDIsNoop(t *testing.T) {
	g := NewLRUGate(16, time.Minute)
	g.Complete("ghost")
	g.Failed("ghost")
	_, ok := g.Lookup("ghost")
	assert.False(t, ok)
}

func TestLRUGate_FinalStateIsSticky(t *testing.T) {
	g := NewLRUGate(16, time.Minute)
	require.True(t, g.Admit("m1"))
	g.Complete("m1")
	g.Failed("m1")
	st, ok := g.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, StateComplete, st, "final state must not transition again")
}

func TestLRUGate_ConcurrentAdmitSingleWinner(t *testing.T) {
	g := NewLRUGate(DefaultCapacity, time.Minute)

	const workers = 32
	var wg sync.WaitGroup
	admitted := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if g.Admit("contested") {
				admitted <- fmt.Sprintf("worker-%d", n)
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	var winners int
	for range admitted {
		winners++
	}
	assert.Equal(t, 1, winners, "exactly one admit may win per id")
}

func TestLRUGate_Defaults(t *testing.T) {
	g := NewLRUGate(0, 0)
	assert.True(t, g.Admit("m1"))
}

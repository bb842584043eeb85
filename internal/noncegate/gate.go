// Package noncegate provides bounded deduplication of message ids so that a
// redelivered message is not dispatched to the handler twice within the
// dedup window.
package noncegate

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// State is the lifecycle position of a tracked message id.
type State string

const (
	// StateInFlight marks an id that has been admitted and is being
	// processed.
	StateInFlight State = "in_flight"
	// StateComplete marks an id whose handler finished successfully.
	StateComplete State = "complete"
	// StateFailed marks an id whose processing failed. The id stays
	// blocked until the store evicts it.
	StateFailed State = "failed"
)

// Gate tracks which message ids have been seen. Implementations must be
// safe for concurrent use and must bound their memory.
type Gate interface {
	// Admit reports whether the id was previously unseen and, if so,
	// marks it in flight. A false return means the id is a duplicate.
	Admit(id string) bool
	// Complete transitions an in-flight id to its final complete state.
	Complete(id string)
	// Failed transitions an in-flight id to its final failed state.
	Failed(id string)
}

const (
	// DefaultCapacity bounds the in-process gate.
	DefaultCapacity = 16384
	// DefaultTTL is how long a seen id stays blocked.
	DefaultTTL = time.Hour
)

// LRUGate is the default process-scoped gate: a fixed-size expirable LRU.
// Entries fall out by capacity pressure or TTL, after which the same id is
// admitted again.
type LRUGate struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, State]
}

// NewLRUGate builds a gate with the given capacity and TTL. Non-positive
// values fall back to the defaults.
func NewLRUGate(capacity int, ttl time.Duration) *LRUGate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRUGate{cache: expirable.NewLRU[string, State](capacity, nil, ttl)}
}

// Admit marks a previously unseen id as in flight.
func (g *LRUGate) Admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.cache.Get(id); seen {
		return false
	}
	g.cache.Add(id, StateInFlight)
	return true
}

// Complete finalizes an in-flight id as processed.
func (g *LRUGate) Complete(id string) {
	g.finalize(id, StateComplete)
}

// Failed finalizes an in-flight id as failed.
func (g *LRUGate) Failed(id string) {
	g.finalize(id, StateFailed)
}

func (g *LRUGate) finalize(id string, s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.cache.Peek(id); !ok || st != StateInFlight {
		return
	}
	g.cache.Add(id, s)
}

// Lookup reports the tracked state of an id, if any.
func (g *LRUGate) Lookup(id string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Peek(id)
}

// Package worker implements the queue worker runtime: process fan-out,
// thread pools, cooperative shutdown, the broker adapter contract and the
// shared message dispatch flow.
package worker

import (
	"time"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/noncegate"
	"github.com/fairyhunter13/queue-worker/internal/serializer"
)

// Options configures a worker runtime. Build it with NewOptions so that the
// boolean defaults (Durable, Wait) come out true; zero values elsewhere are
// meaningful (ThreadCount 0 runs a single inline loop, Sleep 0 skips the
// idle pause).
type Options struct {
	// ForkCount is the number of child processes to spawn; 0 runs
	// in-process only.
	ForkCount int
	// ThreadCount is the number of worker threads per process; 0 runs a
	// single inline loop on the calling goroutine.
	ThreadCount int
	// Sleep is the idle pause after a poll that returned no message.
	Sleep time.Duration
	// GCFlushInterval is the minimum interval between forced garbage
	// collections; non-positive disables the hint.
	GCFlushInterval time.Duration
	// QueuePollWait is the long-poll wait passed to the broker fetch.
	QueuePollWait time.Duration
	// MQEndpoint is the broker connection string, used when no Client is
	// supplied.
	MQEndpoint string
	// Durable controls AMQP-style queue durability.
	Durable bool
	// Wait controls whether Start blocks until all workers exit.
	Wait bool
	// Adapter selects the broker backend.
	Adapter Adapter
	// Client is the broker client handle; its concrete type is
	// adapter-specific.
	Client any
	// Callbacks are the user-installed event sinks.
	Callbacks domain.Callbacks
	// Serializer is the payload codec; defaults to JSON.
	Serializer domain.Serializer
	// Verifier optionally validates message signatures before dispatch.
	Verifier domain.SignatureVerifier
	// Gate deduplicates message ids; defaults to the in-process LRU gate.
	Gate noncegate.Gate
}

// NewOptions returns Options with the documented defaults applied.
func NewOptions() Options {
	return Options{
		ThreadCount:     1,
		GCFlushInterval: 10 * time.Second,
		QueuePollWait:   15 * time.Second,
		Durable:         true,
		Wait:            true,
	}
}

// normalize fills in the pluggable collaborators that must never be nil.
func (o *Options) normalize() {
	if o.Serializer == nil {
		o.Serializer = serializer.JSON{}
	}
	if o.Gate == nil {
		o.Gate = noncegate.NewLRUGate(noncegate.DefaultCapacity, noncegate.DefaultTTL)
	}
}

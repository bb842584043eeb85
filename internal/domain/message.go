// Package domain defines the core types of the queue worker runtime:
// messages, queue specifications, retry policies and the contracts the
// runtime exposes to user code and broker adapters.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Message is a single queue message as the runtime sees it. The payload and
// context fields are opaque to the runtime; only the retry counter is mutated,
// and only on the AMQP-style path where the payload carries it.
type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Created       time.Time       `json:"created"`
	RetryAttempts int             `json:"retry_attempts"`
	Context       json.RawMessage `json:"context,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
}

// Args builds the handler-visible view of the message.
func (m *Message) Args() *MessageArgs {
	return &MessageArgs{
		Type:          m.Type,
		RetryAttempts: m.RetryAttempts,
		ID:            m.ID,
		Sent:          m.Created,
		Context:       m.Context,
		ContentType:   m.ContentType,
	}
}

// MessageArgs is passed to the handler alongside the raw content. All fields
// are read-only to the handler except Abort: setting it true requests
// rejection without returning an error.
type MessageArgs struct {
	Type          string
	RetryAttempts int
	ID            string
	Sent          time.Time
	Context       json.RawMessage
	ContentType   string
	Abort         bool
}

// Handler consumes a message's content. Returning an error (or panicking)
// causes the message to be rejected for retry subject to the queue's policy.
type Handler func(ctx context.Context, content []byte, args *MessageArgs) error

// QueueSpec describes a queue and its retry behavior. Immutable after the
// worker starts.
type QueueSpec struct {
	Name              string
	MaxRetryAttempts  int
	AllowRetry        bool
	AllowRetryBackOff bool
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
}

// Policy returns the retry policy bundle for the queue.
func (q QueueSpec) Policy() RetryPolicy {
	return RetryPolicy{
		MaxRetryAttempts:  q.MaxRetryAttempts,
		AllowRetry:        q.AllowRetry,
		AllowRetryBackOff: q.AllowRetryBackOff,
		RetryDelay:        q.RetryDelay,
		MaxRetryDelay:     q.MaxRetryDelay,
	}
}

// Serializer encodes queue messages to and from their wire payload.
type Serializer interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
	ContentType() string
}

// SignatureVerifier validates a message's cryptographic signature before it
// is dispatched. A verification failure is handled like a handler error.
type SignatureVerifier interface {
	Verify(ctx context.Context, msg *Message) error
}

// Callbacks holds the user-installed sinks for worker events. All fields are
// optional; a panicking callback is recovered and logged, never propagated.
type Callbacks struct {
	// OnError fires when a fetch, parse or handler failure is caught.
	// The message may be nil when the failure occurred before parse.
	OnError func(err error, msg *Message)
	// OnRetry fires after a message has been scheduled for redelivery.
	// The abort flag reports whether the handler requested the rejection.
	OnRetry func(msg *Message, abort bool)
	// OnRetryExceeded fires once per message that is terminally rejected
	// after reaching the maximum retry attempts.
	OnRetryExceeded func(msg *Message)
}

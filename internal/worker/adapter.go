package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/noncegate"
	"github.com/fairyhunter13/queue-worker/internal/observability"
)

// Adapter is the capability set a broker backend must implement. A single
// runtime drives heterogeneous brokers through this contract.
//
// FetchAndProcess fetches at most one message and reports whether one was
// received and processed. It must issue exactly one broker disposition (ack,
// retry-requeue or terminal drop) per admitted message before returning, and
// it must catch its own errors, route them through Env.ReportError and
// return false rather than propagate.
type Adapter interface {
	// Configure validates and stores adapter-specific options.
	Configure(opts Options) error
	// PreProcess runs once per process before worker threads spawn.
	PreProcess(ctx context.Context, env Env) error
	// FetchAndProcess fetches at most one message, dispatches it and
	// issues its disposition. Blocks up to the configured poll wait.
	FetchAndProcess(ctx context.Context, queue domain.QueueSpec, handler domain.Handler) bool
	// Stop releases adapter-held resources; it must be idempotent.
	Stop() error
}

// Env is the runtime surface adapters call back into: callback sinks and the
// shared nonce gate. The runtime implements it; tests substitute fakes.
type Env interface {
	ReportError(err error, msg *domain.Message)
	ReportRetry(msg *domain.Message, abort bool)
	ReportRetryExceeded(msg *domain.Message)
	Gate() noncegate.Gate
	Options() Options
}

// Outcome is the disposition Dispatch asks the adapter to issue.
type Outcome int

const (
	// OutcomeAck acknowledges the message permanently.
	OutcomeAck Outcome = iota
	// OutcomeReject rejects the message; the adapter applies the retry
	// policy to decide between requeue, terminal drop and silent drop.
	OutcomeReject
	// OutcomeDuplicate drops the message without a handler call because
	// the nonce gate had already seen its id. Adapters ack it so the
	// broker does not redeliver.
	OutcomeDuplicate
)

// Result is what Dispatch reports back to the adapter.
type Result struct {
	Outcome Outcome
	// Abort records whether the handler requested the rejection via
	// args.Abort rather than by failing.
	Abort bool
}

// Dispatch runs the broker-independent part of one message's processing:
// nonce admission, handler invocation and the gate transition. Handler
// failures are reported through Env.ReportError here; a handler that sets
// args.Abort is rejected without an error report.
func Dispatch(ctx context.Context, env Env, queue domain.QueueSpec, msg *domain.Message, handler domain.Handler) Result {
	gate := env.Gate()
	if !gate.Admit(msg.ID) {
		observability.DuplicatesTotal.WithLabelValues(queue.Name).Inc()
		observability.MessagesProcessedTotal.WithLabelValues(queue.Name, "duplicate").Inc()
		return Result{Outcome: OutcomeDuplicate}
	}

	args := msg.Args()
	start := time.Now()
	err := invoke(ctx, handler, msg.Content, args)
	observability.HandlerDuration.WithLabelValues(queue.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		env.ReportError(err, msg)
		gate.Failed(msg.ID)
		observability.MessagesProcessedTotal.WithLabelValues(queue.Name, "rejected").Inc()
		return Result{Outcome: OutcomeReject, Abort: args.Abort}
	}
	if args.Abort {
		gate.Failed(msg.ID)
		observability.MessagesProcessedTotal.WithLabelValues(queue.Name, "rejected").Inc()
		return Result{Outcome: OutcomeReject, Abort: true}
	}
	gate.Complete(msg.ID)
	observability.MessagesProcessedTotal.WithLabelValues(queue.Name, "acked").Inc()
	return Result{Outcome: OutcomeAck}
}

// invoke shields the runtime from a panicking handler.
func invoke(ctx context.Context, handler domain.Handler, content []byte, args *domain.MessageArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, content, args)
}

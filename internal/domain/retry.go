package domain

import "time"

// RetryPolicy is the immutable per-queue retry configuration read from the
// QueueSpec. It carries no logic of its own; it is input to the backoff
// calculator and the retry decision.
type RetryPolicy struct {
	MaxRetryAttempts  int
	AllowRetry        bool
	AllowRetryBackOff bool
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
}

// maxVisibilitySeconds is the broker-imposed ceiling on a visibility timeout
// (12 hours).
const maxVisibilitySeconds = 43200

// Delay computes the pause before the given retry attempt is redelivered.
// attempt is 1-indexed: it is the retry_attempts value of the delivery being
// scheduled. Without backoff the delay is constant; with backoff it grows
// linearly and is capped at MaxRetryDelay.
func Delay(attempt int, p RetryPolicy) time.Duration {
	if !p.AllowRetryBackOff {
		return p.RetryDelay
	}
	d := time.Duration(attempt) * p.RetryDelay
	if d > p.MaxRetryDelay {
		return p.MaxRetryDelay
	}
	return d
}

// VisibilitySeconds converts the backoff delay to a whole-second visibility
// timeout, rounded down and clamped to the 12 hour broker maximum.
func VisibilitySeconds(attempt int, p RetryPolicy) int32 {
	secs := int64(Delay(attempt, p) / time.Second)
	if secs > maxVisibilitySeconds {
		secs = maxVisibilitySeconds
	}
	return int32(secs)
}

// RetryDecision is the disposition of a rejected message under a policy.
type RetryDecision int

const (
	// DecideRetry schedules the message for redelivery.
	DecideRetry RetryDecision = iota
	// DecideExceeded terminally rejects the message and reports it.
	DecideExceeded
	// DecideDrop rejects the message with no redelivery and no
	// notification. This happens when retries are disabled for the queue
	// and the attempt limit has not been reached; the behavior is
	// intentional.
	DecideDrop
)

// Decide maps a rejected message's retry count onto its disposition.
// attempts is the number of prior deliveries the broker has recorded.
func Decide(p RetryPolicy, attempts int) RetryDecision {
	if attempts >= p.MaxRetryAttempts {
		return DecideExceeded
	}
	if !p.AllowRetry {
		return DecideDrop
	}
	return DecideRetry
}

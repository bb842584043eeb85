package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/noncegate"
)

type retryEvent struct {
	msg   *domain.Message
	abort bool
}

// fakeEnv records every report the dispatch flow makes.
type fakeEnv struct {
	gate noncegate.Gate
	opts Options

	mu       sync.Mutex
	errs     []error
	retries  []retryEvent
	exceeded []*domain.Message
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{gate: noncegate.NewLRUGate(128, time.Minute)}
}

func (f *fakeEnv) ReportError(err error, _ *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeEnv) ReportRetry(msg *domain.Message, abort bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryEvent{msg: msg, abort: abort})
}

func (f *fakeEnv) ReportRetryExceeded(msg *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceeded = append(f.exceeded, msg)
}

func (f *fakeEnv) Gate() noncegate.Gate { return f.gate }
func (f *fakeEnv) Options() Options     { return f.opts }

var testQueue = domain.QueueSpec{
	Name:              "orders",
	MaxRetryAttempts:  5,
	AllowRetry:        true,
	AllowRetryBackOff: true,
	RetryDelay:        time.Second,
	MaxRetryDelay:     30 * time.Second,
}

func TestDispatch_Success(t *testing.T) {
	env := newFakeEnv()
	msg := &domain.Message{ID: "a", Type: "order.created", Content: []byte(`{"n":1}`), RetryAttempts: 2}

	var gotArgs *domain.MessageArgs
	res := Dispatch(context.Background(), env, testQueue, msg, func(_ context.Context, content []byte, args *domain.MessageArgs) error {
		gotArgs = args
		assert.Equal(t, []byte(`{"n":1}`), content)
		return nil
	})

	assert.Equal(t, OutcomeAck, res.Outcome)
	require.NotNil(t, gotArgs)
	assert.Equal(t, "a", gotArgs.ID)
	assert.Equal(t, 2, gotArgs.RetryAttempts)
	assert.Empty(t, env.errs)

	st, ok := env.gate.(*noncegate.LRUGate).Lookup("a")
	require.True(t, ok)
	assert.Equal(t, noncegate.StateComplete, st)
}

func TestDispatch_HandlerError(t *testing.T) {
	env := newFakeEnv()
	msg := &domain.Message{ID: "a"}

	res := Dispatch(context.Background(), env, testQueue, msg, func(context.Context, []byte, *domain.MessageArgs) error {
		return errors.New("boom")
	})

	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.False(t, res.Abort)
	require.Len(t, env.errs, 1)

	st, ok := env.gate.(*noncegate.LRUGate).Lookup("a")
	require.True(t, ok)
	assert.Equal(t, noncegate.StateFailed, st)
}

func TestDispatch_Abort(t *testing.T) {
	env := newFakeEnv()
	msg := &domain.Message{ID: "a"}

	res := Dispatch(context.Background(), env, testQueue, msg, func(_ context.Context, _ []byte, args *domain.MessageArgs) error {
		args.Abort = true
		return nil
	})

	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.True(t, res.Abort)
	assert.Empty(t, env.errs, "abort must not fire on_error")

	st, ok := env.gate.(*noncegate.LRUGate).Lookup("a")
	require.True(t, ok)
	assert.Equal(t, noncegate.StateFailed, st)
}

func TestDispatch_HandlerPanic(t *testing.T) {
	env := newFakeEnv()
	msg := &domain.Message{ID: "a"}

	res := Dispatch(context.Background(), env, testQueue, msg, func(context.Context, []byte, *domain.MessageArgs) error {
		panic("kaput")
	})

	assert.Equal(t, OutcomeReject, res.Outcome)
	require.Len(t, env.errs, 1)
	assert.Contains(t, env.errs[0].Error(), "handler panic")
}

func TestDispatch_DuplicateSuppressed(t *testing.T) {
	env := newFakeEnv()
	require.True(t, env.gate.Admit("a"))

	called := false
	res := Dispatch(context.Background(), env, testQueue, &domain.Message{ID: "a"}, func(context.Context, []byte, *domain.MessageArgs) error {
		called = true
		return nil
	})

	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.False(t, called, "duplicate must not reach the handler")
}

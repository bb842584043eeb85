package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/noncegate"
	"github.com/fairyhunter13/queue-worker/internal/observability"
)

// childEnv marks a re-executed child process so that it skips the fork-out
// and runs its workers in-process.
const childEnv = "QUEUE_WORKER_CHILD"

// ProcessStatus records one worker process and its thread handles.
type ProcessStatus struct {
	PID     int
	Threads []int
}

// Status is the worker's process/thread inventory. It is appended to during
// start-up and not mutated once the workers have joined.
type Status struct {
	Processes []ProcessStatus
}

// Runtime drives a queue worker: it fans out processes, runs the per-thread
// fetch loop, handles signals and owns the callback sinks.
type Runtime struct {
	opts    Options
	queue   domain.QueueSpec
	handler domain.Handler

	running  atomic.Bool
	gcLast   atomic.Int64
	statusMu sync.Mutex
	status   Status
	wg       sync.WaitGroup
}

// New builds a runtime from the given options. Collaborators that must not
// be nil (serializer, nonce gate) are defaulted here.
func New(opts Options) *Runtime {
	opts.normalize()
	return &Runtime{opts: opts}
}

// Options returns the configuration the runtime was started with.
func (r *Runtime) Options() Options { return r.opts }

// Gate returns the shared nonce gate.
func (r *Runtime) Gate() noncegate.Gate { return r.opts.Gate }

// Running reports whether the worker loop is active.
func (r *Runtime) Running() bool { return r.running.Load() }

// Status returns a copy of the process/thread inventory.
func (r *Runtime) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	out := Status{Processes: make([]ProcessStatus, len(r.status.Processes))}
	copy(out.Processes, r.status.Processes)
	return out
}

// Start validates the configuration, configures the adapter and runs the
// worker. With ForkCount > 0 the current binary is re-executed ForkCount
// times and this process supervises the children; otherwise the worker runs
// in-process. When Wait is true, Start blocks until all workers exit.
func (r *Runtime) Start(queue domain.QueueSpec, handler domain.Handler) error {
	if r.opts.Adapter == nil {
		return domain.ErrMissingAdapter
	}
	if r.opts.Client == nil && r.opts.MQEndpoint == "" {
		return domain.ErrMissingClient
	}
	if !r.running.CompareAndSwap(false, true) {
		return domain.ErrWorkerRunning
	}

	r.queue = queue
	r.handler = handler

	if err := r.opts.Adapter.Configure(r.opts); err != nil {
		r.running.Store(false)
		return fmt.Errorf("configure adapter: %w", err)
	}

	if r.opts.ForkCount > 0 && os.Getenv(childEnv) == "" {
		return r.supervise()
	}
	return r.startProcess()
}

// Stop flips the running flag and releases the adapter. Threads observe the
// flag at the top of their next iteration; Stop does not join them.
func (r *Runtime) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	slog.Info("worker stopping", slog.String("queue", r.queue.Name))
	if err := r.opts.Adapter.Stop(); err != nil {
		slog.Error("adapter stop failed", slog.Any("error", err))
	}
}

// supervise re-executes the current binary ForkCount times with the child
// marker set and, unless Wait is false, blocks until every child exits.
// SIGINT and SIGTERM are forwarded to the children.
func (r *Runtime) supervise() error {
	exe, err := os.Executable()
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmds := make([]*exec.Cmd, 0, r.opts.ForkCount)
	for i := 0; i < r.opts.ForkCount; i++ {
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Env = append(os.Environ(), childEnv+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			r.running.Store(false)
			return fmt.Errorf("spawn worker process %d: %w", i, err)
		}
		r.recordProcess(cmd.Process.Pid, 0)
		cmds = append(cmds, cmd)
		slog.Info("worker process spawned", slog.Int("pid", cmd.Process.Pid))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		slog.Info("signal received, stopping children", slog.String("signal", sig.String()))
		for _, cmd := range cmds {
			_ = cmd.Process.Signal(sig)
		}
		r.Stop()
	}()

	if !r.opts.Wait {
		return nil
	}
	defer signal.Stop(sigCh)
	for _, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			slog.Error("worker process exited with error",
				slog.Int("pid", cmd.Process.Pid),
				slog.Any("error", err))
		}
	}
	return nil
}

// startProcess installs signal handlers, runs the adapter's one-shot hook
// and spawns the worker threads. ThreadCount 0 runs the loop inline on the
// calling goroutine.
func (r *Runtime) startProcess() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		slog.Info("signal received, stopping worker", slog.String("signal", sig.String()))
		r.Stop()
	}()

	ctx := context.Background()
	if err := r.opts.Adapter.PreProcess(ctx, r); err != nil {
		r.running.Store(false)
		return fmt.Errorf("adapter pre-process: %w", err)
	}

	threads := r.opts.ThreadCount
	r.recordProcess(os.Getpid(), threads)
	slog.Info("worker process starting",
		slog.String("queue", r.queue.Name),
		slog.Int("pid", os.Getpid()),
		slog.Int("threads", threads))

	if threads <= 0 {
		observability.WorkerThreads.Set(1)
		r.threadLoop(ctx, 0)
		return nil
	}

	observability.WorkerThreads.Set(float64(threads))
	for i := 0; i < threads; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.threadLoop(ctx, id)
		}(i)
	}
	if r.opts.Wait {
		r.wg.Wait()
		slog.Info("all worker threads exited", slog.String("queue", r.queue.Name))
	}
	return nil
}

// threadLoop is the per-thread fetch cycle. The adapter catches its own
// errors; anything that still escapes is logged, reported and re-panicked so
// the process dies and an external supervisor can respawn it.
func (r *Runtime) threadLoop(ctx context.Context, id int) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("worker thread %d: fatal: %v", id, rec)
			slog.Error("fatal worker thread error", slog.Int("thread", id), slog.Any("error", err))
			r.ReportError(err, nil)
			panic(rec)
		}
	}()

	for r.running.Load() {
		received := r.opts.Adapter.FetchAndProcess(ctx, r.queue, r.handler)
		r.gcFlush()
		if !received && r.opts.Sleep > 0 {
			time.Sleep(r.opts.Sleep)
		}
	}
	slog.Debug("worker thread exiting", slog.Int("thread", id))
}

// gcFlush forces a collection at most once per GCFlushInterval. The CAS
// keeps concurrent threads from stacking collections.
func (r *Runtime) gcFlush() {
	interval := r.opts.GCFlushInterval
	if interval <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := r.gcLast.Load()
	if now-last < int64(interval) {
		return
	}
	if r.gcLast.CompareAndSwap(last, now) {
		runtime.GC()
		observability.GCFlushesTotal.Inc()
	}
}

func (r *Runtime) recordProcess(pid, threads int) {
	st := ProcessStatus{PID: pid}
	for i := 0; i < threads; i++ {
		st.Threads = append(st.Threads, i)
	}
	r.statusMu.Lock()
	r.status.Processes = append(r.status.Processes, st)
	r.statusMu.Unlock()
}

// ReportError routes a caught failure to the on-error sink. The message may
// be nil when the failure occurred before parse. Callback panics are logged
// and swallowed to keep the worker alive.
func (r *Runtime) ReportError(err error, msg *domain.Message) {
	attrs := []any{slog.Any("error", err)}
	if msg != nil {
		attrs = append(attrs, slog.String("message_id", msg.ID))
	}
	slog.Error("worker error", attrs...)
	observability.FetchErrorsTotal.WithLabelValues(r.queue.Name).Inc()
	if cb := r.opts.Callbacks.OnError; cb != nil {
		r.safeCall("on_error", func() { cb(err, msg) })
	}
}

// ReportRetry routes a scheduled redelivery to the on-retry sink.
func (r *Runtime) ReportRetry(msg *domain.Message, abort bool) {
	slog.Info("message scheduled for retry",
		slog.String("message_id", msg.ID),
		slog.Int("retry_attempts", msg.RetryAttempts),
		slog.Bool("abort", abort))
	observability.MessageRetriesTotal.WithLabelValues(r.queue.Name).Inc()
	if cb := r.opts.Callbacks.OnRetry; cb != nil {
		r.safeCall("on_retry", func() { cb(msg, abort) })
	}
}

// ReportRetryExceeded routes a terminal rejection to the on-retry-exceeded
// sink.
func (r *Runtime) ReportRetryExceeded(msg *domain.Message) {
	slog.Warn("message exceeded retry attempts",
		slog.String("message_id", msg.ID),
		slog.Int("retry_attempts", msg.RetryAttempts))
	observability.RetryExceededTotal.WithLabelValues(r.queue.Name).Inc()
	if cb := r.opts.Callbacks.OnRetryExceeded; cb != nil {
		r.safeCall("on_retry_exceeded", func() { cb(msg) })
	}
}

func (r *Runtime) safeCall(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("callback panicked", slog.String("callback", name), slog.Any("panic", rec))
		}
	}()
	fn()
}

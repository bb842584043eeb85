// Package rabbitmq implements the AMQP-style broker adapter. Retries are
// delayed through a per-queue retry exchange: the rejected message is
// republished with a per-message TTL onto a holding queue that dead-letters
// back into the main queue when the TTL expires.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/worker"
)

// Connection is the subset of an AMQP connection the adapter needs. A
// *amqp.Connection satisfies it through the conn wrapper.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is the subset of AMQP channel operations used per fetch.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type conn struct{ c *amqp.Connection }

func (w conn) Channel() (Channel, error) { return w.c.Channel() }
func (w conn) Close() error              { return w.c.Close() }

// Adapter drives a push-based AMQP broker with manual acks. Channels are
// scoped to one fetch iteration; the connection is shared by all threads of
// the process and kept until Stop.
type Adapter struct {
	mu       sync.Mutex
	conn     Connection
	dialed   bool
	endpoint string
	durable  bool
	pollWait time.Duration
	ser      domain.Serializer
	env      worker.Env
}

// New returns an unconfigured adapter.
func New() *Adapter { return &Adapter{} }

// Configure validates and stores the adapter options. The client may be a
// *amqp.Connection, a Connection, or absent, in which case MQEndpoint is
// dialed lazily.
func (a *Adapter) Configure(opts worker.Options) error {
	switch c := opts.Client.(type) {
	case nil:
		if opts.MQEndpoint == "" {
			return domain.ErrMissingClient
		}
	case Connection:
		a.conn = c
	case *amqp.Connection:
		a.conn = conn{c}
	default:
		return fmt.Errorf("rabbitmq: unsupported client type %T", opts.Client)
	}
	a.endpoint = opts.MQEndpoint
	a.durable = opts.Durable
	a.pollWait = opts.QueuePollWait
	a.ser = opts.Serializer
	return nil
}

// PreProcess stores the runtime surface and establishes the connection so
// that connectivity problems surface before worker threads spawn.
func (a *Adapter) PreProcess(ctx context.Context, env worker.Env) error {
	a.env = env
	_, err := a.connection(ctx)
	return err
}

// connection returns the shared connection, dialing the endpoint with
// exponential backoff when the adapter owns it.
func (a *Adapter) connection(ctx context.Context) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}

	var c *amqp.Connection
	op := func() error {
		var err error
		c, err = amqp.Dial(a.endpoint)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.endpoint, err)
	}
	slog.Info("amqp connection established", slog.String("endpoint", a.endpoint))
	a.conn = conn{c}
	a.dialed = true
	return a.conn, nil
}

// FetchAndProcess fetches at most one message and disposes of it. Errors are
// reported through the runtime and yield false; the thread survives and
// polls again next iteration.
func (a *Adapter) FetchAndProcess(ctx context.Context, queue domain.QueueSpec, handler domain.Handler) bool {
	received, err := a.fetchOne(ctx, queue, handler)
	if err != nil {
		a.env.ReportError(err, nil)
	}
	return received
}

func (a *Adapter) fetchOne(ctx context.Context, queue domain.QueueSpec, handler domain.Handler) (bool, error) {
	c, err := a.connection(ctx)
	if err != nil {
		return false, err
	}
	ch, err := c.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}
	if err := a.declareTopology(ch, queue); err != nil {
		return false, err
	}

	tag := uuid.NewString()
	deliveries, err := ch.Consume(queue.Name, tag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", queue.Name, err)
	}

	timer := time.NewTimer(a.pollWait)
	defer timer.Stop()

	var d amqp.Delivery
	select {
	case del, ok := <-deliveries:
		if !ok {
			return false, fmt.Errorf("consume channel closed for %s", queue.Name)
		}
		d = del
	case <-timer.C:
		_ = ch.Cancel(tag, false)
		return false, nil
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		return false, nil
	}
	_ = ch.Cancel(tag, false)

	var msg domain.Message
	if err := a.ser.Unmarshal(d.Body, &msg); err != nil {
		// Left unacked on purpose: the channel close returns the
		// delivery to the queue, matching the fetch-error class.
		return false, fmt.Errorf("deserialize delivery %d: %w", d.DeliveryTag, err)
	}
	if msg.ID == "" {
		msg.ID = d.MessageId
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	res := worker.Dispatch(ctx, a.env, queue, &msg, handler)
	switch res.Outcome {
	case worker.OutcomeDuplicate, worker.OutcomeAck:
		if err := d.Ack(false); err != nil {
			return true, fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, err)
		}
		return true, nil
	default:
		if err := d.Reject(false); err != nil {
			return true, fmt.Errorf("reject delivery %d: %w", d.DeliveryTag, err)
		}
		return true, a.scheduleRetry(ctx, ch, queue, &msg, res.Abort)
	}
}

// scheduleRetry applies the retry policy after a reject. Under the attempt
// limit with retries enabled, the message is republished to the retry
// exchange with its backoff TTL; at or over the limit it is reported
// terminal. With retries disabled and attempts remaining the reject stands
// alone: no republish and no callback.
func (a *Adapter) scheduleRetry(ctx context.Context, ch Channel, queue domain.QueueSpec, msg *domain.Message, abort bool) error {
	policy := queue.Policy()
	switch domain.Decide(policy, msg.RetryAttempts) {
	case domain.DecideExceeded:
		a.env.ReportRetryExceeded(msg)
		return nil
	case domain.DecideDrop:
		return nil
	}

	msg.RetryAttempts++
	ttl := domain.Delay(msg.RetryAttempts, policy)
	body, err := a.ser.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize retry message %s: %w", msg.ID, err)
	}

	pub := amqp.Publishing{
		ContentType:  a.ser.ContentType(),
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(ttl.Milliseconds(), 10),
	}
	if err := ch.PublishWithContext(ctx, retryExchange(queue.Name), queue.Name, false, false, pub); err != nil {
		return fmt.Errorf("publish retry for %s: %w", msg.ID, err)
	}
	a.env.ReportRetry(msg, abort)
	return nil
}

// declareTopology declares the main queue, the retry exchange and the retry
// holding queue whose expired messages dead-letter back into the main queue.
func (a *Adapter) declareTopology(ch Channel, queue domain.QueueSpec) error {
	if _, err := ch.QueueDeclare(queue.Name, a.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue.Name, err)
	}
	ex := retryExchange(queue.Name)
	if err := ch.ExchangeDeclare(ex, "direct", a.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare retry exchange %s: %w", ex, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue.Name,
	}
	if _, err := ch.QueueDeclare(ex, a.durable, false, false, false, args); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", ex, err)
	}
	if err := ch.QueueBind(ex, queue.Name, ex, false, nil); err != nil {
		return fmt.Errorf("bind retry queue %s: %w", ex, err)
	}
	return nil
}

func retryExchange(queue string) string { return queue + ".retry" }

// Stop closes the connection when the adapter dialed it; externally supplied
// clients are left to their owner. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || !a.dialed {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.dialed = false
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

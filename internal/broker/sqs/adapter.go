// Package sqs implements the visibility-timeout broker adapter. Redelivery
// is driven by the queue's visibility timeout; the broker's
// ApproximateReceiveCount is authoritative for the retry count and the
// payload never carries it.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/worker"
)

// Client is the subset of the SQS API the adapter uses. *awssqs.Client
// satisfies it.
type Client interface {
	GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
}

// envelope is the outer JSON wrapper queue messages arrive in.
type envelope struct {
	Message string `json:"Message"`
}

// Adapter drives a pull-based cloud queue. The client's methods are safe for
// concurrent use, so all threads of a process share it.
type Adapter struct {
	client   Client
	pollWait time.Duration
	ser      domain.Serializer
	verifier domain.SignatureVerifier
	env      worker.Env

	mu        sync.Mutex
	queueURLs map[string]string
}

// New returns an unconfigured adapter.
func New() *Adapter { return &Adapter{queueURLs: make(map[string]string)} }

// Configure validates and stores the adapter options. The client must
// implement the Client subset of the SQS API.
func (a *Adapter) Configure(opts worker.Options) error {
	c, ok := opts.Client.(Client)
	if !ok || c == nil {
		return fmt.Errorf("sqs: client of type %T does not implement the SQS API: %w", opts.Client, domain.ErrMissingClient)
	}
	a.client = c
	a.pollWait = opts.QueuePollWait
	a.ser = opts.Serializer
	a.verifier = opts.Verifier
	return nil
}

// PreProcess stores the runtime surface.
func (a *Adapter) PreProcess(_ context.Context, env worker.Env) error {
	a.env = env
	return nil
}

// FetchAndProcess fetches at most one message and disposes of it. Errors are
// reported through the runtime and yield false.
func (a *Adapter) FetchAndProcess(ctx context.Context, queue domain.QueueSpec, handler domain.Handler) bool {
	received, err := a.fetchOne(ctx, queue, handler)
	if err != nil {
		a.env.ReportError(err, nil)
	}
	return received
}

func (a *Adapter) fetchOne(ctx context.Context, queue domain.QueueSpec, handler domain.Handler) (bool, error) {
	url, err := a.queueURL(ctx, queue.Name)
	if err != nil {
		return false, err
	}

	out, err := a.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(a.pollWait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return false, fmt.Errorf("receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return false, nil
	}
	raw := out.Messages[0]

	msg, err := a.decode(raw)
	if err != nil {
		return false, err
	}

	// failed defaults to false so the terminal branch below never depends
	// on state that was only set on the failure path.
	failed := false
	res := worker.Result{Outcome: worker.OutcomeAck}
	if a.verifier != nil {
		if verr := a.verifier.Verify(ctx, msg); verr != nil {
			a.env.ReportError(fmt.Errorf("signature validation for %s: %w", msg.ID, verr), msg)
			failed = true
			res = worker.Result{Outcome: worker.OutcomeReject}
		}
	}
	if !failed {
		res = worker.Dispatch(ctx, a.env, queue, msg, handler)
	}

	switch res.Outcome {
	case worker.OutcomeDuplicate, worker.OutcomeAck:
		if err := a.deleteMessage(ctx, url, raw.ReceiptHandle); err != nil {
			return true, err
		}
		return true, nil
	default:
		return true, a.reject(ctx, url, raw.ReceiptHandle, queue, msg, res.Abort)
	}
}

// reject applies the retry policy to a rejected message. Retries schedule a
// redelivery by extending the visibility timeout; exhausted or disabled
// retries remove the message, with the terminal case reported. A disabled
// retry under the attempt limit is removed silently on purpose.
func (a *Adapter) reject(ctx context.Context, url string, receipt *string, queue domain.QueueSpec, msg *domain.Message, abort bool) error {
	policy := queue.Policy()
	switch domain.Decide(policy, msg.RetryAttempts) {
	case domain.DecideExceeded:
		if err := a.deleteMessage(ctx, url, receipt); err != nil {
			return err
		}
		a.env.ReportRetryExceeded(msg)
		return nil
	case domain.DecideDrop:
		return a.deleteMessage(ctx, url, receipt)
	}

	secs := domain.VisibilitySeconds(msg.RetryAttempts, policy)
	_, err := a.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     receipt,
		VisibilityTimeout: secs,
	})
	if err != nil {
		return fmt.Errorf("change message visibility for %s: %w", msg.ID, err)
	}
	a.env.ReportRetry(msg, abort)
	return nil
}

// decode parses the outer envelope, runs the serializer on the inner payload
// and derives the retry count from ApproximateReceiveCount (1-indexed on the
// first delivery).
func (a *Adapter) decode(raw types.Message) (*domain.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	var msg domain.Message
	if err := a.ser.Unmarshal([]byte(env.Message), &msg); err != nil {
		return nil, fmt.Errorf("deserialize message: %w", err)
	}
	if msg.ID == "" {
		msg.ID = aws.ToString(raw.MessageId)
	}
	if count, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(count); err == nil && n > 0 {
			msg.RetryAttempts = n - 1
		}
	}
	return &msg, nil
}

func (a *Adapter) deleteMessage(ctx context.Context, url string, receipt *string) error {
	_, err := a.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: receipt,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// queueURL resolves and caches the queue URL.
func (a *Adapter) queueURL(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	if url, ok := a.queueURLs[name]; ok {
		a.mu.Unlock()
		return url, nil
	}
	a.mu.Unlock()

	out, err := a.client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url for %s: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)

	a.mu.Lock()
	a.queueURLs[name] = url
	a.mu.Unlock()
	return url, nil
}

// Stop clears the URL cache; the client is owned by the caller. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueURLs = make(map[string]string)
	return nil
}

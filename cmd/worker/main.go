// Package main provides the worker application entry point. It wires the
// environment configuration onto a worker runtime, picks the broker adapter
// and runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/queue-worker/internal/broker/rabbitmq"
	sqsbroker "github.com/fairyhunter13/queue-worker/internal/broker/sqs"
	"github.com/fairyhunter13/queue-worker/internal/config"
	"github.com/fairyhunter13/queue-worker/internal/domain"
	"github.com/fairyhunter13/queue-worker/internal/noncegate"
	"github.com/fairyhunter13/queue-worker/internal/observability"
	"github.com/fairyhunter13/queue-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)
	slog.SetDefault(logger)

	// Expose worker metrics on a dedicated endpoint so Prometheus can
	// scrape queue throughput and retry counters.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	opts := worker.NewOptions()
	opts.ForkCount = cfg.ForkCount
	opts.ThreadCount = cfg.ThreadCount
	opts.Sleep = cfg.IdleSleep
	opts.GCFlushInterval = cfg.GCFlushInterval
	opts.QueuePollWait = cfg.QueuePollWait
	opts.MQEndpoint = cfg.MQEndpoint
	opts.Durable = cfg.QueueDurable
	opts.Wait = cfg.Wait
	opts.Callbacks = domain.Callbacks{
		OnError: func(err error, msg *domain.Message) {
			if msg != nil {
				slog.Error("message failed", slog.String("message_id", msg.ID), slog.Any("error", err))
				return
			}
			slog.Error("worker iteration failed", slog.Any("error", err))
		},
		OnRetry: func(msg *domain.Message, abort bool) {
			slog.Info("message requeued", slog.String("message_id", msg.ID), slog.Bool("abort", abort))
		},
		OnRetryExceeded: func(msg *domain.Message) {
			slog.Warn("message dead", slog.String("message_id", msg.ID))
		},
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts.Gate = noncegate.NewRedisGate(rdb, cfg.ServiceName, cfg.NonceTTL)
	} else {
		opts.Gate = noncegate.NewLRUGate(cfg.NonceCapacity, cfg.NonceTTL)
	}

	switch cfg.Broker {
	case "sqs":
		awscfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			slog.Error("aws config load failed", slog.Any("error", err))
			os.Exit(1)
		}
		opts.Adapter = sqsbroker.New()
		opts.Client = awssqs.NewFromConfig(awscfg)
	case "rabbitmq":
		opts.Adapter = rabbitmq.New()
	default:
		slog.Error("unknown broker", slog.String("broker", cfg.Broker))
		os.Exit(1)
	}

	queue := domain.QueueSpec{
		Name:              cfg.QueueName,
		MaxRetryAttempts:  cfg.MaxRetryAttempts,
		AllowRetry:        cfg.AllowRetry,
		AllowRetryBackOff: cfg.AllowRetryBackOff,
		RetryDelay:        cfg.RetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
	}

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("broker", cfg.Broker),
		slog.String("queue", queue.Name),
		slog.Int("forks", cfg.ForkCount),
		slog.Int("threads", cfg.ThreadCount))

	rt := worker.New(opts)
	if err := rt.Start(queue, logMessage); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// logMessage is the default handler: it logs the message and acknowledges
// it. Real deployments embed the runtime and supply their own handler.
func logMessage(_ context.Context, content []byte, args *domain.MessageArgs) error {
	slog.Info("message received",
		slog.String("message_id", args.ID),
		slog.String("type", args.Type),
		slog.Int("retry_attempts", args.RetryAttempts),
		slog.Int("content_bytes", len(content)))
	return nil
}

// Package pubsub implements the crawl task queue on Google Cloud Pub/Sub.
// Delivery is at-least-once; tasks are idempotent so redelivery is harmless.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = crawler.ErrQueueClosed

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
	// MaxOutstanding caps unacknowledged deliveries held by this process.
	MaxOutstanding int
}

// Queue publishes tasks to a topic and receives them from a subscription.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	logger     *zap.Logger

	deliveries chan crawler.QueueItem
	startOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	stopped    chan struct{}
	recvErr    error
	closeOnce  sync.Once
}

// Open creates a client with Application Default Credentials and wraps it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := New(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close pubsub client after setup failed", zap.Error(closeErr))
		}
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// New wraps an existing client. The topic must exist; the subscription is
// only needed by consumers.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(cfg.Topic)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.Topic, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}

	q := &Queue{
		client:     client,
		topic:      topic,
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan crawler.QueueItem),
		stopped:    make(chan struct{}),
	}
	if cfg.Subscription != "" {
		q.sub = client.Subscription(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			q.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

// Enqueue publishes task as JSON and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	data, err := task.Encode()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{
		"task_kind": string(task.Kind),
	}}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))

	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", task.TargetID, err)
	}
	return nil
}

// Dequeue blocks until a task is delivered. The first call starts the
// subscription receiver.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	if q.sub == nil {
		return crawler.QueueItem{}, fmt.Errorf("pubsub subscription is not configured: %w", crawler.ErrConfigFatal)
	}
	q.startOnce.Do(func() { go q.receive() })
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.deliveries:
		return item, nil
	case <-q.stopped:
		if q.recvErr != nil {
			return crawler.QueueItem{}, &crawler.PermanentError{Err: fmt.Errorf("receive tasks: %w", q.recvErr)}
		}
		return crawler.QueueItem{}, ErrClosed
	}
}

func (q *Queue) receive() {
	defer close(q.stopped)
	err := q.sub.Receive(q.ctx, func(ctx context.Context, msg *pubsub.Message) {
		task, err := crawler.DecodeTask(msg.Data)
		if err != nil {
			q.logger.Warn("dropping undecodable task", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		attempt := 1
		if msg.DeliveryAttempt != nil {
			attempt = *msg.DeliveryAttempt
		}
		item := crawler.QueueItem{
			Task:      task,
			Attempt:   attempt,
			Submitted: msg.PublishTime.UnixNano(),
			Metadata:  msg.Attributes,
			Done: func(success bool) {
				if success {
					msg.Ack()
					return
				}
				msg.Nack()
			},
		}
		select {
		case q.deliveries <- item:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.recvErr = err
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops receiving, flushes pending publishes and releases the client
// when the queue created it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		q.topic.Stop()
		if q.ownsClient {
			if closeErr := q.client.Close(); closeErr != nil {
				err = fmt.Errorf("close pubsub client: %w", closeErr)
			}
		}
	})
	return err
}

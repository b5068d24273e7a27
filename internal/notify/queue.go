package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

// TaskDeliverNotification is the asynq task type carrying a Notification.
const TaskDeliverNotification = "notify:deliver"

const (
	queueName    = "notifications"
	taskMaxRetry = 8
	taskTimeout  = 2 * time.Minute
)

// ParseRedisURL turns a redis:// URL into asynq connection options.
func ParseRedisURL(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return opt, nil
}

// NewDeliveryTask wraps n in an asynq task.
func NewDeliveryTask(n Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(TaskDeliverNotification, payload,
		asynq.Queue(queueName),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(taskTimeout),
	), nil
}

// QueueSink enqueues appended events for durable, retried webhook delivery.
// It implements ledger.Sink.
type QueueSink struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewQueueSink creates a QueueSink on the given Redis connection.
func NewQueueSink(opt asynq.RedisConnOpt, logger *zap.Logger) *QueueSink {
	return &QueueSink{client: asynq.NewClient(opt), logger: logger}
}

// Name implements ledger.Sink.
func (s *QueueSink) Name() string { return "queue" }

// Consume implements ledger.Sink.
func (s *QueueSink) Consume(ctx context.Context, ev *ledger.Event) error {
	n, err := EventNotification(ev)
	if err != nil {
		return err
	}
	task, err := NewDeliveryTask(n)
	if err != nil {
		return err
	}
	info, err := s.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	s.logger.Debug("notification enqueued",
		zap.String("task_id", info.ID),
		zap.String("event_id", ev.ID.String()),
	)
	return nil
}

// Close releases the Redis connection.
func (s *QueueSink) Close() error { return s.client.Close() }

// Worker consumes queued notifications and delivers them through a
// WebhookDispatcher. Failed deliveries are retried by asynq.
type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	dispatcher *WebhookDispatcher
	logger     *zap.Logger
}

// NewWorker creates a Worker with the given concurrency.
func NewWorker(opt asynq.RedisConnOpt, concurrency int, dispatcher *WebhookDispatcher, logger *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 4
	}
	w := &Worker{
		dispatcher: dispatcher,
		logger:     logger,
		mux:        asynq.NewServeMux(),
	}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("notification task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	w.mux.HandleFunc(TaskDeliverNotification, w.handle)
	return w
}

// Start begins processing tasks in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown stops the worker, waiting for in-flight tasks.
func (w *Worker) Shutdown() { w.server.Shutdown() }

func (w *Worker) handle(ctx context.Context, t *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		// A malformed payload will never succeed.
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}
	return w.dispatcher.Deliver(ctx, n)
}

/**
 * Queue Consumer for the page OCR worker
 *
 * Receives submit and cancel tasks from Redis through Asynq and hands them to
 * the job controller. Handlers return as soon as the controller has accepted
 * the request; job progress flows back through the event publisher.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/processor"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeSubmit = "ocr:submit"
	TypeCancel = "ocr:cancel"
)

// JobController is the part of the controller the consumer drives
type JobController interface {
	Submit(sub processor.Submission) error
	Cancel(jobID int64) bool
}

// Consumer handles task consumption from the Redis queue
type Consumer struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	controller JobController
	logger     *logging.Logger
	config     *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Controller  JobController
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("Controller is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("queue")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := cfg.Logger
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "payload", string(task.Payload()), "error", err)
			}),
			Logger:   asynqLogger{logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	consumer := &Consumer{
		server:     server,
		mux:        asynq.NewServeMux(),
		controller: cfg.Controller,
		logger:     logger,
		config:     cfg,
	}
	consumer.mux.HandleFunc(TypeSubmit, consumer.handleSubmit)
	consumer.mux.HandleFunc(TypeCancel, consumer.handleCancel)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleSubmit forwards a submission to the controller. Submissions that can
// never succeed are not retried.
func (c *Consumer) handleSubmit(ctx context.Context, task *asynq.Task) error {
	var sub processor.Submission
	if err := json.Unmarshal(task.Payload(), &sub); err != nil {
		c.logger.Warn("Dropping malformed submission", "error", err)
		return fmt.Errorf("failed to unmarshal submission: %v: %w", err, asynq.SkipRetry)
	}

	c.logger.Info("Received submission", "job_id", sub.JobID, "pages", len(sub.PageIndexes))
	err := c.controller.Submit(sub)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, processor.ErrClosed):
		return err
	case errors.Is(err, processor.ErrDuplicate):
		c.logger.Warn("Ignoring duplicate submission", "job_id", sub.JobID)
		return fmt.Errorf("duplicate submission: %v: %w", err, asynq.SkipRetry)
	case werrors.CodeOf(err) == werrors.ErrorInputInvalid:
		return fmt.Errorf("invalid submission: %v: %w", err, asynq.SkipRetry)
	default:
		return fmt.Errorf("submission rejected: %v: %w", err, asynq.SkipRetry)
	}
}

func (c *Consumer) handleCancel(ctx context.Context, task *asynq.Task) error {
	var req processor.Cancellation
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return fmt.Errorf("failed to unmarshal cancellation: %v: %w", err, asynq.SkipRetry)
	}
	hit := c.controller.Cancel(req.JobID)
	c.logger.Info("Received cancellation", "job_id", req.JobID, "live", hit)
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// NewSubmitTask builds an ocr:submit task
func NewSubmitTask(sub processor.Submission) (*asynq.Task, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	return asynq.NewTask(TypeSubmit, payload), nil
}

// NewCancelTask builds an ocr:cancel task
func NewCancelTask(jobID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(processor.Cancellation{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cancellation: %w", err)
	}
	return asynq.NewTask(TypeCancel, payload), nil
}

// Client enqueues submit and cancel tasks
type Client struct {
	client *asynq.Client
	queue  string
}

// NewClient creates a task client for queue
func NewClient(redisURL, queue string) (*Client, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Client{client: asynq.NewClient(redisOpt), queue: queue}, nil
}

// Submit enqueues a submission and returns the task id
func (c *Client) Submit(ctx context.Context, sub processor.Submission) (string, error) {
	task, err := NewSubmitTask(sub)
	if err != nil {
		return "", err
	}
	return c.enqueue(ctx, task, asynq.MaxRetry(3))
}

// Cancel enqueues a cancellation and returns the task id
func (c *Client) Cancel(ctx context.Context, jobID int64) (string, error) {
	task, err := NewCancelTask(jobID)
	if err != nil {
		return "", err
	}
	return c.enqueue(ctx, task, asynq.MaxRetry(0))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (string, error) {
	opts = append(opts, asynq.Queue(c.queue), asynq.TaskID(uuid.NewString()))
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	return info.ID, nil
}

// Close closes the underlying client
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// asynqLogger routes asynq's internal log lines through the worker logger
type asynqLogger struct{ l *logging.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}

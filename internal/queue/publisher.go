/**
 * Redis event publisher for the page OCR worker
 *
 * Publishes every job event as JSON on <queue>:events and mirrors job
 * lifecycle into Redis sets and hashes so dashboards can poll status:
 * - <queue>:processing, <queue>:completed, <queue>:failed, <queue>:cancelled
 * - <queue>:status (job id -> latest status record)
 * - <queue>:results and <queue>:errors (job id -> terminal payload)
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

// StatusRecord is the value stored in the status hash
type StatusRecord struct {
	JobID     int64            `json:"jobId"`
	Status    processor.Status `json:"status"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"errorCode,omitempty"`
	Pages     int              `json:"pages,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Publisher is a processor.Sink backed by Redis
type Publisher struct {
	client  *redis.Client
	queue   string
	logger  *logging.Logger
	timeout time.Duration
}

// NewPublisher connects to Redis and returns a publisher for queue
func NewPublisher(redisURL, queue string, logger *logging.Logger) (*Publisher, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewPublisherWithClient(client, queue, logger), nil
}

// NewPublisherWithClient wraps an existing client
func NewPublisherWithClient(client *redis.Client, queue string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewLogger("publisher")
	}
	return &Publisher{client: client, queue: queue, logger: logger, timeout: 2 * time.Second}
}

// EventsChannel is the pub/sub channel events are published on
func (p *Publisher) EventsChannel() string { return EventsChannel(p.queue) }

// EventsChannel returns the pub/sub channel for queue
func EventsChannel(queue string) string { return queue + ":events" }

func (p *Publisher) key(suffix string) string { return fmt.Sprintf("%s:%s", p.queue, suffix) }

// Emit publishes e and updates lifecycle keys. Failures are logged; the
// pipeline never blocks on Redis.
func (p *Publisher) Emit(e processor.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event", "job_id", e.JobID, "type", e.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	id := strconv.FormatInt(e.JobID, 10)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.EventsChannel(), data)

	if rec, ok := statusFor(e); ok {
		recData, err := json.Marshal(rec)
		if err != nil {
			p.logger.Error("Failed to marshal status record", "job_id", e.JobID, "status", rec.Status, "error", err)
			return
		}
		pipe.HSet(ctx, p.key("status"), id, recData)
		switch rec.Status {
		case processor.StatusRunning:
			pipe.SAdd(ctx, p.key("processing"), id)
		case processor.StatusDone:
			pipe.SRem(ctx, p.key("processing"), id)
			pipe.SAdd(ctx, p.key("completed"), id)
			pipe.HSet(ctx, p.key("results"), id, data)
		case processor.StatusErrored:
			pipe.SRem(ctx, p.key("processing"), id)
			pipe.SAdd(ctx, p.key("failed"), id)
			pipe.HSet(ctx, p.key("errors"), id, data)
		case processor.StatusCancelled:
			pipe.SRem(ctx, p.key("processing"), id)
			pipe.SAdd(ctx, p.key("cancelled"), id)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("Failed to publish event", "job_id", e.JobID, "type", e.Type, "error", err)
	}
}

// statusFor maps an event to the status record it implies. Only page starts
// and terminals change status.
func statusFor(e processor.Event) (StatusRecord, bool) {
	rec := StatusRecord{JobID: e.JobID, UpdatedAt: time.Now().UTC()}
	switch e.Type {
	case processor.EventProgress:
		if e.PageIndex == nil || e.Stage != processor.StagePreprocess || e.Progress == nil || *e.Progress != 0 {
			return rec, false
		}
		rec.Status = processor.StatusRunning
	case processor.EventDone:
		rec.Status = processor.StatusDone
		rec.Pages = len(e.Pages)
	case processor.EventCancelled:
		rec.Status = processor.StatusCancelled
	case processor.EventError:
		rec.Status = processor.StatusErrored
		rec.Error = e.Error
		rec.ErrorCode = e.ErrorCode
	default:
		return rec, false
	}
	return rec, true
}

// GetStats returns queue lifecycle counters
func (p *Publisher) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 4)
	for _, set := range []string{"processing", "completed", "failed", "cancelled"} {
		n, err := p.client.SCard(ctx, p.key(set)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", set, err)
		}
		stats[set] = n
	}
	return stats, nil
}

// Status reads the stored status record for a job
func (p *Publisher) Status(ctx context.Context, jobID int64) (*StatusRecord, error) {
	raw, err := p.client.HGet(ctx, p.key("status"), strconv.FormatInt(jobID, 10)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var rec StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &rec, nil
}

// Close closes the Redis client
func (p *Publisher) Close() error {
	return p.client.Close()
}

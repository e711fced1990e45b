package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/risehq/rise-gateway/pkg/log"
)

const (
	queueKey            = "rise:tasks:workflow"
	processingKeyPrefix = "rise:tasks:processing:"
	consumersKey        = "rise:tasks:consumers"
	claimsKey           = "rise:tasks:claims"

	DefaultVisibilityTimeout = 5 * time.Minute
)

var ErrEnqueueFailed = errors.New("task enqueue failed")

func IsEnqueueFailed(err error) bool {
	return errors.Is(err, ErrEnqueueFailed)
}

// Queue is the durable FIFO the dispatcher feeds and workers drain.
type Queue interface {
	Enqueue(ctx context.Context, task *TaskEnvelope) error
	Dequeue(ctx context.Context, consumerID string, timeout time.Duration) (*TaskEnvelope, error)
	Ack(ctx context.Context, consumerID string, task *TaskEnvelope) error
	Length(ctx context.Context) (int64, error)
}

// RedisQueue implements Queue on a Redis list. Dequeue moves the element to
// a per-consumer processing list so a crash never loses it; the janitor
// returns stale claims to the main queue.
type RedisQueue struct {
	client            redis.UniversalClient
	visibilityTimeout time.Duration
	logger            *slog.Logger
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{
		client:            client,
		visibilityTimeout: DefaultVisibilityTimeout,
		logger:            log.WithModule("task_queue"),
	}
}

func processingKey(consumerID string) string {
	return processingKeyPrefix + consumerID
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *TaskEnvelope) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	if err := q.client.LPush(ctx, queueKey, encoded).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, consumerID string, timeout time.Duration) (*TaskEnvelope, error) {
	raw, err := q.client.BRPopLPush(ctx, queueKey, processingKey(consumerID), timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, consumersKey, consumerID)
	pipe.HSet(ctx, claimsKey, consumerID, strconv.FormatInt(time.Now().Unix(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("claim bookkeeping failed", "consumer_id", consumerID, "error", err)
	}

	var task TaskEnvelope
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Undecodable payloads are removed so they cannot wedge the list.
		q.client.LRem(ctx, processingKey(consumerID), 1, raw)

		return nil, fmt.Errorf("malformed task payload: %w", err)
	}

	task.raw = []byte(raw)

	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, consumerID string, task *TaskEnvelope) error {
	if task.raw == nil {
		return errors.New("task was not dequeued from this queue")
	}

	return q.client.LRem(ctx, processingKey(consumerID), 1, string(task.raw)).Err()
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// ReclaimStale walks every known consumer and re-enqueues processing entries
// whose claim is older than the visibility timeout.
func (q *RedisQueue) ReclaimStale(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, consumersKey).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	cutoff := time.Now().Add(-q.visibilityTimeout).Unix()

	for _, consumerID := range consumers {
		claimedAt, err := q.client.HGet(ctx, claimsKey, consumerID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return reclaimed, err
		}

		if err == nil {
			ts, parseErr := strconv.ParseInt(claimedAt, 10, 64)
			if parseErr == nil && ts > cutoff {
				continue
			}
		}

		for {
			raw, err := q.client.RPopLPush(ctx, processingKey(consumerID), queueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}

				return reclaimed, err
			}

			reclaimed++

			q.logger.Warn("reclaimed stale task",
				"consumer_id", consumerID,
				"payload_bytes", len(raw))
		}

		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, claimsKey, consumerID)
		pipe.SRem(ctx, consumersKey, consumerID)

		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, err
		}
	}

	return reclaimed, nil
}

// Janitor periodically reclaims stale in-flight tasks.
type Janitor struct {
	queue    *RedisQueue
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

func NewJanitor(queue *RedisQueue, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Janitor{
		queue:    queue,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithModule("queue_janitor"),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	go func() {
		defer close(j.done)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stop:
				return
			case <-ticker.C:
				reclaimed, err := j.queue.ReclaimStale(ctx)
				if err != nil {
					j.logger.Warn("janitor sweep failed", "error", err)

					continue
				}

				if reclaimed > 0 {
					j.logger.Info("janitor re-enqueued stale tasks", "count", reclaimed)
				}
			}
		}
	}()
}

func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

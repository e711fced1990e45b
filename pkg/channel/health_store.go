package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Error types counted per binding.
const (
	ErrorWorkflowMissing = "workflow_missing"
	ErrorEnqueueFailed   = "enqueue_failed"
)

const defaultHealthTTL = 900 * time.Second

// HealthCounters is the decoded per-binding error state.
type HealthCounters struct {
	WorkflowMissing     int64
	EnqueueFailed       int64
	LastHeartbeatAt     string
	LastHeartbeatStatus string
}

// HealthStore keeps short-lived per-binding error counters and heartbeat
// marks in Redis; the monitor reads them when scoring a binding.
type HealthStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewHealthStore(client redis.UniversalClient) *HealthStore {
	return &HealthStore{client: client, ttl: defaultHealthTTL}
}

func healthKey(channel, workflowID string) string {
	return fmt.Sprintf("rise:channel_binding:health:%s:%s", channel, workflowID)
}

// IncrementError bumps one error counter. Events without a workflow are
// dropped; there is no binding to attribute them to.
func (s *HealthStore) IncrementError(ctx context.Context, channel, workflowID, errorType string) error {
	if workflowID == "" {
		return nil
	}

	key := healthKey(channel, workflowID)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, errorType, 1)
	pipe.HSet(ctx, key, "updated_at", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, s.ttl)

	_, err := pipe.Exec(ctx)

	return err
}

// RecordHeartbeat marks the latest monitor probe outcome.
func (s *HealthStore) RecordHeartbeat(ctx context.Context, channel, workflowID, status string) error {
	key := healthKey(channel, workflowID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"last_heartbeat_at", time.Now().UTC().Format(time.RFC3339),
		"last_heartbeat_status", status)
	pipe.Expire(ctx, key, s.ttl)

	_, err := pipe.Exec(ctx)

	return err
}

// Reset clears the counters, typically after a kill switch fired.
func (s *HealthStore) Reset(ctx context.Context, channel, workflowID string) error {
	return s.client.Del(ctx, healthKey(channel, workflowID)).Err()
}

// Snapshot reads the current counters for a binding.
func (s *HealthStore) Snapshot(ctx context.Context, channel, workflowID string) (HealthCounters, error) {
	data, err := s.client.HGetAll(ctx, healthKey(channel, workflowID)).Result()
	if err != nil {
		return HealthCounters{}, err
	}

	counters := HealthCounters{
		LastHeartbeatAt:     data["last_heartbeat_at"],
		LastHeartbeatStatus: data["last_heartbeat_status"],
	}

	if raw, ok := data[ErrorWorkflowMissing]; ok {
		counters.WorkflowMissing, _ = strconv.ParseInt(raw, 10, 64)
	}

	if raw, ok := data[ErrorEnqueueFailed]; ok {
		counters.EnqueueFailed, _ = strconv.ParseInt(raw, 10, 64)
	}

	return counters, nil
}

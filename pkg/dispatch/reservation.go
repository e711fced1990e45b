package dispatch

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "rise:telegram:idempotency:"
	pendingKeyPrefix     = "rise:telegram:pending:"

	// Reservations and pending marks share the same day-long retention.
	reservationTTL = 86400 * time.Second
)

// Reservation is the outcome of claiming an idempotency key. When the claim
// loses, TaskID carries the winner's task so callers can re-acknowledge it.
type Reservation struct {
	TaskID    string
	Duplicate bool
}

// ReservationStore claims idempotency keys in Redis so each Telegram message
// is turned into at most one task, across every gateway replica.
type ReservationStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewReservationStore(client redis.UniversalClient) *ReservationStore {
	return &ReservationStore{client: client, ttl: reservationTTL}
}

// Reserve attempts to claim key for taskID. Losing the race returns the task
// ID already holding the claim. A claim that vanished between SET and GET is
// treated as won; the TTL makes that window a non-issue in practice.
func (s *ReservationStore) Reserve(ctx context.Context, key, taskID string) (Reservation, error) {
	fullKey := idempotencyKeyPrefix + key

	claimed, err := s.client.SetNX(ctx, fullKey, taskID, s.ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}

	if claimed {
		return Reservation{TaskID: taskID}, nil
	}

	existing, err := s.client.Get(ctx, fullKey).Result()
	if err == redis.Nil {
		return Reservation{TaskID: taskID}, nil
	}

	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation %s: %w", key, err)
	}

	return Reservation{TaskID: existing, Duplicate: true}, nil
}

// Release drops a claim so a failed enqueue can be retried by the user
// immediately instead of after the TTL.
func (s *ReservationStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// PendingTracker records the most recent queued task per chat so operators
// can see what a chat is waiting on.
type PendingTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewPendingTracker(client redis.UniversalClient) *PendingTracker {
	return &PendingTracker{client: client, ttl: reservationTTL}
}

func pendingKey(chatID string) string {
	return pendingKeyPrefix + chatID
}

// Track marks the chat as waiting on taskID.
func (t *PendingTracker) Track(ctx context.Context, chatID, taskID, workflowID string) error {
	key := pendingKey(chatID)

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key,
		"task_id", taskID,
		"workflow_id", workflowID,
		"queued_at", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, t.ttl)

	_, err := pipe.Exec(ctx)

	return err
}

// Clear removes the pending mark once the task resolved.
func (t *PendingTracker) Clear(ctx context.Context, chatID string) error {
	return t.client.Del(ctx, pendingKey(chatID)).Err()
}

// Pending returns the chat's pending mark, or nil when nothing is queued.
func (t *PendingTracker) Pending(ctx context.Context, chatID string) (map[string]string, error) {
	data, err := t.client.HGetAll(ctx, pendingKey(chatID)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, nil
	}

	return data, nil
}

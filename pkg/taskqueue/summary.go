package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/risehq/rise-gateway/pkg/log"
)

const (
	chatHistoryCollection = "chat_history"

	DefaultSummaryMaxEntries = 20
	DefaultSummaryTTL        = 3600 * time.Second
)

// SummaryEntry is one completed-run digest kept per chat.
type SummaryEntry struct {
	TaskID      string    `json:"task_id" bson:"task_id"`
	WorkflowID  string    `json:"workflow_id,omitempty" bson:"workflow_id,omitempty"`
	ChatID      string    `json:"chat_id" bson:"chat_id"`
	Summary     string    `json:"summary" bson:"summary"`
	RequestID   string    `json:"request_id,omitempty" bson:"request_id,omitempty"`
	PersistedAt time.Time `json:"persisted_at" bson:"persisted_at"`
}

// SummaryStore keeps the last N summaries per chat in a Redis list for fast
// prompt context and mirrors them into Mongo. Failures are logged and
// swallowed; summaries are best-effort.
type SummaryStore struct {
	redis      redis.UniversalClient
	collection *mongo.Collection
	maxEntries int
	ttl        time.Duration
	logger     *slog.Logger
}

func NewSummaryStore(redisClient redis.UniversalClient, db *mongo.Database, maxEntries int, ttl time.Duration) *SummaryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultSummaryMaxEntries
	}

	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}

	return &SummaryStore{
		redis:      redisClient,
		collection: db.Collection(chatHistoryCollection),
		maxEntries: maxEntries,
		ttl:        ttl,
		logger:     log.WithModule("summary_store"),
	}
}

func summaryKey(chatID string) string {
	return fmt.Sprintf("chat:%s:summary", chatID)
}

// Append writes the entry to both stores. Each store fails independently.
func (s *SummaryStore) Append(ctx context.Context, entry SummaryEntry) {
	if entry.PersistedAt.IsZero() {
		entry.PersistedAt = time.Now().UTC()
	}

	if err := s.writeRedis(ctx, entry); err != nil {
		s.logger.Warn("summary redis write failed", "chat_id", entry.ChatID, "error", err)
	}

	if err := s.writeMongo(ctx, entry); err != nil {
		s.logger.Warn("summary mongo write failed", "chat_id", entry.ChatID, "error", err)
	}
}

// Recent returns the newest-first cached summaries for a chat.
func (s *SummaryStore) Recent(ctx context.Context, chatID string, limit int) ([]SummaryEntry, error) {
	if limit <= 0 || limit > s.maxEntries {
		limit = s.maxEntries
	}

	raws, err := s.redis.LRange(ctx, summaryKey(chatID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]SummaryEntry, 0, len(raws))

	for _, raw := range raws {
		var entry SummaryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *SummaryStore) writeRedis(ctx context.Context, entry SummaryEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := summaryKey(entry.ChatID)

	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, encoded)
	pipe.LTrim(ctx, key, 0, int64(s.maxEntries-1))
	pipe.Expire(ctx, key, s.ttl)

	_, err = pipe.Exec(ctx)

	return err
}

func (s *SummaryStore) writeMongo(ctx context.Context, entry SummaryEntry) error {
	now := time.Now().UTC()
	update := bson.M{
		"$push": bson.M{
			"entries": bson.M{
				"$each":     []SummaryEntry{entry},
				"$position": 0,
				"$slice":    s.maxEntries,
			},
		},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.Update().SetUpsert(true)

	_, err := s.collection.UpdateOne(ctx, bson.M{"chat_id": entry.ChatID}, update, opts)

	return err
}

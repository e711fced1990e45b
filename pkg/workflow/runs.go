package workflow

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	runsCollection       = "workflow_runs"
	deadLetterCollection = "channel_binding_deadletters"
)

// Run statuses. Transitions only move forward.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// StageResult is one stage's output within a run.
type StageResult struct {
	StageID    string    `json:"stage_id" bson:"stage_id"`
	Output     string    `json:"output" bson:"output"`
	DurationMS int64     `json:"duration_ms" bson:"duration_ms"`
	FinishedAt time.Time `json:"finished_at" bson:"finished_at"`
}

// RunResult aggregates the outcome of a completed or failed run.
type RunResult struct {
	FinalText    string         `json:"final_text,omitempty" bson:"final_text,omitempty"`
	StageResults []StageResult  `json:"stage_results,omitempty" bson:"stage_results,omitempty"`
	Telemetry    map[string]any `json:"telemetry,omitempty" bson:"telemetry,omitempty"`
}

// RunRecord tracks one task execution. The task runtime is its only writer.
type RunRecord struct {
	TaskID          string         `json:"task_id" bson:"task_id"`
	WorkflowID      string         `json:"workflow_id" bson:"workflow_id"`
	Status          string         `json:"status" bson:"status"`
	Result          RunResult      `json:"result" bson:"result"`
	Error           string         `json:"error,omitempty" bson:"error,omitempty"`
	RetryCount      int            `json:"retry_count" bson:"retry_count"`
	PayloadSnapshot map[string]any `json:"payload_snapshot,omitempty" bson:"payload_snapshot,omitempty"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
}

// allowedPriors lists which statuses a target status may be entered from.
var allowedPriors = map[string][]string{
	RunRunning:   {RunPending, RunRunning},
	RunCompleted: {RunRunning},
	RunFailed:    {RunPending, RunRunning},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to string) bool {
	for _, prior := range allowedPriors[to] {
		if prior == from {
			return true
		}
	}

	return false
}

// RunStore persists run records.
type RunStore interface {
	CreatePending(ctx context.Context, record *RunRecord) error
	Transition(ctx context.Context, taskID, status string) error
	AppendStageResult(ctx context.Context, taskID string, result StageResult) error
	Complete(ctx context.Context, taskID string, result RunResult) error
	Fail(ctx context.Context, taskID, errorDetail string, retryCount int) error
	Get(ctx context.Context, taskID string) (*RunRecord, error)
}

// MongoRunStore implements RunStore over the workflow_runs collection.
// Status guards live in the update filters, so a stale writer loses the race
// instead of rolling a record backwards.
type MongoRunStore struct {
	collection *mongo.Collection
}

func NewMongoRunStore(db *mongo.Database) *MongoRunStore {
	return &MongoRunStore{collection: db.Collection(runsCollection)}
}

// EnsureIndexes creates the task id and recency indexes. Idempotent.
func (s *MongoRunStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "task_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})

	return err
}

func (s *MongoRunStore) CreatePending(ctx context.Context, record *RunRecord) error {
	now := time.Now().UTC()
	record.Status = RunPending
	record.CreatedAt = now
	record.UpdatedAt = now

	opts := options.Update().SetUpsert(true)
	update := bson.M{"$setOnInsert": record}

	_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": record.TaskID}, update, opts)

	return err
}

func (s *MongoRunStore) Transition(ctx context.Context, taskID, status string) error {
	priors, ok := allowedPriors[status]
	if !ok {
		return ErrInvalidTransition
	}

	filter := bson.M{"task_id": taskID, "status": bson.M{"$in": priors}}
	update := bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return s.transitionFailure(ctx, taskID)
	}

	return nil
}

func (s *MongoRunStore) AppendStageResult(ctx context.Context, taskID string, stageResult StageResult) error {
	filter := bson.M{"task_id": taskID, "status": RunRunning}
	update := bson.M{
		"$push": bson.M{"result.stage_results": stageResult},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return s.transitionFailure(ctx, taskID)
	}

	return nil
}

func (s *MongoRunStore) Complete(ctx context.Context, taskID string, runResult RunResult) error {
	filter := bson.M{"task_id": taskID, "status": RunRunning}
	update := bson.M{"$set": bson.M{
		"status":            RunCompleted,
		"result.final_text": runResult.FinalText,
		"result.telemetry":  runResult.Telemetry,
		"updated_at":        time.Now().UTC(),
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return s.transitionFailure(ctx, taskID)
	}

	return nil
}

func (s *MongoRunStore) Fail(ctx context.Context, taskID, errorDetail string, retryCount int) error {
	filter := bson.M{"task_id": taskID, "status": bson.M{"$in": allowedPriors[RunFailed]}}
	update := bson.M{"$set": bson.M{
		"status":      RunFailed,
		"error":       errorDetail,
		"retry_count": retryCount,
		"updated_at":  time.Now().UTC(),
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return s.transitionFailure(ctx, taskID)
	}

	return nil
}

func (s *MongoRunStore) Get(ctx context.Context, taskID string) (*RunRecord, error) {
	var record RunRecord

	err := s.collection.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}

		return nil, err
	}

	return &record, nil
}

func (s *MongoRunStore) transitionFailure(ctx context.Context, taskID string) error {
	count, err := s.collection.CountDocuments(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return err
	}

	if count == 0 {
		return ErrRunNotFound
	}

	return ErrInvalidTransition
}

// DeadLetter is the terminal record for a task that exhausted its retries.
type DeadLetter struct {
	TaskID     string         `json:"task_id" bson:"task_id"`
	WorkflowID string         `json:"workflow_id" bson:"workflow_id"`
	Channel    string         `json:"channel" bson:"channel"`
	ChatID     string         `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	Error      string         `json:"error" bson:"error"`
	RetryCount int            `json:"retry_count" bson:"retry_count"`
	Envelope   map[string]any `json:"envelope,omitempty" bson:"envelope,omitempty"`
	CreatedAt  time.Time      `json:"created_at" bson:"created_at"`
}

// DeadLetterStore appends exhausted tasks for operator review.
type DeadLetterStore interface {
	Insert(ctx context.Context, letter *DeadLetter) error
	Count(ctx context.Context, channel string) (int64, error)
}

type MongoDeadLetterStore struct {
	collection *mongo.Collection
}

func NewMongoDeadLetterStore(db *mongo.Database) *MongoDeadLetterStore {
	return &MongoDeadLetterStore{collection: db.Collection(deadLetterCollection)}
}

func (s *MongoDeadLetterStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel", Value: 1}, {Key: "created_at", Value: -1}},
	})

	return err
}

func (s *MongoDeadLetterStore) Insert(ctx context.Context, letter *DeadLetter) error {
	letter.CreatedAt = time.Now().UTC()

	_, err := s.collection.InsertOne(ctx, letter)

	return err
}

func (s *MongoDeadLetterStore) Count(ctx context.Context, channel string) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"channel": channel})
}

package channel

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const policiesCollection = "workflow_channels"

// Store persists channel binding policies.
type Store interface {
	GetPolicy(ctx context.Context, workflowID, channel string) (*BindingPolicy, error)
	ListPolicies(ctx context.Context, channel string) ([]*BindingPolicy, error)
	SavePolicy(ctx context.Context, policy *BindingPolicy) error
	DeletePolicy(ctx context.Context, workflowID, channel string) error
	RecordHealthSnapshot(ctx context.Context, workflowID, channel string, snapshot HealthSnapshot) error
	SetKillSwitch(ctx context.Context, workflowID, channel string, active bool, actor string) error
}

// MongoStore implements Store over the workflow_channels collection.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(policiesCollection)}
}

func policyFilter(workflowID, channel string) bson.M {
	return bson.M{"workflow_id": workflowID, "channel": channel}
}

// EnsureIndexes creates the unique binding index. Idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "channel", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return err
}

func (s *MongoStore) GetPolicy(ctx context.Context, workflowID, channel string) (*BindingPolicy, error) {
	var policy BindingPolicy

	err := s.collection.FindOne(ctx, policyFilter(workflowID, channel)).Decode(&policy)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPolicyNotFound
		}

		return nil, err
	}

	return &policy, nil
}

func (s *MongoStore) ListPolicies(ctx context.Context, channel string) ([]*BindingPolicy, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"channel": channel})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var policies []*BindingPolicy
	if err := cursor.All(ctx, &policies); err != nil {
		return nil, err
	}

	return policies, nil
}

func (s *MongoStore) SavePolicy(ctx context.Context, policy *BindingPolicy) error {
	opts := options.Replace().SetUpsert(true)

	_, err := s.collection.ReplaceOne(ctx, policyFilter(policy.WorkflowID, policy.Channel), policy, opts)

	return err
}

func (s *MongoStore) DeletePolicy(ctx context.Context, workflowID, channel string) error {
	result, err := s.collection.DeleteOne(ctx, policyFilter(workflowID, channel))
	if err != nil {
		return err
	}

	if result.DeletedCount == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

func (s *MongoStore) RecordHealthSnapshot(ctx context.Context, workflowID, channel string, snapshot HealthSnapshot) error {
	update := bson.M{"$set": bson.M{"metadata.health": snapshot}}

	result, err := s.collection.UpdateOne(ctx, policyFilter(workflowID, channel), update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

func (s *MongoStore) SetKillSwitch(ctx context.Context, workflowID, channel string, active bool, actor string) error {
	update := bson.M{"$set": bson.M{
		"kill_switch": active,
		"updated_by":  actor,
		"updated_at":  time.Now().UTC(),
	}}

	result, err := s.collection.UpdateOne(ctx, policyFilter(workflowID, channel), update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

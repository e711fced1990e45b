package workflow

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	workflowsCollection = "workflows"
	stagesCollection    = "workflow_stages"

	publishHistoryLimit = 50
)

// Repository reads workflow definitions from the workflows collection.
type Repository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database) *Repository {
	return &Repository{collection: db.Collection(workflowsCollection)}
}

func (r *Repository) Get(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	var workflow WorkflowDefinition

	err := r.collection.FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&workflow)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkflowNotFound
		}

		return nil, err
	}

	return &workflow, nil
}

func (r *Repository) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	cursor, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var workflows []*WorkflowDefinition
	if err := cursor.All(ctx, &workflows); err != nil {
		return nil, err
	}

	return workflows, nil
}

// RecordPublish appends to the bounded publish history and bumps the
// published version in one update.
func (r *Repository) RecordPublish(ctx context.Context, workflowID string, version int64, actor string) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"published_version": version,
			"updated_at":        now,
		},
		"$push": bson.M{
			"publish_history": bson.M{
				"$each":  []PublishRecord{{Version: version, PublishedAt: now, Actor: actor}},
				"$slice": -publishHistoryLimit,
			},
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"workflow_id": workflowID}, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return ErrWorkflowNotFound
	}

	return nil
}

// SetChannelEnabled flips the per-channel enable flag inside metadata.
func (r *Repository) SetChannelEnabled(ctx context.Context, workflowID, channel string, enabled bool, actor string) error {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"metadata.channels." + channel: bson.M{
			"enabled":    enabled,
			"updated_at": now.Format(time.RFC3339),
			"updated_by": actor,
		},
		"updated_at": now,
	}}

	result, err := r.collection.UpdateOne(ctx, bson.M{"workflow_id": workflowID}, update)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return ErrWorkflowNotFound
	}

	return nil
}

// StageRepository reads prompt stages from the workflow_stages collection.
type StageRepository struct {
	collection *mongo.Collection
}

func NewStageRepository(db *mongo.Database) *StageRepository {
	return &StageRepository{collection: db.Collection(stagesCollection)}
}

func (r *StageRepository) Get(ctx context.Context, stageID string) (*StageDefinition, error) {
	var stage StageDefinition

	err := r.collection.FindOne(ctx, bson.M{"stage_id": stageID}).Decode(&stage)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStageNotFound
		}

		return nil, err
	}

	return &stage, nil
}

// GetMany loads stages preserving the requested order.
func (r *StageRepository) GetMany(ctx context.Context, stageIDs []string) ([]*StageDefinition, error) {
	if len(stageIDs) == 0 {
		return nil, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"stage_id": bson.M{"$in": stageIDs}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stages []*StageDefinition
	if err := cursor.All(ctx, &stages); err != nil {
		return nil, err
	}

	byID := make(map[string]*StageDefinition, len(stages))
	for _, stage := range stages {
		byID[stage.StageID] = stage
	}

	ordered := make([]*StageDefinition, 0, len(stageIDs))

	for _, stageID := range stageIDs {
		stage, ok := byID[stageID]
		if !ok {
			return nil, ErrStageNotFound
		}

		ordered = append(ordered, stage)
	}

	return ordered, nil
}

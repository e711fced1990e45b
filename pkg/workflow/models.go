// Package workflow holds the read side of workflow definitions and the run
// records the task runtime writes while executing them.
package workflow

import "time"

// Workflow statuses. Only published, production, and active workflows are
// routable from a channel.
const (
	StatusDraft      = "draft"
	StatusPublished  = "published"
	StatusProduction = "production"
	StatusActive     = "active"
)

// PublishRecord is one entry of a workflow's bounded publish history.
type PublishRecord struct {
	Version     int64     `json:"version" bson:"version"`
	PublishedAt time.Time `json:"published_at" bson:"published_at"`
	Actor       string    `json:"actor,omitempty" bson:"actor,omitempty"`
}

// WorkflowDefinition is the stored workflow document. The gateway treats it
// as read-only except for channel-enable metadata and publish history.
type WorkflowDefinition struct {
	WorkflowID       string          `json:"workflow_id" bson:"workflow_id"`
	Name             string          `json:"name" bson:"name"`
	Status           string          `json:"status" bson:"status"`
	PublishedVersion int64           `json:"published_version" bson:"published_version"`
	Version          int64           `json:"version" bson:"version"`
	StageIDs         []string        `json:"stage_ids" bson:"stage_ids"`
	Model            string          `json:"model,omitempty" bson:"model,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty" bson:"metadata,omitempty"`
	PublishHistory   []PublishRecord `json:"publish_history,omitempty" bson:"publish_history,omitempty"`
	UpdatedBy        string          `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" bson:"updated_at"`
}

// Routable reports whether the workflow may receive channel traffic at all.
func (w *WorkflowDefinition) Routable() bool {
	switch w.Status {
	case StatusPublished, StatusProduction, StatusActive:
		return true
	default:
		return false
	}
}

// ChannelEnabled reads the per-channel enable flag out of workflow metadata,
// accepting the nested, camel-cased, and legacy layouts that exist in stored
// documents. Absent metadata means enabled.
func (w *WorkflowDefinition) ChannelEnabled(channel string) bool {
	metadata := w.Metadata
	if metadata == nil {
		return true
	}

	if channels, ok := metadata["channels"].(map[string]any); ok {
		if channelMeta, ok := channels[channel].(map[string]any); ok {
			if enabled, ok := channelMeta["enabled"].(bool); ok {
				return enabled
			}
		}
	}

	if enabled, ok := metadata[channel+"Enabled"].(bool); ok {
		return enabled
	}

	if enabled, ok := metadata["channelEnabled"].(bool); ok {
		return enabled
	}

	return true
}

// StageDefinition is a stored prompt stage referenced by workflows.
type StageDefinition struct {
	StageID        string    `json:"stage_id" bson:"stage_id"`
	Name           string    `json:"name" bson:"name"`
	PromptTemplate string    `json:"prompt_template" bson:"prompt_template"`
	ToolIDs        []string  `json:"tool_ids,omitempty" bson:"tool_ids,omitempty"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// Package events defines the typed event frames exchanged over the channel
// binding pub/sub topics and the in-process capability bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Pub/sub topics.
const BindingTopic = "channel.binding"
const BindingHealthTopic = "channel.binding.health"
const CapabilityTopic = "capability.state"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	BindingChangedEvent       EventType = "channel.binding.changed"
	BindingHealthChangedEvent EventType = "channel.binding.health"
	CredentialsRotatedEvent   EventType = "channel.webhook.credentials_rotated"
	CapabilityStateEvent      EventType = "capability.state_changed"
)

// Binding operations carried on BindingChanged frames.
const (
	OperationUpsert     = "upsert"
	OperationDelete     = "delete"
	OperationKillSwitch = "kill_switch"
	OperationRotate     = "rotate"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
}

// BindingChanged announces a create/update/delete/kill-switch/rotation of a
// channel binding. Registries react with a targeted refresh.
type BindingChanged struct {
	BaseEvent

	WorkflowID       string         `json:"workflow_id"`
	Operation        string         `json:"operation"`
	BindingVersion   int64          `json:"binding_version,omitempty"`
	PublishedVersion int64          `json:"published_version,omitempty"`
	Enabled          bool           `json:"enabled"`
	SecretVersion    int64          `json:"secret_version,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

func (e BindingChanged) GetType() EventType {
	return BindingChangedEvent
}

// BindingHealth carries a health snapshot for a bound workflow.
type BindingHealth struct {
	BaseEvent

	WorkflowID string         `json:"workflow_id"`
	Status     string         `json:"status"`
	Detail     map[string]any `json:"detail,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
}

func (e BindingHealth) GetType() EventType {
	return BindingHealthChangedEvent
}

// CredentialsRotated announces a webhook secret or certificate rotation.
type CredentialsRotated struct {
	BaseEvent

	WorkflowID    string `json:"workflow_id,omitempty"`
	SecretVersion int64  `json:"secret_version,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (e CredentialsRotated) GetType() EventType {
	return CredentialsRotatedEvent
}

// CapabilityState announces a capability status transition on the in-process
// bus.
type CapabilityState struct {
	BaseEvent

	Capability string `json:"capability"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

func (e CapabilityState) GetType() EventType {
	return CapabilityStateEvent
}

func NewBaseEvent(eventType EventType, channel string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
	}
}

// TopicFor maps an event type to the pub/sub topic it travels on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case BindingHealthChangedEvent:
		return BindingHealthTopic
	case CapabilityStateEvent:
		return CapabilityTopic
	default:
		return BindingTopic
	}
}

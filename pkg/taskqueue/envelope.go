// Package taskqueue implements the durable task runtime: a Redis list queue
// with crash recovery, the worker pool that executes workflow stages, and the
// result broker that wakes synchronous waiters.
package taskqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise-gateway/pkg/envelope"
)

const TaskTypeWorkflowExecute = "workflow.execute"

// Retry backoff bounds: delay = min(base<<count, max).
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultRetryMaxDelay  = 300 * time.Second
)

// RetryState tracks how often a task has been re-enqueued.
type RetryState struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

func (r RetryState) Exhausted() bool {
	return r.Count > r.Max
}

// RetryDelay computes the exponential backoff for an attempt, capped at max.
func RetryDelay(count int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}

	if max <= 0 {
		max = DefaultRetryMaxDelay
	}

	delay := base
	for i := 0; i < count; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	if delay > max {
		return max
	}

	return delay
}

// TaskUser identifies the chat the task answers into.
type TaskUser struct {
	ChatID    string `json:"chat_id"`
	MessageID *int64 `json:"message_id,omitempty"`
}

// TaskContext carries correlation and dedup identity.
type TaskContext struct {
	IdempotencyKey string   `json:"idempotency_key"`
	TraceID        string   `json:"trace_id,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
	User           TaskUser `json:"user"`
	Locale         string   `json:"locale,omitempty"`
}

// TaskPayload is the workload portion of an envelope.
type TaskPayload struct {
	WorkflowID     string                 `json:"workflow_id,omitempty"`
	WorkflowStatus string                 `json:"workflow_status,omitempty"`
	UserText       string                 `json:"user_text"`
	HistoryChunks  []string               `json:"history_chunks,omitempty"`
	Policy         map[string]any         `json:"policy,omitempty"`
	CoreEnvelope   *envelope.CoreEnvelope `json:"core_envelope,omitempty"`
	Telemetry      map[string]any         `json:"telemetry,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	Source         string                 `json:"source,omitempty"`
	ChannelPayload map[string]any         `json:"channel_payload,omitempty"`
	PendingReason  string                 `json:"pending_reason,omitempty"`
}

// TaskEnvelope is the unit of work carried on the broker queue.
type TaskEnvelope struct {
	TaskID    string      `json:"task_id"`
	TaskType  string      `json:"task_type"`
	Payload   TaskPayload `json:"payload"`
	Context   TaskContext `json:"context"`
	Retry     RetryState  `json:"retry"`
	CreatedAt time.Time   `json:"created_at"`

	// raw holds the exact bytes this envelope was dequeued as, so Ack can
	// remove the matching list element.
	raw []byte
}

func NewTaskEnvelope(payload TaskPayload, taskContext TaskContext) *TaskEnvelope {
	return &TaskEnvelope{
		TaskID:    uuid.New().String(),
		TaskType:  TaskTypeWorkflowExecute,
		Payload:   payload,
		Context:   taskContext,
		Retry:     RetryState{Max: DefaultMaxRetries},
		CreatedAt: time.Now().UTC(),
	}
}

package taskqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayCurve(t *testing.T) {
	base := 5 * time.Second
	max := 300 * time.Second

	assert.Equal(t, 5*time.Second, RetryDelay(0, base, max))
	assert.Equal(t, 10*time.Second, RetryDelay(1, base, max))
	assert.Equal(t, 20*time.Second, RetryDelay(2, base, max))
	assert.Equal(t, 40*time.Second, RetryDelay(3, base, max))
	assert.Equal(t, max, RetryDelay(10, base, max))
}

func TestRetryDelayDefaults(t *testing.T) {
	assert.Equal(t, DefaultRetryBaseDelay, RetryDelay(0, 0, 0))
}

func TestRetryExhaustion(t *testing.T) {
	retry := RetryState{Max: 3}

	for i := 0; i < 3; i++ {
		retry.Count++
		assert.False(t, retry.Exhausted(), "count %d", retry.Count)
	}

	retry.Count++
	assert.True(t, retry.Exhausted())
}

func TestNewTaskEnvelope(t *testing.T) {
	task := NewTaskEnvelope(
		TaskPayload{WorkflowID: "wf-1", UserText: "hello"},
		TaskContext{IdempotencyKey: "telegram:wf-1:42:7", User: TaskUser{ChatID: "42"}},
	)

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, TaskTypeWorkflowExecute, task.TaskType)
	assert.Equal(t, DefaultMaxRetries, task.Retry.Max)
	assert.Zero(t, task.Retry.Count)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestTaskEnvelopeJSONRoundTrip(t *testing.T) {
	messageID := int64(7)
	task := NewTaskEnvelope(
		TaskPayload{
			WorkflowID:    "wf-1",
			UserText:      "hello",
			HistoryChunks: []string{"earlier"},
			Policy:        map[string]any{"model": "default"},
		},
		TaskContext{
			IdempotencyKey: "telegram:wf-1:42:7",
			RequestID:      "req-1",
			User:           TaskUser{ChatID: "42", MessageID: &messageID},
			Locale:         "zh-CN",
		},
	)

	encoded, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded TaskEnvelope
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, task.TaskID, decoded.TaskID)
	assert.Equal(t, task.Payload.UserText, decoded.Payload.UserText)
	assert.Equal(t, task.Context.IdempotencyKey, decoded.Context.IdempotencyKey)
	require.NotNil(t, decoded.Context.User.MessageID)
	assert.EqualValues(t, 7, *decoded.Context.User.MessageID)
}

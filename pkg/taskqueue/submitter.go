package taskqueue

import (
	"context"
	"log/slog"

	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/workflow"
)

// Submitter persists the pending run record and enqueues the task. Broker
// failures surface as ErrEnqueueFailed for the dispatcher to translate.
type Submitter struct {
	queue  Queue
	runs   workflow.RunStore
	logger *slog.Logger
}

func NewSubmitter(queue Queue, runs workflow.RunStore) *Submitter {
	return &Submitter{
		queue:  queue,
		runs:   runs,
		logger: log.WithModule("task_submitter"),
	}
}

func (s *Submitter) Submit(ctx context.Context, task *TaskEnvelope) error {
	record := &workflow.RunRecord{
		TaskID:     task.TaskID,
		WorkflowID: task.Payload.WorkflowID,
		PayloadSnapshot: map[string]any{
			"user_text":       task.Payload.UserText,
			"idempotency_key": task.Context.IdempotencyKey,
			"request_id":      task.Context.RequestID,
			"chat_id":         task.Context.User.ChatID,
		},
	}

	if err := s.runs.CreatePending(ctx, record); err != nil {
		// The run record is bookkeeping; losing it must not block dispatch.
		s.logger.Warn("pending run record write failed",
			"task_id", task.TaskID,
			"workflow_id", task.Payload.WorkflowID,
			"error", err)
	}

	if err := s.queue.Enqueue(ctx, task); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "task enqueued",
		"task_id", task.TaskID,
		"workflow_id", task.Payload.WorkflowID,
		"idempotency_key", task.Context.IdempotencyKey)

	return nil
}

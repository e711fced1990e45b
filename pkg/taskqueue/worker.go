package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/workflow"
)

const (
	DefaultConcurrency    = 4
	defaultDequeueTimeout = 5 * time.Second
)

// WorkflowLoader resolves workflow definitions for execution.
type WorkflowLoader interface {
	Get(ctx context.Context, workflowID string) (*workflow.WorkflowDefinition, error)
}

// StageLoader resolves prompt stages in execution order.
type StageLoader interface {
	GetMany(ctx context.Context, stageIDs []string) ([]*workflow.StageDefinition, error)
}

// SummaryAppender records completed-run digests; best-effort.
type SummaryAppender interface {
	Append(ctx context.Context, entry SummaryEntry)
}

// ResultNotifier delivers terminal results to chats that are no longer
// waiting synchronously. Implementations decide whether a chat still needs
// the notification.
type ResultNotifier interface {
	NotifyResult(ctx context.Context, task *TaskEnvelope, result Result)
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency    int
	DequeueTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Pool runs N worker goroutines, each owning one in-flight task at a time.
type Pool struct {
	queue       Queue
	runs        workflow.RunStore
	workflows   WorkflowLoader
	stages      StageLoader
	executor    workflow.StageExecutor
	broker      *ResultBroker
	summaries   SummaryAppender
	deadLetters workflow.DeadLetterStore
	notifier    ResultNotifier

	config PoolConfig
	poolID string
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(
	queue Queue,
	runs workflow.RunStore,
	workflows WorkflowLoader,
	stages StageLoader,
	executor workflow.StageExecutor,
	broker *ResultBroker,
	summaries SummaryAppender,
	deadLetters workflow.DeadLetterStore,
	config PoolConfig,
) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}

	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaultDequeueTimeout
	}

	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}

	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = DefaultRetryMaxDelay
	}

	return &Pool{
		queue:       queue,
		runs:        runs,
		workflows:   workflows,
		stages:      stages,
		executor:    executor,
		broker:      broker,
		summaries:   summaries,
		deadLetters: deadLetters,
		config:      config,
		poolID:      uuid.New().String()[:8],
		logger:      log.WithModule("task_worker"),
	}
}

// SetNotifier wires the outbound result notifier. Must be called before
// Start.
func (p *Pool) SetNotifier(notifier ResultNotifier) {
	p.notifier = notifier
}

// Start launches the worker goroutines. They drain until Stop or context
// cancellation, finishing the task in hand first.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.config.Concurrency; i++ {
		consumerID := fmt.Sprintf("worker-%s-%d", p.poolID, i)

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			p.runLoop(runCtx, consumerID)
		}()
	}

	p.logger.Info("worker pool started", "concurrency", p.config.Concurrency, "pool_id", p.poolID)
}

// Stop cancels the pull loops and waits for in-flight tasks.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
	p.logger.Info("worker pool stopped", "pool_id", p.poolID)
}

func (p *Pool) runLoop(ctx context.Context, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.Dequeue(ctx, consumerID, p.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			p.logger.Warn("dequeue failed", "consumer_id", consumerID, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		if task == nil {
			continue
		}

		p.process(ctx, consumerID, task)

		if err := p.queue.Ack(ctx, consumerID, task); err != nil {
			p.logger.Warn("ack failed", "consumer_id", consumerID, "task_id", task.TaskID, "error", err)
		}
	}
}

func (p *Pool) process(ctx context.Context, consumerID string, task *TaskEnvelope) {
	logger := p.logger.With(
		"task_id", task.TaskID,
		"workflow_id", task.Payload.WorkflowID,
		"consumer_id", consumerID,
		"retry_count", task.Retry.Count)

	if err := p.runs.Transition(ctx, task.TaskID, workflow.RunRunning); err != nil {
		logger.Warn("run transition to running failed", "error", err)
	}

	finalText, err := p.execute(ctx, task)
	if err != nil {
		p.handleFailure(ctx, task, err, logger)

		return
	}

	result := workflow.RunResult{
		FinalText: finalText,
		Telemetry: map[string]any{
			"retry_count": task.Retry.Count,
			"source":      task.Payload.Source,
		},
	}

	if err := p.runs.Complete(ctx, task.TaskID, result); err != nil {
		logger.Warn("run completion write failed", "error", err)
	}

	taskResult := Result{
		TaskID:    task.TaskID,
		Status:    ResultSuccess,
		FinalText: finalText,
		Telemetry: result.Telemetry,
	}

	p.broker.Publish(taskResult)

	if p.notifier != nil {
		p.notifier.NotifyResult(ctx, task, taskResult)
	}

	if p.summaries != nil && task.Context.User.ChatID != "" {
		p.summaries.Append(ctx, SummaryEntry{
			TaskID:     task.TaskID,
			WorkflowID: task.Payload.WorkflowID,
			ChatID:     task.Context.User.ChatID,
			Summary:    summarize(task.Payload.UserText, finalText),
			RequestID:  task.Context.RequestID,
		})
	}

	logger.Info("task completed")
}

// execute runs every stage in order and returns the final stage's text.
func (p *Pool) execute(ctx context.Context, task *TaskEnvelope) (string, error) {
	if task.Payload.WorkflowID == "" {
		return "", permanent(workflow.ErrWorkflowNotFound)
	}

	definition, err := p.workflows.Get(ctx, task.Payload.WorkflowID)
	if err != nil {
		if workflow.IsWorkflowNotFound(err) {
			return "", permanent(err)
		}

		return "", err
	}

	if len(definition.StageIDs) == 0 {
		return "", permanent(fmt.Errorf("workflow %s has no stages", definition.WorkflowID))
	}

	stages, err := p.stages.GetMany(ctx, definition.StageIDs)
	if err != nil {
		if workflow.IsStageNotFound(err) {
			return "", permanent(err)
		}

		return "", err
	}

	model := definition.Model
	if configured, ok := task.Payload.Policy["model"].(string); ok && configured != "" {
		model = configured
	}

	history := append([]string(nil), task.Payload.HistoryChunks...)

	var outputs []string

	for _, stage := range stages {
		vars := map[string]string{
			"user_text":              task.Payload.UserText,
			"chat_summary":           strings.Join(task.Payload.HistoryChunks, "\n"),
			"previous_stage_outputs": strings.Join(outputs, "\n"),
			"request_id":             task.Context.RequestID,
			"workflow_id":            definition.WorkflowID,
		}

		prompt := workflow.RenderPrompt(stage.PromptTemplate, vars)

		started := time.Now()

		output, err := p.executor.Invoke(ctx, workflow.StageRequest{
			Prompt:    prompt,
			History:   history,
			RequestID: task.Context.RequestID + ":" + stage.StageID,
			Model:     model,
		})
		if err != nil {
			return "", fmt.Errorf("stage %s: %w", stage.StageID, err)
		}

		if strings.TrimSpace(output) == "" {
			return "", permanent(fmt.Errorf("stage %s: %w", stage.StageID, workflow.ErrEmptyStageOutput))
		}

		if err := p.runs.AppendStageResult(ctx, task.TaskID, workflow.StageResult{
			StageID:    stage.StageID,
			Output:     output,
			DurationMS: time.Since(started).Milliseconds(),
			FinishedAt: time.Now().UTC(),
		}); err != nil {
			p.logger.Warn("stage result write failed", "task_id", task.TaskID, "stage_id", stage.StageID, "error", err)
		}

		history = append(history, output)
		outputs = append(outputs, output)
	}

	return outputs[len(outputs)-1], nil
}

func (p *Pool) handleFailure(ctx context.Context, task *TaskEnvelope, taskErr error, logger *slog.Logger) {
	task.Retry.Count++

	if !isPermanent(taskErr) && !task.Retry.Exhausted() {
		delay := RetryDelay(task.Retry.Count, p.config.RetryBaseDelay, p.config.RetryMaxDelay)

		logger.Warn("task failed, scheduling retry",
			"error", taskErr,
			"next_retry_count", task.Retry.Count,
			"delay", delay.String())

		p.scheduleRetry(ctx, task, delay)

		return
	}

	logger.Error("task failed permanently", "error", taskErr)

	if err := p.runs.Fail(ctx, task.TaskID, taskErr.Error(), task.Retry.Count); err != nil {
		logger.Warn("run failure write failed", "error", err)
	}

	if p.deadLetters != nil {
		letter := &workflow.DeadLetter{
			TaskID:     task.TaskID,
			WorkflowID: task.Payload.WorkflowID,
			Channel:    "telegram",
			ChatID:     task.Context.User.ChatID,
			Error:      taskErr.Error(),
			RetryCount: task.Retry.Count,
		}

		if task.Payload.CoreEnvelope != nil {
			letter.Envelope = map[string]any{
				"request_id": task.Context.RequestID,
				"user_text":  task.Payload.UserText,
			}
		}

		if err := p.deadLetters.Insert(ctx, letter); err != nil {
			logger.Warn("dead letter write failed", "error", err)
		}
	}

	taskResult := Result{
		TaskID: task.TaskID,
		Status: ResultFailed,
		Error:  taskErr.Error(),
	}

	p.broker.Publish(taskResult)

	if p.notifier != nil {
		p.notifier.NotifyResult(ctx, task, taskResult)
	}
}

// scheduleRetry re-enqueues the task after the backoff delay. On shutdown
// the task goes back immediately so it is not lost.
func (p *Pool) scheduleRetry(ctx context.Context, task *TaskEnvelope, delay time.Duration) {
	requeue := *task
	requeue.raw = nil

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}

		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := p.queue.Enqueue(enqueueCtx, &requeue); err != nil {
			p.logger.Error("retry enqueue failed", "task_id", requeue.TaskID, "error", err)
		}
	}()
}

func summarize(userText, finalText string) string {
	const maxLen = 200

	entry := "Q: " + truncate(userText, maxLen) + " A: " + truncate(finalText, maxLen)

	return entry
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}

	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}

	return text[:cut]
}

package taskqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise-gateway/pkg/workflow"
)

type memoryQueue struct {
	mu    sync.Mutex
	tasks chan *TaskEnvelope
	acked []string
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{tasks: make(chan *TaskEnvelope, 64)}
}

func (q *memoryQueue) Enqueue(_ context.Context, task *TaskEnvelope) error {
	q.tasks <- task

	return nil
}

func (q *memoryQueue) Dequeue(ctx context.Context, _ string, timeout time.Duration) (*TaskEnvelope, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memoryQueue) Ack(_ context.Context, _ string, task *TaskEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.acked = append(q.acked, task.TaskID)

	return nil
}

func (q *memoryQueue) Length(_ context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

type memoryRunStore struct {
	mu      sync.Mutex
	records map[string]*workflow.RunRecord
	stages  map[string][]workflow.StageResult
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{
		records: make(map[string]*workflow.RunRecord),
		stages:  make(map[string][]workflow.StageResult),
	}
}

func (s *memoryRunStore) CreatePending(_ context.Context, record *workflow.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.TaskID]; exists {
		return nil
	}

	copied := *record
	copied.Status = workflow.RunPending
	s.records[record.TaskID] = &copied

	return nil
}

func (s *memoryRunStore) Transition(_ context.Context, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return workflow.ErrRunNotFound
	}

	if !workflow.CanTransition(record.Status, status) {
		return workflow.ErrInvalidTransition
	}

	record.Status = status

	return nil
}

func (s *memoryRunStore) AppendStageResult(_ context.Context, taskID string, result workflow.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stages[taskID] = append(s.stages[taskID], result)

	return nil
}

func (s *memoryRunStore) Complete(_ context.Context, taskID string, result workflow.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return workflow.ErrRunNotFound
	}

	if !workflow.CanTransition(record.Status, workflow.RunCompleted) {
		return workflow.ErrInvalidTransition
	}

	record.Status = workflow.RunCompleted
	record.Result = result

	return nil
}

func (s *memoryRunStore) Fail(_ context.Context, taskID, errorDetail string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return workflow.ErrRunNotFound
	}

	record.Status = workflow.RunFailed
	record.Error = errorDetail
	record.RetryCount = retryCount

	return nil
}

func (s *memoryRunStore) Get(_ context.Context, taskID string) (*workflow.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}

	copied := *record

	return &copied, nil
}

func (s *memoryRunStore) status(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return ""
	}

	return record.Status
}

type memoryWorkflows struct {
	definitions map[string]*workflow.WorkflowDefinition
}

func (m *memoryWorkflows) Get(_ context.Context, workflowID string) (*workflow.WorkflowDefinition, error) {
	definition, ok := m.definitions[workflowID]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}

	return definition, nil
}

type memoryStages struct {
	stages map[string]*workflow.StageDefinition
}

func (m *memoryStages) GetMany(_ context.Context, stageIDs []string) ([]*workflow.StageDefinition, error) {
	out := make([]*workflow.StageDefinition, 0, len(stageIDs))

	for _, stageID := range stageIDs {
		stage, ok := m.stages[stageID]
		if !ok {
			return nil, workflow.ErrStageNotFound
		}

		out = append(out, stage)
	}

	return out, nil
}

type memoryDeadLetters struct {
	mu      sync.Mutex
	letters []*workflow.DeadLetter
}

func (m *memoryDeadLetters) Insert(_ context.Context, letter *workflow.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.letters = append(m.letters, letter)

	return nil
}

func (m *memoryDeadLetters) Count(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.letters)), nil
}

func (m *memoryDeadLetters) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.letters)
}

type capturedSummaries struct {
	mu      sync.Mutex
	entries []SummaryEntry
}

func (c *capturedSummaries) Append(_ context.Context, entry SummaryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, entry)
}

func testFixtures() (*memoryWorkflows, *memoryStages) {
	workflows := &memoryWorkflows{definitions: map[string]*workflow.WorkflowDefinition{
		"wf-1": {
			WorkflowID: "wf-1",
			Status:     workflow.StatusPublished,
			StageIDs:   []string{"stage-a", "stage-b"},
		},
	}}
	stages := &memoryStages{stages: map[string]*workflow.StageDefinition{
		"stage-a": {StageID: "stage-a", PromptTemplate: "First: {user_text}"},
		"stage-b": {StageID: "stage-b", PromptTemplate: "Then: {previous_stage_outputs}"},
	}}

	return workflows, stages
}

func newTestPool(queue Queue, runs workflow.RunStore, executor workflow.StageExecutor, broker *ResultBroker, summaries SummaryAppender, deadLetters workflow.DeadLetterStore) *Pool {
	workflows, stages := testFixtures()

	return NewPool(queue, runs, workflows, stages, executor, broker, summaries, deadLetters, PoolConfig{
		Concurrency:    1,
		DequeueTimeout: 50 * time.Millisecond,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	})
}

func enqueueTestTask(t *testing.T, queue Queue, workflowID string) *TaskEnvelope {
	t.Helper()

	task := NewTaskEnvelope(
		TaskPayload{WorkflowID: workflowID, UserText: "hello"},
		TaskContext{IdempotencyKey: "telegram:" + workflowID + ":42:7", RequestID: "req-1", User: TaskUser{ChatID: "42"}},
	)
	require.NoError(t, queue.Enqueue(context.Background(), task))

	return task
}

func TestPoolExecutesStagesInOrder(t *testing.T) {
	queue := newMemoryQueue()
	runs := newMemoryRunStore()
	broker := NewResultBroker()
	summaries := &capturedSummaries{}

	var (
		mu      sync.Mutex
		prompts []string
	)

	executor := workflow.StageExecutorFunc(func(_ context.Context, req workflow.StageRequest) (string, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()

		return "out:" + req.Prompt, nil
	})

	task := enqueueTestTask(t, queue, "wf-1")
	require.NoError(t, runs.CreatePending(context.Background(), &workflow.RunRecord{TaskID: task.TaskID, WorkflowID: "wf-1"}))

	waiter := broker.Register(task.TaskID)

	pool := newTestPool(queue, runs, executor, broker, summaries, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case result := <-waiter:
		assert.Equal(t, ResultSuccess, result.Status)
		assert.Equal(t, "out:Then: out:First: hello", result.FinalText)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	require.Len(t, prompts, 2)
	assert.Equal(t, "First: hello", prompts[0])
	assert.Equal(t, "Then: out:First: hello", prompts[1])
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return runs.status(task.TaskID) == workflow.RunCompleted
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		summaries.mu.Lock()
		defer summaries.mu.Unlock()

		return len(summaries.entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	queue := newMemoryQueue()
	runs := newMemoryRunStore()
	broker := NewResultBroker()

	var attempts sync.Map

	executor := workflow.StageExecutorFunc(func(_ context.Context, req workflow.StageRequest) (string, error) {
		count, _ := attempts.LoadOrStore("n", new(int32))
		n := count.(*int32)

		if *n == 0 {
			*n++

			return "", errors.New("model unavailable")
		}

		return "recovered", nil
	})

	task := enqueueTestTask(t, queue, "wf-1")
	require.NoError(t, runs.CreatePending(context.Background(), &workflow.RunRecord{TaskID: task.TaskID, WorkflowID: "wf-1"}))

	waiter := broker.Register(task.TaskID)

	pool := newTestPool(queue, runs, executor, broker, nil, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case result := <-waiter:
		assert.Equal(t, ResultSuccess, result.Status)
		assert.Equal(t, "recovered", result.FinalText)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for retried result")
	}
}

func TestPoolDeadLettersExhaustedTasks(t *testing.T) {
	queue := newMemoryQueue()
	runs := newMemoryRunStore()
	broker := NewResultBroker()
	deadLetters := &memoryDeadLetters{}

	executor := workflow.StageExecutorFunc(func(_ context.Context, _ workflow.StageRequest) (string, error) {
		return "", errors.New("always failing")
	})

	task := enqueueTestTask(t, queue, "wf-1")
	task.Retry.Max = 1
	require.NoError(t, runs.CreatePending(context.Background(), &workflow.RunRecord{TaskID: task.TaskID, WorkflowID: "wf-1"}))

	waiter := broker.Register(task.TaskID)

	pool := newTestPool(queue, runs, executor, broker, nil, deadLetters)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case result := <-waiter:
		assert.Equal(t, ResultFailed, result.Status)
		assert.Contains(t, result.Error, "always failing")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for failure result")
	}

	assert.Eventually(t, func() bool {
		return deadLetters.count() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, workflow.RunFailed, runs.status(task.TaskID))
}

func TestPoolFailsMissingWorkflowWithoutRetry(t *testing.T) {
	queue := newMemoryQueue()
	runs := newMemoryRunStore()
	broker := NewResultBroker()
	deadLetters := &memoryDeadLetters{}

	executor := workflow.StageExecutorFunc(func(_ context.Context, _ workflow.StageRequest) (string, error) {
		t.Fatal("executor must not run for a missing workflow")

		return "", nil
	})

	task := enqueueTestTask(t, queue, "wf-missing")
	require.NoError(t, runs.CreatePending(context.Background(), &workflow.RunRecord{TaskID: task.TaskID, WorkflowID: "wf-missing"}))

	waiter := broker.Register(task.TaskID)

	pool := newTestPool(queue, runs, executor, broker, nil, deadLetters)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case result := <-waiter:
		assert.Equal(t, ResultFailed, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure result")
	}

	assert.Equal(t, 1, deadLetters.count())
}

func TestPoolTreatsEmptyStageOutputAsPermanent(t *testing.T) {
	queue := newMemoryQueue()
	runs := newMemoryRunStore()
	broker := NewResultBroker()
	deadLetters := &memoryDeadLetters{}

	executor := workflow.StageExecutorFunc(func(_ context.Context, _ workflow.StageRequest) (string, error) {
		return "   ", nil
	})

	task := enqueueTestTask(t, queue, "wf-1")
	require.NoError(t, runs.CreatePending(context.Background(), &workflow.RunRecord{TaskID: task.TaskID, WorkflowID: "wf-1"}))

	waiter := broker.Register(task.TaskID)

	pool := newTestPool(queue, runs, executor, broker, nil, deadLetters)
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case result := <-waiter:
		assert.Equal(t, ResultFailed, result.Status)
		assert.Contains(t, result.Error, "empty output")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure result")
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("漢", 80)

	entry := summarize(long, "short answer")
	assert.True(t, utf8.ValidString(entry))

	entry = summarize("short question", strings.Repeat("é", 150))
	assert.True(t, utf8.ValidString(entry))
	assert.Contains(t, entry, "A: ")
}

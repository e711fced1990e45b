package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/envelope"
	"github.com/risehq/rise-gateway/pkg/taskqueue"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

type fakeBindings struct {
	active    *channel.ActiveBinding
	refreshed *channel.ActiveBinding
	options   []channel.BindingOption
	refreshes int
}

func (f *fakeBindings) GetActiveBinding(_ context.Context, _ string) (*channel.ActiveBinding, error) {
	return f.active, nil
}

func (f *fakeBindings) Refresh(_ context.Context, _ string) (*channel.State, error) {
	f.refreshes++

	return &channel.State{Active: f.refreshed}, nil
}

func (f *fakeBindings) GetOptions(_ context.Context, _ string) ([]channel.BindingOption, error) {
	return f.options, nil
}

type fakeReserver struct {
	mu       sync.Mutex
	claims   map[string]string
	released []string
}

func newFakeReserver() *fakeReserver {
	return &fakeReserver{claims: make(map[string]string)}
}

func (f *fakeReserver) Reserve(_ context.Context, key, taskID string) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.claims[key]; ok {
		return Reservation{TaskID: existing, Duplicate: true}, nil
	}

	f.claims[key] = taskID

	return Reservation{TaskID: taskID}, nil
}

func (f *fakeReserver) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.claims, key)
	f.released = append(f.released, key)

	return nil
}

type fakeLimiter struct {
	decision RateDecision
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ int) (RateDecision, error) {
	return f.decision, nil
}

type fakePending struct {
	mu      sync.Mutex
	tracked map[string]string
	cleared []string
}

func newFakePending() *fakePending {
	return &fakePending{tracked: make(map[string]string)}
}

func (f *fakePending) Track(_ context.Context, chatID, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tracked[chatID] = taskID

	return nil
}

func (f *fakePending) Clear(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.tracked, chatID)
	f.cleared = append(f.cleared, chatID)

	return nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []*taskqueue.TaskEnvelope
	err       error
	onSubmit  func(task *taskqueue.TaskEnvelope)
}

func (f *fakeSubmitter) Submit(_ context.Context, task *taskqueue.TaskEnvelope) error {
	if f.err != nil {
		return f.err
	}

	f.mu.Lock()
	f.submitted = append(f.submitted, task)
	f.mu.Unlock()

	if f.onSubmit != nil {
		f.onSubmit(task)
	}

	return nil
}

func (f *fakeSubmitter) last(t *testing.T) *taskqueue.TaskEnvelope {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.submitted)

	return f.submitted[len(f.submitted)-1]
}

type fakeHistory struct {
	entries []taskqueue.SummaryEntry
}

func (f *fakeHistory) Recent(_ context.Context, _ string, _ int) ([]taskqueue.SummaryEntry, error) {
	return f.entries, nil
}

type fakeHealth struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{counts: make(map[string]int)}
}

func (f *fakeHealth) IncrementError(_ context.Context, _, workflowID, errorType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counts[workflowID+":"+errorType]++

	return nil
}

type dispatcherFixture struct {
	bindings  *fakeBindings
	reserver  *fakeReserver
	limiter   *fakeLimiter
	pending   *fakePending
	submitter *fakeSubmitter
	broker    *taskqueue.ResultBroker
	health    *fakeHealth
}

func newFixture(active *channel.ActiveBinding) *dispatcherFixture {
	return &dispatcherFixture{
		bindings:  &fakeBindings{active: active},
		reserver:  newFakeReserver(),
		limiter:   &fakeLimiter{decision: RateDecision{Allowed: true}},
		pending:   newFakePending(),
		submitter: &fakeSubmitter{},
		broker:    taskqueue.NewResultBroker(),
		health:    newFakeHealth(),
	}
}

func (f *dispatcherFixture) dispatcher(cfg Config) *Dispatcher {
	return NewDispatcher(
		f.bindings, f.reserver, f.limiter, f.pending,
		f.submitter, f.broker,
		&fakeHistory{entries: []taskqueue.SummaryEntry{{Summary: "earlier chat"}}},
		f.health, cfg)
}

func testBinding(waitForResult bool) *channel.ActiveBinding {
	policy := &channel.BindingPolicy{
		WorkflowID:    "wf-1",
		Channel:       channel.ChannelTelegram,
		WaitForResult: waitForResult,
	}
	policy.ApplyDefaults()

	return &channel.ActiveBinding{
		WorkflowID: "wf-1",
		Channel:    channel.ChannelTelegram,
		Policy:     policy,
		Version:    7,
	}
}

func testEnvelope(chatID string) *envelope.CoreEnvelope {
	messageID := int64(1001)

	return &envelope.CoreEnvelope{
		Metadata: envelope.Metadata{
			ChatID:   chatID,
			ConvoID:  chatID,
			Channel:  channel.ChannelTelegram,
			Language: "en",
		},
		Payload: envelope.Payload{
			UserMessage: "hello there",
			MessageID:   &messageID,
		},
		Telemetry: envelope.Telemetry{RequestID: "req-1"},
		Version:   envelope.Version,
	}
}

func TestDispatchAsyncAcknowledges(t *testing.T) {
	fixture := newFixture(testBinding(false))
	dispatcher := fixture.dispatcher(Config{})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, StatusHandled, out.Status)
	assert.Equal(t, ModeQueued, out.Mode)
	assert.Equal(t, IntentAck, out.Intent)
	assert.NotEmpty(t, out.TaskID)
	assert.Contains(t, out.AgentOutput.Text, out.TaskID)

	task := fixture.submitter.last(t)
	assert.Equal(t, "wf-1", task.Payload.WorkflowID)
	assert.Equal(t, "telegram:wf-1:42:1001", task.Context.IdempotencyKey)
	assert.Equal(t, []string{"earlier chat"}, task.Payload.HistoryChunks)
	assert.Equal(t, task.TaskID, fixture.pending.tracked["42"])
}

func TestDispatchDuplicateReturnsOriginalTask(t *testing.T) {
	fixture := newFixture(testBinding(false))
	dispatcher := fixture.dispatcher(Config{})

	first, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	second, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, IntentDuplicateAck, second.Intent)
	assert.Equal(t, first.TaskID, second.TaskID)

	fixture.submitter.mu.Lock()
	defer fixture.submitter.mu.Unlock()
	assert.Len(t, fixture.submitter.submitted, 1)
}

func TestDispatchRateLimited(t *testing.T) {
	fixture := newFixture(testBinding(false))
	fixture.limiter.decision = RateDecision{RetryAfter: 17}
	dispatcher := fixture.dispatcher(Config{})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, StatusRateLimited, out.Status)
	assert.Equal(t, 17, out.RetryAfter)
	assert.Equal(t, 429, out.AgentOutput.StatusCode)
	assert.Empty(t, fixture.submitter.submitted)
}

func TestDispatchChatNotAllowedRepliesWorkflowMissing(t *testing.T) {
	binding := testBinding(false)
	binding.Policy.Metadata.AllowedChatIDs = []string{"99"}

	fixture := newFixture(binding)
	dispatcher := fixture.dispatcher(Config{})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, StatusHandled, out.Status)
	assert.Equal(t, ModeDirect, out.Mode)
	assert.Equal(t, IntentChatNotAllowed, out.Intent)
	assert.Equal(t, "chat_not_allowed", out.AgentOutput.ErrorHint)
	require.NotEmpty(t, out.AgentOutput.Text)
	assert.Contains(t, out.AgentOutput.Text, telegram.EscapeMarkdownV2(channel.DefaultWorkflowMissingMessage))
	assert.Empty(t, fixture.submitter.submitted)
}

func TestDispatchMissingBindingWithoutFallback(t *testing.T) {
	fixture := newFixture(nil)
	dispatcher := fixture.dispatcher(Config{})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentWorkflowMissing, out.Intent)
	assert.Equal(t, ModeDirect, out.Mode)
	assert.Contains(t, out.AgentOutput.Text, telegram.EscapeMarkdownV2(channel.DefaultWorkflowMissingMessage))
	assert.Equal(t, 1, fixture.bindings.refreshes)
}

func TestDispatchMissingBindingCountsAgainstBoundWorkflows(t *testing.T) {
	fixture := newFixture(nil)
	fixture.bindings.options = []channel.BindingOption{
		{WorkflowID: "wf-1", Policy: testBinding(false).Policy},
		{WorkflowID: "wf-2"},
	}
	dispatcher := fixture.dispatcher(Config{})

	_, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, 1, fixture.health.counts["wf-1:"+channel.ErrorWorkflowMissing])
	assert.Zero(t, fixture.health.counts["wf-2:"+channel.ErrorWorkflowMissing])
}

func TestDispatchMissingBindingFallbackQueuesPending(t *testing.T) {
	fixture := newFixture(nil)
	dispatcher := fixture.dispatcher(Config{FallbackEnabled: true})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentPendingFallback, out.Intent)
	assert.Equal(t, ModeQueued, out.Mode)
	assert.NotEmpty(t, out.TaskID)

	task := fixture.submitter.last(t)
	assert.Empty(t, task.Payload.WorkflowID)
	assert.Equal(t, PendingReasonBindingMissing, task.Payload.PendingReason)
	assert.Equal(t, "telegram:pending:42:1001", task.Context.IdempotencyKey)
}

func TestDispatchEnqueueFailure(t *testing.T) {
	fixture := newFixture(testBinding(false))
	fixture.submitter.err = errors.New("redis gone")
	dispatcher := fixture.dispatcher(Config{})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentEnqueueFailure, out.Intent)
	assert.Equal(t, "enqueue_failed", out.AgentOutput.ErrorHint)
	assert.Equal(t, 1, fixture.health.counts["wf-1:enqueue_failed"])
	assert.Contains(t, fixture.reserver.released, "telegram:wf-1:42:1001")
}

func TestDispatchSyncReturnsWorkflowResult(t *testing.T) {
	fixture := newFixture(testBinding(true))
	fixture.submitter.onSubmit = func(task *taskqueue.TaskEnvelope) {
		go fixture.broker.Publish(taskqueue.Result{
			TaskID:    task.TaskID,
			Status:    taskqueue.ResultSuccess,
			FinalText: "All done.",
		})
	}

	dispatcher := fixture.dispatcher(Config{DefaultWaitTimeout: 2 * time.Second})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentWorkflowResult, out.Intent)
	assert.Equal(t, ModeDirect, out.Mode)
	assert.Equal(t, telegram.EscapeMarkdownV2("All done."), out.AgentOutput.Text)
	assert.Contains(t, fixture.pending.cleared, "42")
}

func TestDispatchSyncFailureUsesTimeoutMessage(t *testing.T) {
	fixture := newFixture(testBinding(true))
	fixture.submitter.onSubmit = func(task *taskqueue.TaskEnvelope) {
		go fixture.broker.Publish(taskqueue.Result{
			TaskID: task.TaskID,
			Status: taskqueue.ResultFailed,
			Error:  "stage exploded",
		})
	}

	dispatcher := fixture.dispatcher(Config{DefaultWaitTimeout: 2 * time.Second})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentAsyncFailure, out.Intent)
	assert.Equal(t, "stage exploded", out.AgentOutput.ErrorHint)
	assert.Contains(t, out.AgentOutput.Text, telegram.EscapeMarkdownV2(channel.DefaultTimeoutMessage))
}

func TestDispatchSyncTimeoutDegradesToQueued(t *testing.T) {
	fixture := newFixture(testBinding(true))
	dispatcher := fixture.dispatcher(Config{DefaultWaitTimeout: 20 * time.Millisecond})

	out, err := dispatcher.Dispatch(context.Background(), testEnvelope("42"))
	require.NoError(t, err)

	assert.Equal(t, IntentSyncTimeout, out.Intent)
	assert.Equal(t, ModeQueued, out.Mode)
	assert.Equal(t, out.TaskID, fixture.pending.tracked["42"])
	assert.Zero(t, fixture.broker.Pending())
}

func TestProbeTargetsSpecificBinding(t *testing.T) {
	binding := testBinding(false)
	fixture := newFixture(nil)
	fixture.bindings.options = []channel.BindingOption{{
		WorkflowID: binding.WorkflowID,
		Policy:     binding.Policy,
	}}
	fixture.submitter.onSubmit = func(task *taskqueue.TaskEnvelope) {
		go fixture.broker.Publish(taskqueue.Result{
			TaskID:    task.TaskID,
			Status:    taskqueue.ResultSuccess,
			FinalText: "probe ok",
		})
	}

	dispatcher := fixture.dispatcher(Config{DefaultWaitTimeout: 2 * time.Second})

	out, err := dispatcher.Probe(context.Background(), "wf-1", "555", "[monitor] binding probe wf-1")
	require.NoError(t, err)

	assert.Equal(t, IntentWorkflowResult, out.Intent)

	task := fixture.submitter.last(t)
	assert.Equal(t, "wf-1", task.Payload.WorkflowID)
	assert.Equal(t, "[monitor] binding probe wf-1", task.Payload.UserText)
}

func TestWaitTimeoutBounds(t *testing.T) {
	fixture := newFixture(nil)
	dispatcher := fixture.dispatcher(Config{})

	policy := &channel.BindingPolicy{}
	assert.Equal(t, DefaultWaitTimeout, dispatcher.waitTimeout(policy))

	policy.Metadata.WaitTimeoutSecs = 45
	assert.Equal(t, 45*time.Second, dispatcher.waitTimeout(policy))

	policy.Metadata.WaitTimeoutSecs = 600
	assert.Equal(t, MaxWaitTimeout, dispatcher.waitTimeout(policy))
}

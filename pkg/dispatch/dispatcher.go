package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/envelope"
	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/taskqueue"
)

// Intents reported on outcomes.
const (
	IntentAck             = "ack"
	IntentDuplicateAck    = "duplicate_ack"
	IntentPendingFallback = "pending_fallback"
	IntentWorkflowMissing = "workflow_missing"
	IntentChatNotAllowed  = "chat_not_allowed"
	IntentRateLimited     = "rate_limited"
	IntentEnqueueFailure  = "enqueue_failure"
	IntentWorkflowResult  = "workflow_result"
	IntentAsyncFailure    = "async_failure"
	IntentSyncTimeout     = "sync_timeout"
)

// Wait bounds for synchronous dispatch.
const (
	DefaultWaitTimeout = 20 * time.Second
	MaxWaitTimeout     = 120 * time.Second

	DefaultRefreshTimeout = time.Second
	DefaultHistoryLimit   = 5
)

// PendingReasonBindingMissing marks tasks queued without a resolvable binding.
const PendingReasonBindingMissing = "binding_missing"

// BindingResolver is the registry surface the dispatcher needs.
type BindingResolver interface {
	GetActiveBinding(ctx context.Context, channel string) (*channel.ActiveBinding, error)
	Refresh(ctx context.Context, channel string) (*channel.State, error)
	GetOptions(ctx context.Context, channel string) ([]channel.BindingOption, error)
}

// Reserver claims idempotency keys.
type Reserver interface {
	Reserve(ctx context.Context, key, taskID string) (Reservation, error)
	Release(ctx context.Context, key string) error
}

// Limiter admits requests against a binding's per-minute budget.
type Limiter interface {
	Allow(ctx context.Context, workflowID string, limit int) (RateDecision, error)
}

// PendingMarker tracks which task a chat is waiting on.
type PendingMarker interface {
	Track(ctx context.Context, chatID, taskID, workflowID string) error
	Clear(ctx context.Context, chatID string) error
}

// TaskSubmitter hands tasks to the queue.
type TaskSubmitter interface {
	Submit(ctx context.Context, task *taskqueue.TaskEnvelope) error
}

// HistorySource supplies recent chat summaries for prompt context.
type HistorySource interface {
	Recent(ctx context.Context, chatID string, limit int) ([]taskqueue.SummaryEntry, error)
}

// HealthRecorder counts dispatch-side binding errors.
type HealthRecorder interface {
	IncrementError(ctx context.Context, channel, workflowID, errorType string) error
}

// Config tunes the dispatch pipeline.
type Config struct {
	Channel            string
	FallbackEnabled    bool
	RefreshTimeout     time.Duration
	DefaultWaitTimeout time.Duration
	MaxWaitTimeout     time.Duration
	HistoryLimit       int
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = channel.ChannelTelegram
	}

	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}

	if c.DefaultWaitTimeout <= 0 {
		c.DefaultWaitTimeout = DefaultWaitTimeout
	}

	if c.MaxWaitTimeout <= 0 {
		c.MaxWaitTimeout = MaxWaitTimeout
	}

	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Dispatcher routes validated envelopes: it resolves the active binding,
// applies allowlist and rate limit gates, claims the idempotency key, and
// either queues the task or waits synchronously for its result.
type Dispatcher struct {
	bindings     BindingResolver
	reservations Reserver
	limiter      Limiter
	pending      PendingMarker
	submitter    TaskSubmitter
	broker       *taskqueue.ResultBroker
	history      HistorySource
	health       HealthRecorder
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

func NewDispatcher(
	bindings BindingResolver,
	reservations Reserver,
	limiter Limiter,
	pending PendingMarker,
	submitter TaskSubmitter,
	broker *taskqueue.ResultBroker,
	history HistorySource,
	health HealthRecorder,
	cfg Config,
) *Dispatcher {
	cfg.applyDefaults()

	return &Dispatcher{
		bindings:     bindings,
		reservations: reservations,
		limiter:      limiter,
		pending:      pending,
		submitter:    submitter,
		broker:       broker,
		history:      history,
		health:       health,
		cfg:          cfg,
		logger:       log.WithModule("dispatcher"),
		now:          time.Now,
	}
}

// Dispatch runs the full pipeline for one inbound envelope. It always returns
// an outcome; errors are reserved for infrastructure failures the webhook
// should surface as a 500.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.CoreEnvelope) (*Outcome, error) {
	binding := d.resolveBinding(ctx)
	if binding == nil || binding.Policy == nil {
		return d.handleMissingBinding(ctx, env)
	}

	policy := binding.Policy

	if !chatAllowed(policy, env.Metadata.ChatID) {
		d.logger.InfoContext(ctx, "chat not in allowlist",
			"chat_id", env.Metadata.ChatID,
			"workflow_id", binding.WorkflowID)

		// Answered with the same static text as a missing binding so the
		// chat cannot distinguish "not bound" from "not allowed".
		text := resolveTemplate(policy, TemplateWorkflowMissing)

		return staticOutcome(env, text,
			StatusHandled, ModeDirect, IntentChatNotAllowed, "chat_not_allowed", d.telemetry(binding)), nil
	}

	decision, err := d.limiter.Allow(ctx, binding.WorkflowID, policy.Metadata.RateLimitPerMin)
	if err != nil {
		// Fail open: a limiter outage must not take the channel down.
		d.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)

		decision = RateDecision{Allowed: true}
	}

	if !decision.Allowed {
		out := staticOutcome(env, defaultRateLimitedText,
			StatusRateLimited, ModeDirect, IntentRateLimited, "rate_limited", d.telemetry(binding))
		out.RetryAfter = decision.RetryAfter
		out.AgentOutput.StatusCode = 429

		return out, nil
	}

	task := d.buildTask(ctx, env, binding)

	if policy.WaitForResult {
		return d.dispatchSync(ctx, env, binding, task, d.waitTimeout(policy))
	}

	return d.dispatchAsync(ctx, env, binding, task)
}

// Probe queues a synthetic message against one specific binding and waits for
// its result. The health monitor uses it to verify the end-to-end path, so it
// skips the allowlist and rate limit gates.
func (d *Dispatcher) Probe(ctx context.Context, workflowID, chatID, text string) (*Outcome, error) {
	options, err := d.bindings.GetOptions(ctx, d.cfg.Channel)
	if err != nil {
		return nil, err
	}

	var policy *channel.BindingPolicy

	for _, option := range options {
		if option.WorkflowID == workflowID && option.Policy != nil {
			policy = option.Policy

			break
		}
	}

	if policy == nil {
		return nil, channel.ErrPolicyNotFound
	}

	env := &envelope.CoreEnvelope{
		Metadata: envelope.Metadata{
			ChatID:  chatID,
			ConvoID: chatID,
			Channel: d.cfg.Channel,
		},
		Payload:   envelope.Payload{UserMessage: text},
		Telemetry: envelope.Telemetry{RequestID: uuid.New().String()},
		Version:   envelope.Version,
	}

	binding := &channel.ActiveBinding{
		WorkflowID: workflowID,
		Channel:    d.cfg.Channel,
		Policy:     policy,
	}

	task := d.buildTask(ctx, env, binding)

	return d.dispatchSync(ctx, env, binding, task, d.waitTimeout(policy))
}

// resolveBinding returns the active binding, retrying once behind a bounded
// targeted refresh when the cache has none.
func (d *Dispatcher) resolveBinding(ctx context.Context) *channel.ActiveBinding {
	binding, err := d.bindings.GetActiveBinding(ctx, d.cfg.Channel)
	if err != nil {
		d.logger.WarnContext(ctx, "binding lookup failed", "error", err)
	}

	if binding != nil {
		return binding
	}

	refreshCtx, cancel := context.WithTimeout(ctx, d.cfg.RefreshTimeout)
	defer cancel()

	state, err := d.bindings.Refresh(refreshCtx, d.cfg.Channel)
	if err != nil {
		d.logger.WarnContext(ctx, "binding refresh failed", "error", err)

		return nil
	}

	if state == nil {
		return nil
	}

	return state.Active
}

func (d *Dispatcher) handleMissingBinding(ctx context.Context, env *envelope.CoreEnvelope) (*Outcome, error) {
	d.recordMissingBinding(ctx)

	if !d.cfg.FallbackEnabled {
		text := resolveTemplate(nil, TemplateWorkflowMissing)

		return staticOutcome(env, text,
			StatusHandled, ModeDirect, IntentWorkflowMissing, "workflow_missing", nil), nil
	}

	// Fallback: queue the message without a workflow so an operator (or a
	// recovered binding) can pick it up later.
	task := d.buildTask(ctx, env, nil)
	task.Payload.PendingReason = PendingReasonBindingMissing

	reservation, err := d.reservations.Reserve(ctx, task.Context.IdempotencyKey, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("reserve fallback task: %w", err)
	}

	if reservation.Duplicate {
		return d.duplicateOutcome(env, nil, reservation.TaskID), nil
	}

	if err := d.submitter.Submit(ctx, task); err != nil {
		return d.enqueueFailed(ctx, env, nil, task, err), nil
	}

	d.trackPending(ctx, env.Metadata.ChatID, task.TaskID, "")

	text := formatTaskID(resolveTemplate(nil, TemplateManualReview), task.TaskID)

	out := staticOutcome(env, text, StatusHandled, ModeQueued, IntentPendingFallback, "", nil)
	out.TaskID = task.TaskID

	return out, nil
}

// recordMissingBinding charges the workflow_missing counter to every bound
// workflow on the channel; the monitor trips the kill switch when a binding
// keeps failing to become active while traffic arrives.
func (d *Dispatcher) recordMissingBinding(ctx context.Context) {
	options, err := d.bindings.GetOptions(ctx, d.cfg.Channel)
	if err != nil {
		d.logger.WarnContext(ctx, "option listing for health counter failed", "error", err)

		return
	}

	for _, option := range options {
		if option.Policy == nil {
			continue
		}

		if err := d.health.IncrementError(ctx, d.cfg.Channel, option.WorkflowID, channel.ErrorWorkflowMissing); err != nil {
			d.logger.WarnContext(ctx, "health counter write failed",
				"workflow_id", option.WorkflowID, "error", err)
		}
	}
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, env *envelope.CoreEnvelope, binding *channel.ActiveBinding, task *taskqueue.TaskEnvelope) (*Outcome, error) {
	reservation, err := d.reservations.Reserve(ctx, task.Context.IdempotencyKey, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("reserve task: %w", err)
	}

	if reservation.Duplicate {
		d.logger.InfoContext(ctx, "duplicate message acknowledged",
			"idempotency_key", task.Context.IdempotencyKey,
			"task_id", reservation.TaskID)

		return d.duplicateOutcome(env, binding, reservation.TaskID), nil
	}

	if err := d.submitter.Submit(ctx, task); err != nil {
		return d.enqueueFailed(ctx, env, binding, task, err), nil
	}

	d.trackPending(ctx, env.Metadata.ChatID, task.TaskID, binding.WorkflowID)

	text := formatTaskID(resolveTemplate(binding.Policy, TemplateAck), task.TaskID)

	out := staticOutcome(env, text, StatusHandled, ModeQueued, IntentAck, "", d.telemetry(binding))
	out.TaskID = task.TaskID

	return out, nil
}

func (d *Dispatcher) dispatchSync(ctx context.Context, env *envelope.CoreEnvelope, binding *channel.ActiveBinding, task *taskqueue.TaskEnvelope, wait time.Duration) (*Outcome, error) {
	reservation, err := d.reservations.Reserve(ctx, task.Context.IdempotencyKey, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("reserve task: %w", err)
	}

	if reservation.Duplicate {
		return d.duplicateOutcome(env, binding, reservation.TaskID), nil
	}

	// Register before submitting so a fast worker cannot publish into a void.
	waiter := d.broker.Register(task.TaskID)

	if err := d.submitter.Submit(ctx, task); err != nil {
		d.broker.Discard(task.TaskID, waiter)

		return d.enqueueFailed(ctx, env, binding, task, err), nil
	}

	started := d.now()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case result := <-waiter:
		return d.syncResult(ctx, env, binding, task, result, started), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.broker.Discard(task.TaskID, waiter)
	d.trackPending(ctx, env.Metadata.ChatID, task.TaskID, binding.WorkflowID)

	d.logger.WarnContext(ctx, "synchronous wait timed out",
		"task_id", task.TaskID,
		"workflow_id", binding.WorkflowID,
		"wait", wait.String())

	text := formatTaskID(resolveTemplate(binding.Policy, TemplateDegraded), task.TaskID)

	out := staticOutcome(env, text, StatusHandled, ModeQueued, IntentSyncTimeout, "sync_timeout", d.telemetry(binding))
	out.TaskID = task.TaskID

	return out, nil
}

func (d *Dispatcher) syncResult(ctx context.Context, env *envelope.CoreEnvelope, binding *channel.ActiveBinding, task *taskqueue.TaskEnvelope, result taskqueue.Result, started time.Time) *Outcome {
	telemetry := d.telemetry(binding)
	telemetry["wait_ms"] = d.now().Sub(started).Milliseconds()

	if result.Status != taskqueue.ResultSuccess {
		text := formatTaskID(resolveTemplate(binding.Policy, TemplateAsyncFailure), task.TaskID)

		out := staticOutcome(env, text, StatusHandled, ModeDirect, IntentAsyncFailure, result.Error, telemetry)
		out.TaskID = task.TaskID

		return out
	}

	if err := d.pending.Clear(ctx, env.Metadata.ChatID); err != nil {
		d.logger.WarnContext(ctx, "pending clear failed", "chat_id", env.Metadata.ChatID, "error", err)
	}

	out := staticOutcome(env, result.FinalText, StatusHandled, ModeDirect, IntentWorkflowResult, "", telemetry)
	out.TaskID = task.TaskID

	return out
}

func (d *Dispatcher) enqueueFailed(ctx context.Context, env *envelope.CoreEnvelope, binding *channel.ActiveBinding, task *taskqueue.TaskEnvelope, cause error) *Outcome {
	workflowID := ""
	var policy *channel.BindingPolicy

	if binding != nil {
		workflowID = binding.WorkflowID
		policy = binding.Policy
	}

	d.logger.ErrorContext(ctx, "task enqueue failed",
		"task_id", task.TaskID,
		"workflow_id", workflowID,
		"error", cause)

	// Free the idempotency key so the user can retry right away.
	if err := d.reservations.Release(ctx, task.Context.IdempotencyKey); err != nil {
		d.logger.WarnContext(ctx, "reservation release failed",
			"idempotency_key", task.Context.IdempotencyKey, "error", err)
	}

	if err := d.health.IncrementError(ctx, d.cfg.Channel, workflowID, channel.ErrorEnqueueFailed); err != nil {
		d.logger.WarnContext(ctx, "health counter write failed", "error", err)
	}

	text := formatTaskID(resolveTemplate(policy, TemplateEnqueueFailure), task.TaskID)

	out := staticOutcome(env, text, StatusHandled, ModeDirect, IntentEnqueueFailure, "enqueue_failed", d.telemetry(binding))
	out.TaskID = task.TaskID

	return out
}

func (d *Dispatcher) duplicateOutcome(env *envelope.CoreEnvelope, binding *channel.ActiveBinding, taskID string) *Outcome {
	var policy *channel.BindingPolicy
	if binding != nil {
		policy = binding.Policy
	}

	text := formatTaskID(resolveTemplate(policy, TemplateAck), taskID)

	out := staticOutcome(env, text, StatusHandled, ModeQueued, IntentDuplicateAck, "", d.telemetry(binding))
	out.TaskID = taskID
	out.Duplicate = true

	return out
}

// buildTask assembles the queue envelope for an inbound message. binding may
// be nil on the fallback path.
func (d *Dispatcher) buildTask(ctx context.Context, env *envelope.CoreEnvelope, binding *channel.ActiveBinding) *taskqueue.TaskEnvelope {
	workflowID := ""
	policyAttrs := map[string]any{}

	if binding != nil {
		workflowID = binding.WorkflowID

		if policy := binding.Policy; policy != nil {
			policyAttrs["locale"] = policy.Locale()
			policyAttrs["wait_for_result"] = policy.WaitForResult
			policyAttrs["rate_limit_per_min"] = policy.Metadata.RateLimitPerMin
		}
	}

	payload := taskqueue.TaskPayload{
		WorkflowID:    workflowID,
		UserText:      env.Payload.UserMessage,
		HistoryChunks: d.historyChunks(ctx, env.Metadata.ChatID),
		Policy:        policyAttrs,
		CoreEnvelope:  env,
		Source:        d.cfg.Channel,
	}

	taskContext := taskqueue.TaskContext{
		IdempotencyKey: idempotencyKey(workflowID, env, d.now),
		TraceID:        env.Telemetry.TraceID,
		RequestID:      env.Telemetry.RequestID,
		User: taskqueue.TaskUser{
			ChatID:    env.Metadata.ChatID,
			MessageID: env.Payload.MessageID,
		},
		Locale: env.Metadata.Language,
	}

	return taskqueue.NewTaskEnvelope(payload, taskContext)
}

func (d *Dispatcher) historyChunks(ctx context.Context, chatID string) []string {
	entries, err := d.history.Recent(ctx, chatID, d.cfg.HistoryLimit)
	if err != nil {
		// History is prompt garnish; never block dispatch on it.
		d.logger.WarnContext(ctx, "summary read failed", "chat_id", chatID, "error", err)

		return nil
	}

	chunks := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Summary != "" {
			chunks = append(chunks, entry.Summary)
		}
	}

	return chunks
}

func (d *Dispatcher) trackPending(ctx context.Context, chatID, taskID, workflowID string) {
	if err := d.pending.Track(ctx, chatID, taskID, workflowID); err != nil {
		d.logger.WarnContext(ctx, "pending track failed", "chat_id", chatID, "error", err)
	}
}

func (d *Dispatcher) waitTimeout(policy *channel.BindingPolicy) time.Duration {
	wait := d.cfg.DefaultWaitTimeout

	if policy != nil && policy.Metadata.WaitTimeoutSecs > 0 {
		wait = time.Duration(policy.Metadata.WaitTimeoutSecs) * time.Second
	}

	if wait > d.cfg.MaxWaitTimeout {
		wait = d.cfg.MaxWaitTimeout
	}

	return wait
}

func (d *Dispatcher) telemetry(binding *channel.ActiveBinding) map[string]any {
	if binding == nil {
		return map[string]any{}
	}

	return map[string]any{
		"workflow_id":     binding.WorkflowID,
		"binding_version": binding.Version,
	}
}

// idempotencyKey derives the dedup identity for a message: the Telegram
// message id when present, then the request id, then a coarse timestamp.
func idempotencyKey(workflowID string, env *envelope.CoreEnvelope, now func() time.Time) string {
	segment := workflowID
	if segment == "" {
		segment = "pending"
	}

	suffix := ""

	switch {
	case env.Payload.MessageID != nil:
		suffix = strconv.FormatInt(*env.Payload.MessageID, 10)
	case env.Telemetry.RequestID != "":
		suffix = env.Telemetry.RequestID
	default:
		suffix = strconv.FormatInt(now().UnixMilli(), 10)
	}

	return fmt.Sprintf("telegram:%s:%s:%s", segment, env.Metadata.ChatID, suffix)
}

func chatAllowed(policy *channel.BindingPolicy, chatID string) bool {
	allowed := policy.Metadata.AllowedChatIDs
	if len(allowed) == 0 {
		return true
	}

	for _, id := range allowed {
		if id == chatID {
			return true
		}
	}

	return false
}

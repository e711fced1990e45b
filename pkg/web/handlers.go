package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/risehq/rise-gateway/pkg/capability"
	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/dispatch"
	"github.com/risehq/rise-gateway/pkg/envelope"
	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/metrics"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

// SecretTokenHeader carries the webhook secret Telegram echoes back.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// DispatchRunner is the dispatcher surface the handlers need.
type DispatchRunner interface {
	Dispatch(ctx context.Context, env *envelope.CoreEnvelope) (*dispatch.Outcome, error)
	Probe(ctx context.Context, workflowID, chatID, text string) (*dispatch.Outcome, error)
}

// BindingCommands mutates bindings.
type BindingCommands interface {
	UpsertBinding(ctx context.Context, req channel.UpsertRequest) (*channel.CommandOutcome, error)
	DeleteBinding(ctx context.Context, workflowID, channelName string) (*channel.CommandOutcome, error)
	SetKillSwitch(ctx context.Context, workflowID, channelName string, active bool, actor string) (*channel.CommandOutcome, error)
	RotateToken(ctx context.Context, workflowID, channelName, newToken, actor string) (*channel.CommandOutcome, error)
}

// BindingView reads binding state.
type BindingView interface {
	GetOptions(ctx context.Context, channelName string) ([]channel.BindingOption, error)
	GetActiveBinding(ctx context.Context, channelName string) (*channel.ActiveBinding, error)
	Refresh(ctx context.Context, channelName string) (*channel.State, error)
	Diagnostics() map[string]map[string]any
}

// TokenSource recovers bot tokens for outbound calls.
type TokenSource interface {
	DecryptToken(policy *channel.BindingPolicy) (string, error)
}

// Gate rejects requests while required capabilities are down.
type Gate interface {
	Require(names ...string) error
}

// CapabilityView summarizes dependency health.
type CapabilityView interface {
	Snapshot() map[string]capability.Info
	Overall() string
}

// QueueStats reports queue depth for diagnostics.
type QueueStats interface {
	Length(ctx context.Context) (int64, error)
}

// DeadLetterCounter reports dead-letter volume for diagnostics.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int64, error)
}

// TestLimiter caps admin test messages per binding.
type TestLimiter interface {
	Allow(ctx context.Context, workflowID string) (bool, error)
}

// Config tunes the HTTP surface.
type Config struct {
	Channel       string
	WebhookSecret string
	WebhookURL    string
}

// Handlers implements every route of the gateway API.
type Handlers struct {
	cfg          Config
	dispatcher   DispatchRunner
	commands     BindingCommands
	bindings     BindingView
	tokens       TokenSource
	gate         Gate
	capabilities CapabilityView
	queue        QueueStats
	deadLetters  DeadLetterCounter
	testLimiter  TestLimiter
	client       telegram.Client
	recorder     *metrics.Recorder
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewHandlers(
	cfg Config,
	dispatcher DispatchRunner,
	commands BindingCommands,
	bindings BindingView,
	tokens TokenSource,
	gate Gate,
	capabilities CapabilityView,
	queue QueueStats,
	deadLetters DeadLetterCounter,
	testLimiter TestLimiter,
	client telegram.Client,
	recorder *metrics.Recorder,
) *Handlers {
	if cfg.Channel == "" {
		cfg.Channel = channel.ChannelTelegram
	}

	return &Handlers{
		cfg:          cfg,
		dispatcher:   dispatcher,
		commands:     commands,
		bindings:     bindings,
		tokens:       tokens,
		gate:         gate,
		capabilities: capabilities,
		queue:        queue,
		deadLetters:  deadLetters,
		testLimiter:  testLimiter,
		client:       client,
		recorder:     recorder,
		validator:    validator.New(),
		logger:       log.WithModule("web"),
	}
}

// PostWebhook receives Telegram updates. Every recognized update is answered
// 200 so Telegram does not redeliver; only infrastructure failures 500.
func (h *Handlers) PostWebhook(c fiber.Ctx) error {
	started := time.Now()
	defer func() {
		h.recorder.WebhookRTT.Observe(float64(time.Since(started).Milliseconds()))
	}()

	h.recorder.UpdatesTotal.Inc()

	if !h.secretMatches(c.Get(SecretTokenHeader)) {
		h.recorder.SignatureFailures.Inc()
		h.logger.Warn("webhook secret rejected", "remote_ip", c.IP())

		return unauthorized(c, "invalid webhook secret")
	}

	if err := h.gate.Require(capability.CapabilityMongo, capability.CapabilityRedis); err != nil {
		var unavailable *capability.Unavailable
		if errors.As(err, &unavailable) {
			return serviceUnavailable(c, unavailable)
		}

		return internalError(c, err)
	}

	if err := envelope.ValidateUpdateDocument(c.Body()); err != nil {
		return unprocessable(c, err.Error())
	}

	update, err := envelope.ParseUpdate(c.Body())
	if err != nil {
		return unprocessable(c, err.Error())
	}

	env, err := envelope.Build(update, envelope.BuildOptions{
		Channel:   h.cfg.Channel,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		if envelope.IsUnsupportedUpdate(err) {
			h.recorder.IgnoredTotal.Inc()

			return c.JSON(WebhookResponse{Status: dispatch.StatusIgnored})
		}

		return unprocessable(c, err.Error())
	}

	h.recorder.InboundTotal.Inc()
	h.logger.Info("webhook.accepted", env.LoggingFields()...)

	outcome, err := h.dispatcher.Dispatch(c.Context(), env)
	if err != nil {
		return internalError(c, err)
	}

	if outcome.Status == dispatch.StatusIgnored {
		h.recorder.IgnoredTotal.Inc()
	} else {
		h.deliver(c.Context(), outcome)

		// The queued ack is the placeholder the chat sees until the worker
		// result arrives.
		if outcome.Mode == dispatch.ModeQueued {
			h.recorder.ObservePlaceholderLatency(float64(time.Since(started).Microseconds()) / 1000.0)
		}
	}

	return c.JSON(WebhookResponse{
		Status:     outcome.Status,
		Mode:       outcome.Mode,
		Intent:     outcome.Intent,
		TaskID:     outcome.TaskID,
		Duplicate:  outcome.Duplicate,
		RetryAfter: outcome.RetryAfter,
	})
}

// deliver sends the outcome's reply chunks to the chat. Failures are counted
// and logged; the webhook still acknowledges the update.
func (h *Handlers) deliver(ctx context.Context, outcome *dispatch.Outcome) {
	outbound := outcome.AdapterContract.Outbound
	if len(outbound.Chunks) == 0 {
		return
	}

	token, err := h.activeToken(ctx)
	if err != nil {
		h.recorder.StreamingFailures.Inc()
		h.logger.Error("reply delivery failed, no usable token", "error", err)

		return
	}

	chatID, err := telegram.ChatIDFromString(outbound.ChatID)
	if err != nil {
		h.recorder.StreamingFailures.Inc()
		h.logger.Error("reply delivery failed", "chat_id", outbound.ChatID, "error", err)

		return
	}

	for i, chunk := range outbound.Chunks {
		params := telegram.SendMessageParams{
			ChatID:                chatID,
			Text:                  chunk,
			ParseMode:             outcome.AgentOutput.ParseMode,
			DisableWebPagePreview: outbound.DisableWebPagePreview,
		}

		if i == 0 && outbound.ReplyToMessageID != nil {
			params.ReplyToMessageID = int(*outbound.ReplyToMessageID)
		}

		if _, err := h.client.SendMessage(ctx, token, params); err != nil {
			h.recorder.StreamingFailures.Inc()
			h.logger.Error("reply chunk send failed",
				"chat_id", outbound.ChatID,
				"chunk", i,
				"error", err)

			return
		}
	}
}

func (h *Handlers) activeToken(ctx context.Context) (string, error) {
	binding, err := h.bindings.GetActiveBinding(ctx, h.cfg.Channel)
	if err != nil {
		return "", err
	}

	if binding == nil || binding.Policy == nil {
		return "", channel.ErrPolicyNotFound
	}

	return h.tokens.DecryptToken(binding.Policy)
}

// secretMatches compares in constant time; an unconfigured secret fails
// closed.
func (h *Handlers) secretMatches(presented string) bool {
	if h.cfg.WebhookSecret == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(h.cfg.WebhookSecret), []byte(presented)) == 1
}

// SetupWebhook registers the gateway URL and secret with Telegram for one
// binding, then reads the registration back.
func (h *Handlers) SetupWebhook(c fiber.Ctx) error {
	var req SetupWebhookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	policy, err := h.findPolicy(c.Context(), req.WorkflowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	token, err := h.tokens.DecryptToken(policy)
	if err != nil {
		return internalError(c, err)
	}

	webhookURL := h.cfg.WebhookURL
	if webhookURL == "" {
		webhookURL = policy.WebhookURL
	}

	if err := channel.ValidateWebhookURL(webhookURL); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.client.SetWebhook(c.Context(), token, webhookURL, h.cfg.WebhookSecret); err != nil {
		return internalError(c, err)
	}

	info, err := h.client.GetWebhookInfo(c.Context(), token)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflow_id":          req.WorkflowID,
		"webhook_url":          info.URL,
		"pending_update_count": info.PendingUpdateCount,
	})
}

// ListBindings returns every binding option for the channel.
func (h *Handlers) ListBindings(c fiber.Ctx) error {
	options, err := h.bindings.GetOptions(c.Context(), h.cfg.Channel)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"bindings": options})
}

// UpsertBinding creates or updates one binding.
func (h *Handlers) UpsertBinding(c fiber.Ctx) error {
	workflowID := c.Params("workflowID")
	if workflowID == "" {
		return badRequest(c, "workflow id is required")
	}

	var req UpsertBindingRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	channelName := req.Channel
	if channelName == "" {
		channelName = h.cfg.Channel
	}

	outcome, err := h.commands.UpsertBinding(c.Context(), channel.UpsertRequest{
		WorkflowID:             workflowID,
		Channel:                channelName,
		BotToken:               req.BotToken,
		WebhookURL:             req.WebhookURL,
		Mode:                   req.Mode,
		WaitForResult:          req.WaitForResult,
		WorkflowMissingMessage: req.WorkflowMissingMessage,
		TimeoutMessage:         req.TimeoutMessage,
		Metadata:               req.Metadata,
		Localization:           req.Localization,
		Actor:                  req.Actor,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(outcome)
}

// DeleteBinding removes one binding.
func (h *Handlers) DeleteBinding(c fiber.Ctx) error {
	workflowID := c.Params("workflowID")
	if workflowID == "" {
		return badRequest(c, "workflow id is required")
	}

	outcome, err := h.commands.DeleteBinding(c.Context(), workflowID, h.cfg.Channel)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(outcome)
}

// SetKillSwitch flips the kill switch for one binding.
func (h *Handlers) SetKillSwitch(c fiber.Ctx) error {
	workflowID := c.Params("workflowID")
	if workflowID == "" {
		return badRequest(c, "workflow id is required")
	}

	var req KillSwitchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	outcome, err := h.commands.SetKillSwitch(c.Context(), workflowID, h.cfg.Channel, req.Active, req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(outcome)
}

// RotateToken swaps the stored bot token for one binding.
func (h *Handlers) RotateToken(c fiber.Ctx) error {
	workflowID := c.Params("workflowID")
	if workflowID == "" {
		return badRequest(c, "workflow id is required")
	}

	var req RotateTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	outcome, err := h.commands.RotateToken(c.Context(), workflowID, h.cfg.Channel, req.BotToken, req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(outcome)
}

// RefreshBindings forces a full registry reload.
func (h *Handlers) RefreshBindings(c fiber.Ctx) error {
	state, err := h.bindings.Refresh(c.Context(), h.cfg.Channel)
	if err != nil {
		return internalError(c, err)
	}

	response := fiber.Map{"refreshed": true}
	if state != nil {
		response["version"] = state.Version
		response["option_count"] = len(state.Options)
	}

	return c.JSON(response)
}

// TestMessage pushes a synthetic message through one binding end to end.
func (h *Handlers) TestMessage(c fiber.Ctx) error {
	workflowID := c.Params("workflowID")
	if workflowID == "" {
		return badRequest(c, "workflow id is required")
	}

	var req TestMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	allowed, err := h.testLimiter.Allow(c.Context(), workflowID)
	if err != nil {
		return internalError(c, err)
	}

	if !allowed {
		return tooManyRequests(c, "test message budget exhausted for this binding", 60)
	}

	text := req.Text
	if text == "" {
		text = "[test] binding check " + workflowID
	}

	outcome, err := h.dispatcher.Probe(c.Context(), workflowID, req.ChatID, text)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(outcome)
}

// Diagnostics summarizes registry, queue, and capability state for operators.
func (h *Handlers) Diagnostics(c fiber.Ctx) error {
	queueLength := int64(-1)
	if length, err := h.queue.Length(c.Context()); err == nil {
		queueLength = length
	}

	deadLetters := int64(-1)
	if count, err := h.deadLetters.Count(c.Context()); err == nil {
		deadLetters = count
	}

	return c.JSON(fiber.Map{
		"bindings":     h.bindings.Diagnostics(),
		"capabilities": h.capabilities.Snapshot(),
		"queue_length": queueLength,
		"dead_letters": deadLetters,
		"timestamp":    time.Now().UTC(),
	})
}

// HealthCheck reports overall gateway health.
func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	overall := h.capabilities.Overall()

	status := http.StatusOK
	if overall == capability.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":       overall,
		"capabilities": h.capabilities.Snapshot(),
		"timestamp":    time.Now().UTC(),
	})
}

func (h *Handlers) findPolicy(ctx context.Context, workflowID string) (*channel.BindingPolicy, error) {
	options, err := h.bindings.GetOptions(ctx, h.cfg.Channel)
	if err != nil {
		return nil, err
	}

	for _, option := range options {
		if option.WorkflowID == workflowID && option.Policy != nil {
			return option.Policy, nil
		}
	}

	return nil, channel.ErrPolicyNotFound
}

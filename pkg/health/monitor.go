// Package health scores channel bindings: it inspects webhook registration,
// runs end-to-end probes through the dispatcher, folds in the dispatch error
// counters, and trips the kill switch when a binding is down.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/dispatch"
	"github.com/risehq/rise-gateway/pkg/eventbus"
	"github.com/risehq/rise-gateway/pkg/events"
	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

const (
	// DefaultInterval is the time between full monitor sweeps.
	DefaultInterval = 600 * time.Second

	// Error counter thresholds that mark a binding down.
	WorkflowMissingThreshold = 3
	EnqueueFailedThreshold   = 5

	monitorActor = "health_monitor"
)

// OptionSource lists the bindings to score.
type OptionSource interface {
	GetOptions(ctx context.Context, channel string) ([]channel.BindingOption, error)
}

// TokenDecryptor recovers the bot token for webhook inspection.
type TokenDecryptor interface {
	DecryptToken(policy *channel.BindingPolicy) (string, error)
	RecordHealthSnapshot(ctx context.Context, workflowID, channelName string, snapshot channel.HealthSnapshot) error
}

// WebhookInspector reads the registered webhook from Telegram.
type WebhookInspector interface {
	GetWebhookInfo(ctx context.Context, token string) (telegram.WebhookInfo, error)
}

// ProbeRunner pushes a synthetic message through the full dispatch path.
type ProbeRunner interface {
	Probe(ctx context.Context, workflowID, chatID, text string) (*dispatch.Outcome, error)
}

// CounterStore reads and resets the dispatch-side error counters.
type CounterStore interface {
	Snapshot(ctx context.Context, channelName, workflowID string) (channel.HealthCounters, error)
	RecordHeartbeat(ctx context.Context, channelName, workflowID, status string) error
	Reset(ctx context.Context, channelName, workflowID string) error
}

// KillSwitcher disables a binding that scored down.
type KillSwitcher interface {
	SetKillSwitch(ctx context.Context, workflowID, channelName string, active bool, actor string) (*channel.CommandOutcome, error)
}

// Config tunes the monitor.
type Config struct {
	Channel      string
	Interval     time.Duration
	ProbeEnabled bool
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = channel.ChannelTelegram
	}

	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Verdict is the monitor's scoring of one binding.
type Verdict struct {
	WorkflowID string
	Status     string
	Issues     []string
	CheckedAt  time.Time
}

// Monitor sweeps all bindings on an interval and records per-binding health.
type Monitor struct {
	options   OptionSource
	service   TokenDecryptor
	inspector WebhookInspector
	prober    ProbeRunner
	counters  CounterStore
	killer    KillSwitcher
	publisher eventbus.EventPublisher
	cfg       Config
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(
	options OptionSource,
	service TokenDecryptor,
	inspector WebhookInspector,
	prober ProbeRunner,
	counters CounterStore,
	killer KillSwitcher,
	publisher eventbus.EventPublisher,
	cfg Config,
) *Monitor {
	cfg.applyDefaults()

	return &Monitor{
		options:   options,
		service:   service,
		inspector: inspector,
		prober:    prober,
		counters:  counters,
		killer:    killer,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.WithModule("binding_monitor"),
	}
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Sweep(loopCtx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.wg.Wait()
}

// Sweep scores every bound workflow once.
func (m *Monitor) Sweep(ctx context.Context) []Verdict {
	options, err := m.options.GetOptions(ctx, m.cfg.Channel)
	if err != nil {
		m.logger.ErrorContext(ctx, "binding listing failed", "error", err)

		return nil
	}

	verdicts := make([]Verdict, 0, len(options))

	for _, option := range options {
		if option.Policy == nil {
			continue
		}

		verdict := m.CheckBinding(ctx, option)
		verdicts = append(verdicts, verdict)
	}

	return verdicts
}

// CheckBinding scores one binding and persists the result.
func (m *Monitor) CheckBinding(ctx context.Context, option channel.BindingOption) Verdict {
	verdict := Verdict{
		WorkflowID: option.WorkflowID,
		Status:     channel.HealthOK,
		CheckedAt:  time.Now().UTC(),
	}

	m.checkWebhook(ctx, option, &verdict)
	m.checkProbe(ctx, option, &verdict)
	m.checkCounters(ctx, option, &verdict)

	m.record(ctx, option, verdict)

	return verdict
}

func (m *Monitor) checkWebhook(ctx context.Context, option channel.BindingOption, verdict *Verdict) {
	policy := option.Policy
	if policy.Mode != channel.ModeWebhook || m.inspector == nil {
		return
	}

	token, err := m.service.DecryptToken(policy)
	if err != nil {
		verdict.demote(channel.HealthDown, "token_decrypt_failed")

		return
	}

	info, err := m.inspector.GetWebhookInfo(ctx, token)
	if err != nil {
		verdict.demote(channel.HealthDown, "webhook_info_unreachable")

		return
	}

	if normalizeWebhookURL(info.URL) != normalizeWebhookURL(policy.WebhookURL) {
		verdict.demote(channel.HealthDegraded, "webhook_mismatch")
	}

	if info.LastErrorMessage != "" {
		verdict.demote(channel.HealthDegraded, "webhook_delivery_errors")
	}
}

func (m *Monitor) checkProbe(ctx context.Context, option channel.BindingOption, verdict *Verdict) {
	probeChatID := probeChat(option.Policy)
	if !m.cfg.ProbeEnabled || m.prober == nil || probeChatID == "" {
		return
	}

	text := fmt.Sprintf("[monitor] binding probe %s", option.WorkflowID)

	outcome, err := m.prober.Probe(ctx, option.WorkflowID, probeChatID, text)
	if err != nil {
		verdict.demote(channel.HealthDown, "probe_failed")

		return
	}

	switch outcome.Intent {
	case dispatch.IntentWorkflowResult:
	case dispatch.IntentSyncTimeout:
		verdict.demote(channel.HealthDegraded, "probe_timeout")
	case dispatch.IntentAsyncFailure:
		verdict.demote(channel.HealthDown, "probe_workflow_failed")
	default:
		verdict.demote(channel.HealthDegraded, "probe_"+outcome.Intent)
	}
}

func (m *Monitor) checkCounters(ctx context.Context, option channel.BindingOption, verdict *Verdict) {
	counters, err := m.counters.Snapshot(ctx, m.cfg.Channel, option.WorkflowID)
	if err != nil {
		verdict.demote(channel.HealthDegraded, "counters_unreadable")

		return
	}

	if counters.WorkflowMissing >= WorkflowMissingThreshold ||
		counters.EnqueueFailed >= EnqueueFailedThreshold {
		verdict.demote(channel.HealthDown, "error_threshold_exceeded")

		return
	}

	if counters.WorkflowMissing > 0 || counters.EnqueueFailed > 0 {
		verdict.demote(channel.HealthDegraded, "dispatch_errors_present")
	}
}

func (m *Monitor) record(ctx context.Context, option channel.BindingOption, verdict Verdict) {
	workflowID := option.WorkflowID

	if err := m.counters.RecordHeartbeat(ctx, m.cfg.Channel, workflowID, verdict.Status); err != nil {
		m.logger.WarnContext(ctx, "heartbeat write failed", "workflow_id", workflowID, "error", err)
	}

	snapshot := channel.HealthSnapshot{
		Status:        verdict.Status,
		LastCheckedAt: verdict.CheckedAt,
		Detail:        map[string]any{"issues": verdict.Issues},
	}

	if err := m.service.RecordHealthSnapshot(ctx, workflowID, m.cfg.Channel, snapshot); err != nil {
		m.logger.WarnContext(ctx, "health snapshot write failed", "workflow_id", workflowID, "error", err)
	}

	m.announce(ctx, verdict)

	if verdict.Status != channel.HealthDown {
		return
	}

	m.logger.ErrorContext(ctx, "binding down, tripping kill switch",
		"workflow_id", workflowID,
		"issues", strings.Join(verdict.Issues, ","))

	if m.killer != nil {
		if _, err := m.killer.SetKillSwitch(ctx, workflowID, m.cfg.Channel, true, monitorActor); err != nil {
			m.logger.ErrorContext(ctx, "kill switch failed", "workflow_id", workflowID, "error", err)

			return
		}
	}

	// The counters already did their job; reset so a re-enabled binding
	// starts from a clean slate.
	if err := m.counters.Reset(ctx, m.cfg.Channel, workflowID); err != nil {
		m.logger.WarnContext(ctx, "counter reset failed", "workflow_id", workflowID, "error", err)
	}
}

func (m *Monitor) announce(ctx context.Context, verdict Verdict) {
	if m.publisher == nil {
		return
	}

	event := events.BindingHealth{
		BaseEvent:  events.NewBaseEvent(events.BindingHealthChangedEvent, m.cfg.Channel),
		WorkflowID: verdict.WorkflowID,
		Status:     verdict.Status,
		Detail:     map[string]any{"issues": verdict.Issues},
		CheckedAt:  verdict.CheckedAt,
	}

	if err := m.publisher.Publish(ctx, m.cfg.Channel+":"+verdict.WorkflowID, event); err != nil {
		m.logger.WarnContext(ctx, "health event publish failed",
			"workflow_id", verdict.WorkflowID, "error", err)
	}
}

// demote lowers the verdict status, never raising it, and records the issue.
func (v *Verdict) demote(status, issue string) {
	v.Issues = append(v.Issues, issue)

	if rank(status) > rank(v.Status) {
		v.Status = status
	}
}

func rank(status string) int {
	switch status {
	case channel.HealthDown:
		return 2
	case channel.HealthDegraded:
		return 1
	default:
		return 0
	}
}

func normalizeWebhookURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// probeChat picks the chat the end-to-end probe targets: the explicit probe
// chat when configured, otherwise the first allowlisted chat.
func probeChat(policy *channel.BindingPolicy) string {
	if policy.Metadata.ProbeChatID != "" {
		return policy.Metadata.ProbeChatID
	}

	if len(policy.Metadata.AllowedChatIDs) > 0 {
		return policy.Metadata.AllowedChatIDs[0]
	}

	return ""
}

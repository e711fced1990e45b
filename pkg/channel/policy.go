// Package channel holds the channel binding domain: policies mapping Telegram
// bots to workflows, the in-memory registry with active binding selection, and
// the command service that mutates bindings and announces changes.
package channel

import (
	"net/url"
	"regexp"
	"time"
)

const (
	ChannelTelegram = "telegram"

	ModeWebhook = "webhook"
	ModePolling = "polling"

	DefaultWorkflowMissingMessage = "Workflow unavailable, please contact the operator."
	DefaultTimeoutMessage         = "Workflow timeout, please try again."

	DefaultRateLimitPerMin = 60
	DefaultLocale          = "zh-CN"
)

// Binding statuses derived from policy presence and health.
const (
	StatusUnbound  = "unbound"
	StatusBound    = "bound"
	StatusDegraded = "degraded"
)

// Health statuses recorded by the monitor.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
	HealthUnknown  = "unknown"
)

var botTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

// ValidBotToken reports whether token matches the Telegram bot token shape.
func ValidBotToken(token string) bool {
	return botTokenPattern.MatchString(token)
}

// ValidateWebhookURL enforces the https-only webhook rule.
func ValidateWebhookURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return NewValidationError("WEBHOOK_INVALID", "webhook_url must be https")
	}

	return nil
}

// HealthSnapshot is the monitor's latest verdict for a binding.
type HealthSnapshot struct {
	Status        string         `json:"status" bson:"status"`
	LastCheckedAt time.Time      `json:"last_checked_at,omitempty" bson:"last_checked_at,omitempty"`
	Detail        map[string]any `json:"detail,omitempty" bson:"detail,omitempty"`
}

// PolicyMetadata holds the operational knobs of a binding.
type PolicyMetadata struct {
	AllowedChatIDs  []string       `json:"allowed_chat_ids,omitempty" bson:"allowed_chat_ids,omitempty"`
	RateLimitPerMin int            `json:"rate_limit_per_min" bson:"rate_limit_per_min"`
	Locale          string         `json:"locale,omitempty" bson:"locale,omitempty"`
	ProbeChatID     string         `json:"probe_chat_id,omitempty" bson:"probe_chat_id,omitempty"`
	WaitTimeoutSecs int            `json:"wait_timeout_seconds,omitempty" bson:"wait_timeout_seconds,omitempty"`
	Health          HealthSnapshot `json:"health" bson:"health"`
}

// Localization maps template key → locale → text, with a default locale used
// when a binding locale has no entry.
type Localization struct {
	DefaultLocale string                       `json:"default_locale,omitempty" bson:"default_locale,omitempty"`
	Messages      map[string]map[string]string `json:"messages,omitempty" bson:"messages,omitempty"`
}

// BindingPolicy is the persisted configuration binding one workflow to one
// channel. The bot token is stored encrypted; only the mask is ever exposed.
type BindingPolicy struct {
	WorkflowID             string         `json:"workflow_id" bson:"workflow_id"`
	Channel                string         `json:"channel" bson:"channel"`
	EncryptedBotToken      string         `json:"-" bson:"encrypted_bot_token"`
	BotTokenMask           string         `json:"bot_token_mask" bson:"bot_token_mask"`
	WebhookURL             string         `json:"webhook_url" bson:"webhook_url"`
	Mode                   string         `json:"mode" bson:"mode"`
	WaitForResult          bool           `json:"wait_for_result" bson:"wait_for_result"`
	WorkflowMissingMessage string         `json:"workflow_missing_message" bson:"workflow_missing_message"`
	TimeoutMessage         string         `json:"timeout_message" bson:"timeout_message"`
	Metadata               PolicyMetadata `json:"metadata" bson:"metadata"`
	Localization           Localization   `json:"localization,omitempty" bson:"localization,omitempty"`
	KillSwitch             bool           `json:"kill_switch" bson:"kill_switch"`
	SecretVersion          int64          `json:"secret_version" bson:"secret_version"`
	UpdatedBy              string         `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
	UpdatedAt              time.Time      `json:"updated_at" bson:"updated_at"`
}

// ApplyDefaults fills the fields a sparse admin payload may omit.
func (p *BindingPolicy) ApplyDefaults() {
	if p.Channel == "" {
		p.Channel = ChannelTelegram
	}

	if p.Mode == "" {
		p.Mode = ModeWebhook
	}

	if p.WorkflowMissingMessage == "" {
		p.WorkflowMissingMessage = DefaultWorkflowMissingMessage
	}

	if p.TimeoutMessage == "" {
		p.TimeoutMessage = DefaultTimeoutMessage
	}

	if p.Metadata.RateLimitPerMin < 1 {
		p.Metadata.RateLimitPerMin = DefaultRateLimitPerMin
	}

	if p.Metadata.Locale == "" {
		p.Metadata.Locale = DefaultLocale
	}

	if p.Metadata.Health.Status == "" {
		p.Metadata.Health.Status = HealthUnknown
	}
}

// DeriveStatus computes the binding status from policy presence and health.
func DeriveStatus(policy *BindingPolicy) string {
	if policy == nil {
		return StatusUnbound
	}

	switch policy.Metadata.Health.Status {
	case HealthDegraded, HealthDown:
		return StatusDegraded
	default:
		return StatusBound
	}
}

// LocalizedMessage resolves a template key for a locale, falling back to the
// configured default locale, then to fallback.
func (p *BindingPolicy) LocalizedMessage(key, locale, fallback string) string {
	if p == nil || p.Localization.Messages == nil {
		return fallback
	}

	entries, ok := p.Localization.Messages[key]
	if !ok {
		return fallback
	}

	if locale != "" {
		if text, ok := entries[locale]; ok && text != "" {
			return text
		}
	}

	defaultLocale := p.Localization.DefaultLocale
	if defaultLocale == "" {
		defaultLocale = "zh"
	}

	if text, ok := entries[defaultLocale]; ok && text != "" {
		return text
	}

	if text, ok := entries["default"]; ok && text != "" {
		return text
	}

	return fallback
}

// Locale returns the binding's effective locale.
func (p *BindingPolicy) Locale() string {
	if p == nil {
		return "zh"
	}

	if p.Metadata.Locale != "" {
		return p.Metadata.Locale
	}

	if p.Localization.DefaultLocale != "" {
		return p.Localization.DefaultLocale
	}

	return "zh"
}

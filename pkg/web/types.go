// Package web is the gateway's HTTP surface: the Telegram webhook endpoint,
// the binding admin API, health, and metrics.
package web

import (
	"github.com/risehq/rise-gateway/pkg/channel"
)

// UpsertBindingRequest is the admin payload for creating or updating a
// binding. BotToken may be omitted on update to keep the stored credential.
type UpsertBindingRequest struct {
	Channel                string                 `json:"channel,omitempty"`
	BotToken               string                 `json:"bot_token,omitempty"`
	WebhookURL             string                 `json:"webhook_url"             validate:"required,url"`
	Mode                   string                 `json:"mode,omitempty"          validate:"omitempty,oneof=webhook polling"`
	WaitForResult          *bool                  `json:"wait_for_result,omitempty"`
	WorkflowMissingMessage string                 `json:"workflow_missing_message,omitempty"`
	TimeoutMessage         string                 `json:"timeout_message,omitempty"`
	Metadata               channel.PolicyMetadata `json:"metadata,omitempty"`
	Localization           channel.Localization   `json:"localization,omitempty"`
	Actor                  string                 `json:"actor,omitempty"`
}

// RotateTokenRequest swaps the stored bot token.
type RotateTokenRequest struct {
	BotToken string `json:"bot_token" validate:"required"`
	Actor    string `json:"actor,omitempty"`
}

// KillSwitchRequest flips the binding kill switch.
type KillSwitchRequest struct {
	Active bool   `json:"active"`
	Actor  string `json:"actor,omitempty"`
}

// TestMessageRequest pushes a test message through one binding.
type TestMessageRequest struct {
	ChatID string `json:"chat_id" validate:"required"`
	Text   string `json:"text,omitempty"`
}

// SetupWebhookRequest registers the gateway webhook with Telegram for one
// binding.
type SetupWebhookRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

// WebhookResponse is the body returned to Telegram for every accepted update.
type WebhookResponse struct {
	Status     string `json:"status"`
	Mode       string `json:"mode,omitempty"`
	Intent     string `json:"intent,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

package dispatch

import (
	"strings"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/envelope"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

// Template keys resolved through a binding's localization table.
const (
	TemplateAck             = "ack"
	TemplateEnqueueFailure  = "enqueue_failure"
	TemplateWorkflowMissing = "workflow_missing"
	TemplateAsyncFailure    = "async_failure"
	TemplateDegraded        = "degraded"
	TemplateManualReview    = "manual_review"
)

// Hard-coded fallbacks used when a binding carries no localization entry.
const (
	defaultAckText = "We received your request and placed it in queue. Task ID: {task_id}. " +
		"Natanggap namin ang iyong request at nasa pila na ito. Task ID: {task_id}."
	defaultEnqueueFailureText = "The service is busy. Please try again shortly. " +
		"Abala ang serbisyo ngayon; pakiulit maya-maya. Task ID: {task_id}."
	defaultAsyncFailureText = "Processing encountered an issue. We will retry and notify you shortly. Task ID: {task_id}. " +
		"Nagka-aberya sa pagproseso. Susubukan naming muli at ipapaalam sa iyo. Task ID: {task_id}."
	defaultDegradedText = "Channel switched to async due to load. Expect a delayed reply. " +
		"Lumipat sa async mode ang channel dahil sa dami ng request; mangyaring maghintay."
	defaultManualReviewText = "Expect manual review before completion. " +
		"Dadaan muna sa manwal na pagsusuri bago matapos."
	defaultRateLimitedText = "Too many requests for this workflow. Please slow down and retry shortly."
)

var defaultTemplates = map[string]string{
	TemplateAck:             defaultAckText,
	TemplateEnqueueFailure:  defaultEnqueueFailureText,
	TemplateWorkflowMissing: channel.DefaultWorkflowMissingMessage,
	TemplateAsyncFailure:    defaultAsyncFailureText,
	TemplateDegraded:        defaultDegradedText,
	TemplateManualReview:    defaultManualReviewText,
}

// resolveTemplate picks the static text for a template key: binding
// localization first, then policy-level overrides, then the hard default.
func resolveTemplate(policy *channel.BindingPolicy, key string) string {
	fallback := defaultTemplates[key]

	if policy != nil {
		switch key {
		case TemplateWorkflowMissing:
			if policy.WorkflowMissingMessage != "" {
				fallback = policy.WorkflowMissingMessage
			}
		case TemplateAsyncFailure:
			if policy.TimeoutMessage != "" {
				fallback = policy.TimeoutMessage
			}
		}
	}

	locale := envelopeLocale(policy)

	return policy.LocalizedMessage(key, locale, fallback)
}

func envelopeLocale(policy *channel.BindingPolicy) string {
	return policy.Locale()
}

func formatTaskID(template, taskID string) string {
	return strings.ReplaceAll(template, "{task_id}", taskID)
}

// buildContract assembles the adapter contract for an envelope and reply
// chunks. Outbound always disables link previews and replies to the inbound
// message when one exists.
func buildContract(env *envelope.CoreEnvelope, chunks []string) AdapterContract {
	contract := AdapterContract{
		Inbound: AdapterInbound{
			ChatID:    env.Metadata.ChatID,
			RequestID: env.Telemetry.RequestID,
		},
		Outbound: AdapterOutbound{
			ChatID:                env.Metadata.ChatID,
			DisableWebPagePreview: true,
			Chunks:                chunks,
			StreamingBuffer:       streamingBuffer(chunks),
		},
	}

	if env.Payload.MessageID != nil {
		contract.Inbound.MessageID = env.Payload.MessageID
		contract.Outbound.ReplyToMessageID = env.Payload.MessageID
	}

	return contract
}

// streamingBuffer sizes the adapter's streaming buffer from chunk metrics.
func streamingBuffer(chunks []string) int {
	longest := 0

	for _, chunk := range chunks {
		if len(chunk) > longest {
			longest = len(chunk)
		}
	}

	if longest == 0 {
		return 0
	}

	if longest > telegram.MaxMessageLen {
		return telegram.MaxMessageLen
	}

	return longest
}

// staticOutcome builds an outcome whose text is a single static template.
func staticOutcome(env *envelope.CoreEnvelope, text, status, mode, intent, errorHint string, telemetry map[string]any) *Outcome {
	escaped := telegram.EscapeMarkdownV2(text)
	chunks := telegram.SplitMessage(escaped, telegram.MaxMessageLen)

	return &Outcome{
		Status:          status,
		Mode:            mode,
		Intent:          intent,
		AdapterContract: buildContract(env, chunks),
		AgentOutput: AgentOutput{
			ChatID:     env.Metadata.ChatID,
			Text:       escaped,
			ParseMode:  "MarkdownV2",
			StatusCode: 200,
			ErrorHint:  errorHint,
		},
		Telemetry: telemetry,
	}
}

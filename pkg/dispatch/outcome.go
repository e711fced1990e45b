// Package dispatch decides what happens to a validated envelope: which
// binding handles it, whether it is queued or answered synchronously, and
// what goes back to Telegram.
package dispatch

// Outcome statuses.
const (
	StatusHandled     = "handled"
	StatusIgnored     = "ignored"
	StatusRateLimited = "rate_limited"
)

// Outcome modes.
const (
	ModeDirect  = "direct"
	ModeQueued  = "queued"
	ModeIgnored = "ignored"
)

// AdapterInbound echoes the request identity back to the transport adapter.
type AdapterInbound struct {
	ChatID    string `json:"chat_id"`
	MessageID *int64 `json:"message_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AdapterOutbound instructs the adapter how to deliver the reply.
type AdapterOutbound struct {
	ChatID                string   `json:"chat_id"`
	ReplyToMessageID      *int64   `json:"reply_to_message_id,omitempty"`
	DisableWebPagePreview bool     `json:"disable_web_page_preview"`
	Chunks                []string `json:"chunks"`
	StreamingBuffer       int      `json:"streaming_buffer"`
}

// AdapterContract bundles both directions for the transport adapter.
type AdapterContract struct {
	Inbound  AdapterInbound  `json:"inbound"`
	Outbound AdapterOutbound `json:"outbound"`
}

// AgentOutput is the normalized reply body.
type AgentOutput struct {
	ChatID     string `json:"chat_id"`
	Text       string `json:"text"`
	ParseMode  string `json:"parse_mode"`
	StatusCode int    `json:"status_code"`
	ErrorHint  string `json:"error_hint,omitempty"`
}

// Outcome is the dispatcher's verdict for one inbound envelope.
type Outcome struct {
	Status          string          `json:"status"`
	Mode            string          `json:"mode"`
	Intent          string          `json:"intent"`
	TaskID          string          `json:"task_id,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	RetryAfter      int             `json:"retry_after,omitempty"`
	AdapterContract AdapterContract `json:"adapter_contract"`
	AgentOutput     AgentOutput     `json:"agent_output"`
	Telemetry       map[string]any  `json:"telemetry,omitempty"`
}

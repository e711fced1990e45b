// Package envelope defines the channel-agnostic representation of a single
// inbound user interaction and its validation rules.
package envelope

import (
	"regexp"
)

// Version is the only accepted envelope schema version.
const Version = "v1.0.0"

// Envelope limits.
const (
	MaxContextQuotes = 5
	MaxAttachments   = 3
)

// Attachment kinds.
const (
	AttachmentText  = "text"
	AttachmentImage = "image"
	AttachmentFile  = "file"
	AttachmentAudio = "audio"
	AttachmentVoice = "voice"
)

// Safety levels.
const (
	SafetyNormal     = "normal"
	SafetySensitive  = "sensitive"
	SafetyRestricted = "restricted"
)

var (
	languagePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
	checksumPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
	quoteRoles      = map[string]bool{"user": true, "assistant": true, "system": true}
	attachmentKinds = map[string]bool{
		AttachmentText:  true,
		AttachmentImage: true,
		AttachmentFile:  true,
		AttachmentAudio: true,
		AttachmentVoice: true,
	}
	safetyLevels = map[string]bool{
		SafetyNormal:     true,
		SafetySensitive:  true,
		SafetyRestricted: true,
	}
)

type Metadata struct {
	ChatID       string `json:"chat_id"       validate:"required"`
	ConvoID      string `json:"convo_id"      validate:"required"`
	Channel      string `json:"channel"       validate:"required"`
	Language     string `json:"language"`
	TimestampISO string `json:"timestamp_iso,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
}

type ContextQuote struct {
	Speaker      string `json:"speaker"`
	Excerpt      string `json:"excerpt"`
	Role         string `json:"role"`
	TimestampISO string `json:"timestamp_iso,omitempty"`
}

type Attachment struct {
	Kind           string `json:"kind"`
	Source         string `json:"source"`
	Summary        string `json:"summary,omitempty"`
	MimeSizeBytes  int64  `json:"mime_size_bytes,omitempty"`
	ChecksumSHA256 string `json:"checksum_sha256,omitempty"`
}

type Payload struct {
	UserMessage   string         `json:"user_message" validate:"required"`
	ContextQuotes []ContextQuote `json:"context_quotes,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	SystemTags    []string       `json:"system_tags,omitempty"`
	MessageTS     string         `json:"message_ts,omitempty"`
	MessageID     *int64         `json:"message_id,omitempty"`
}

type ExtFlags struct {
	ReplyToBot  bool     `json:"reply_to_bot,omitempty"`
	IntentHint  string   `json:"intent_hint,omitempty"`
	KBScope     []string `json:"kb_scope,omitempty"`
	SafetyLevel string   `json:"safety_level,omitempty"`
}

type Telemetry struct {
	RequestID             string  `json:"request_id,omitempty"`
	TraceID               string  `json:"trace_id,omitempty"`
	LatencyMS             float64 `json:"latency_ms,omitempty"`
	ValidationMS          float64 `json:"validation_ms,omitempty"`
	StatusCode            int     `json:"status_code,omitempty"`
	ErrorHint             string  `json:"error_hint,omitempty"`
	TrimTotal             int     `json:"core_envelope_trim_total,omitempty"`
	AttachmentRejectTotal int     `json:"core_envelope_attachment_reject_total,omitempty"`
}

// CoreEnvelope is immutable after Validate; dispatchers carry it by pointer
// but never mutate it.
type CoreEnvelope struct {
	Metadata  Metadata  `json:"metadata"`
	Payload   Payload   `json:"payload"`
	ExtFlags  ExtFlags  `json:"ext_flags"`
	Telemetry Telemetry `json:"telemetry"`
	Version   string    `json:"version"`
}

// Validate enforces the CoreEnvelope invariants in place: quote trimming to
// the most recent MaxContextQuotes (count recorded in telemetry), attachment
// limits, field patterns, and default ext flags.
func (e *CoreEnvelope) Validate() error {
	if e.Version == "" {
		e.Version = Version
	}

	if e.Version != Version {
		return newValidationError("version", "unsupported schema version "+e.Version)
	}

	if e.Metadata.ChatID == "" {
		return newValidationError("metadata.chat_id", "must not be empty")
	}

	if e.Metadata.ConvoID == "" {
		e.Metadata.ConvoID = e.Metadata.ChatID
	}

	if e.Metadata.Channel == "" {
		return newValidationError("metadata.channel", "must not be empty")
	}

	if e.Metadata.Language != "" && !languagePattern.MatchString(e.Metadata.Language) {
		return newValidationError("metadata.language", "must match ^[a-z]{2}(-[A-Z]{2})?$")
	}

	if e.Payload.UserMessage == "" {
		return newValidationError("payload.user_message", "must not be empty")
	}

	if len(e.Payload.Attachments) > MaxAttachments {
		e.Telemetry.AttachmentRejectTotal++

		return ErrPayloadTooLarge
	}

	for i := range e.Payload.Attachments {
		attachment := &e.Payload.Attachments[i]
		if !attachmentKinds[attachment.Kind] {
			return newValidationError("payload.attachments.kind", "unknown kind "+attachment.Kind)
		}

		if attachment.ChecksumSHA256 != "" && !checksumPattern.MatchString(attachment.ChecksumSHA256) {
			return newValidationError("payload.attachments.checksum_sha256", "must be 64 lowercase hex characters")
		}
	}

	if trimmed := len(e.Payload.ContextQuotes) - MaxContextQuotes; trimmed > 0 {
		e.Payload.ContextQuotes = e.Payload.ContextQuotes[len(e.Payload.ContextQuotes)-MaxContextQuotes:]
		e.Telemetry.TrimTotal += trimmed
	}

	for i := range e.Payload.ContextQuotes {
		quote := &e.Payload.ContextQuotes[i]
		if quote.Role == "" {
			quote.Role = "user"
		}

		if !quoteRoles[quote.Role] {
			return newValidationError("payload.context_quotes.role", "unknown role "+quote.Role)
		}
	}

	if e.ExtFlags.SafetyLevel == "" {
		e.ExtFlags.SafetyLevel = SafetyNormal
	}

	if !safetyLevels[e.ExtFlags.SafetyLevel] {
		return newValidationError("ext_flags.safety_level", "unknown safety level "+e.ExtFlags.SafetyLevel)
	}

	if len(e.ExtFlags.KBScope) == 0 {
		e.ExtFlags.KBScope = []string{"global"}
	}

	if e.Payload.MessageTS == "" && e.Metadata.TimestampISO != "" {
		e.Payload.MessageTS = e.Metadata.TimestampISO
	}

	return nil
}

// LoggingFields returns the structured log attributes for this envelope.
func (e *CoreEnvelope) LoggingFields() []any {
	return []any{
		"chat_id", e.Metadata.ChatID,
		"channel", e.Metadata.Channel,
		"convo_id", e.Metadata.ConvoID,
		"language", e.Metadata.Language,
		"context_quote_count", len(e.Payload.ContextQuotes),
		"attachment_count", len(e.Payload.Attachments),
		"safety_level", e.ExtFlags.SafetyLevel,
		"request_id", e.Telemetry.RequestID,
	}
}

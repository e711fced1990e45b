package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLanguage is applied when neither the sender nor the chat carries a
// language code.
const DefaultLanguage = "zh-CN"

// BuildOptions parameterise envelope construction per channel binding.
type BuildOptions struct {
	Channel         string
	DefaultLanguage string
	RequestID       string
	SeedQuotes      []ContextQuote
}

// Build converts a parsed Telegram update into a validated CoreEnvelope.
// Only plain messages are actionable; edited messages and any other update
// kind return ErrUnsupportedUpdate so the webhook can acknowledge them as a
// no-op. A message without text or caption is equally unsupported.
func Build(update *Update, opts BuildOptions) (*CoreEnvelope, error) {
	if update == nil {
		return nil, fmt.Errorf("%w: empty update", ErrUnsupportedUpdate)
	}

	if update.Message == nil {
		if update.EditedMessage != nil {
			return nil, fmt.Errorf("%w: edited_message", ErrUnsupportedUpdate)
		}

		return nil, fmt.Errorf("%w: no message present", ErrUnsupportedUpdate)
	}

	message := update.Message
	if message.Chat == nil {
		return nil, newValidationError("message.chat", "must be present")
	}

	userMessage := strings.TrimSpace(message.Text)
	if userMessage == "" {
		userMessage = strings.TrimSpace(message.Caption)
	}

	if userMessage == "" {
		return nil, fmt.Errorf("%w: message has no text", ErrUnsupportedUpdate)
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	threadID := resolveThreadID(message, chatID)

	convoID := chatID
	if message.Chat.Type != "private" {
		convoID = chatID + ":" + threadID
	}

	channel := opts.Channel
	if channel == "" {
		channel = "telegram"
	}

	env := &CoreEnvelope{
		Metadata: Metadata{
			ChatID:       chatID,
			ConvoID:      convoID,
			Channel:      channel,
			Language:     resolveLanguage(message, opts),
			TimestampISO: messageTimestamp(message),
			ThreadID:     threadID,
		},
		Payload: Payload{
			UserMessage:   userMessage,
			ContextQuotes: buildQuotes(message, opts.SeedQuotes),
			Attachments:   buildAttachments(message),
			MessageID:     messageID(message),
		},
		ExtFlags: ExtFlags{
			ReplyToBot: message.ReplyToMessage != nil &&
				message.ReplyToMessage.From != nil &&
				message.ReplyToMessage.From.IsBot,
		},
		Telemetry: Telemetry{
			RequestID: opts.RequestID,
		},
		Version: Version,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}

func messageID(message *Message) *int64 {
	if message.MessageID == 0 {
		return nil
	}

	id := message.MessageID

	return &id
}

func resolveThreadID(message *Message, chatID string) string {
	if message.MessageThreadID != 0 {
		return strconv.FormatInt(message.MessageThreadID, 10)
	}

	if message.Chat.ThreadID != 0 {
		return strconv.FormatInt(message.Chat.ThreadID, 10)
	}

	return chatID
}

func resolveLanguage(message *Message, opts BuildOptions) string {
	if message.From != nil && message.From.LanguageCode != "" {
		if normalized, ok := normalizeLanguage(message.From.LanguageCode); ok {
			return normalized
		}
	}

	if message.Chat.LanguageCode != "" {
		if normalized, ok := normalizeLanguage(message.Chat.LanguageCode); ok {
			return normalized
		}
	}

	if opts.DefaultLanguage != "" {
		return opts.DefaultLanguage
	}

	return DefaultLanguage
}

func normalizeLanguage(code string) (string, bool) {
	parts := strings.SplitN(code, "-", 2)
	normalized := strings.ToLower(parts[0])
	if len(parts) == 2 {
		normalized += "-" + strings.ToUpper(parts[1])
	}

	if !languagePattern.MatchString(normalized) {
		return "", false
	}

	return normalized, true
}

func messageTimestamp(message *Message) string {
	if message.Date == 0 {
		return ""
	}

	return time.Unix(message.Date, 0).UTC().Format(time.RFC3339)
}

func buildQuotes(message *Message, seed []ContextQuote) []ContextQuote {
	quotes := make([]ContextQuote, 0, len(seed)+1)
	quotes = append(quotes, seed...)

	reply := message.ReplyToMessage
	if reply == nil {
		return quotes
	}

	excerpt := strings.TrimSpace(reply.Text)
	if excerpt == "" {
		excerpt = strings.TrimSpace(reply.Caption)
	}

	if excerpt == "" {
		return quotes
	}

	quote := ContextQuote{
		Speaker:      quoteSpeaker(reply),
		Excerpt:      excerpt,
		Role:         "user",
		TimestampISO: messageTimestamp(reply),
	}
	if reply.From != nil && reply.From.IsBot {
		quote.Role = "assistant"
	}

	return append(quotes, quote)
}

func quoteSpeaker(message *Message) string {
	if message.From == nil {
		return "unknown"
	}

	if message.From.Username != "" {
		return message.From.Username
	}

	name := strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
	if name != "" {
		return name
	}

	return strconv.FormatInt(message.From.ID, 10)
}

func buildAttachments(message *Message) []Attachment {
	var attachments []Attachment

	if len(message.Photo) > 0 {
		// Telegram sends ascending resolutions; the last entry is the
		// full-size photo.
		photo := message.Photo[len(message.Photo)-1]
		attachments = append(attachments, Attachment{
			Kind:          AttachmentImage,
			Source:        photo.FileID,
			MimeSizeBytes: photo.FileSize,
		})
	}

	documents := message.Documents
	if len(documents) == 0 && message.Document != nil {
		documents = []Document{*message.Document}
	}

	for _, document := range documents {
		attachment := Attachment{
			Kind:          AttachmentFile,
			Source:        document.FileID,
			Summary:       document.FileName,
			MimeSizeBytes: document.FileSize,
		}
		if checksumPattern.MatchString(document.FileUniqueID) {
			attachment.ChecksumSHA256 = document.FileUniqueID
		}

		attachments = append(attachments, attachment)
	}

	if message.Voice != nil {
		attachments = append(attachments, Attachment{
			Kind:          AttachmentVoice,
			Source:        message.Voice.FileID,
			MimeSizeBytes: message.Voice.FileSize,
		})
	}

	return attachments
}

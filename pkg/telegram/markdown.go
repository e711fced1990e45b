package telegram

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is the maximum Telegram message length.
const MaxMessageLen = 4096

// markdownV2Specials is the character class Telegram requires escaped in
// MarkdownV2 text.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 backslash-escapes every MarkdownV2 special character.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder

	b.Grow(len(text))

	for _, r := range text {
		if r < 128 && strings.ContainsRune(markdownV2Specials, r) {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

// SplitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of the chunk.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}

	if text == "" {
		return nil
	}

	var parts []string

	remaining := text
	for len(remaining) > maxLen {
		// Back the cut off to a rune boundary so a chunk never ends mid-rune.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(remaining[cut]) {
			cut--
		}

		if cut == 0 {
			cut = maxLen
		}

		chunk := remaining[:cut]

		splitIdx := strings.LastIndex(chunk, "\n")
		if splitIdx < maxLen/2 {
			splitIdx = cut
		} else {
			splitIdx++
		}

		parts = append(parts, remaining[:splitIdx])
		remaining = remaining[splitIdx:]
	}

	if remaining != "" {
		parts = append(parts, remaining)
	}

	return parts
}

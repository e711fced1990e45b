package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPromptSubstitutesKnownKeys(t *testing.T) {
	rendered := RenderPrompt("Answer {user_text} for {workflow_id}", map[string]string{
		"user_text":   "ping",
		"workflow_id": "wf-1",
	})

	assert.Equal(t, "Answer ping for wf-1", rendered)
}

func TestRenderPromptKeepsMissingKeysLiteral(t *testing.T) {
	rendered := RenderPrompt("Summary: {chat_summary}; prior: {previous_stage_outputs}", map[string]string{
		"chat_summary": "none",
	})

	assert.Equal(t, "Summary: none; prior: {previous_stage_outputs}", rendered)
}

func TestRenderPromptLeavesPlainTextUntouched(t *testing.T) {
	assert.Equal(t, "no placeholders here", RenderPrompt("no placeholders here", nil))
}

func TestRenderPromptEmptyValueStillSubstitutes(t *testing.T) {
	assert.Equal(t, "got: ", RenderPrompt("got: {user_text}", map[string]string{"user_text": ""}))
}

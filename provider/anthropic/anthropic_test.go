package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/turnpipe/turnpipe/provider"
)

// decode parses a captured Messages API response body.
func decode(t *testing.T, raw string) *sdk.Message {
	t.Helper()
	var msg sdk.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestTranslateRequiresMessage(t *testing.T) {
	_, err := Translate(nil)
	require.Error(t, err)
}

func TestTranslateToolTurn(t *testing.T) {
	msg := decode(t, `{
		"id": "msg_01abc",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"stop_reason": "tool_use",
		"content": [
			{"type": "thinking", "thinking": "Need fresh data.", "signature": "sig-1"},
			{"type": "text", "text": "Checking the latest release."},
			{"type": "tool_use", "id": "toolu_01", "name": "web_search", "input": {"q": "go 1.25"}}
		],
		"usage": {"input_tokens": 42, "output_tokens": 17}
	}`)

	got, err := Translate(msg)
	require.NoError(t, err)

	assert.Equal(t, provider.RoleAssistant, got.Role)
	assert.Equal(t, "msg_01abc", got.ID)
	require.NotNil(t, got.Meta)
	assert.Equal(t, "claude-sonnet-4-5", got.Meta.Model)
	assert.Equal(t, "tool_use", got.Meta.StopReason)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 42, got.Usage.InputTokens)
	assert.Equal(t, 17, got.Usage.OutputTokens)

	require.Len(t, got.Parts, 3)
	thinking, ok := got.Parts[0].(provider.ThinkingPart)
	require.True(t, ok)
	assert.Equal(t, "Need fresh data.", thinking.Text)
	assert.Equal(t, "sig-1", thinking.Signature)

	text, ok := got.Parts[1].(provider.TextPart)
	require.True(t, ok)
	assert.Equal(t, "Checking the latest release.", text.Text)

	tool, ok := got.Parts[2].(provider.ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", tool.ID)
	assert.Equal(t, "web_search", tool.Name)
	assert.JSONEq(t, `{"q": "go 1.25"}`, string(tool.Args))
}

func TestTranslateCitations(t *testing.T) {
	msg := decode(t, `{
		"id": "msg_02",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"stop_reason": "end_turn",
		"content": [
			{"type": "text", "text": "Cited answer.", "citations": [
				{"type": "web_search_result_location", "cited_text": "the snippet", "url": "https://example.com/doc", "title": "Example Doc"}
			]}
		],
		"usage": {"input_tokens": 5, "output_tokens": 3}
	}`)

	got, err := Translate(msg)
	require.NoError(t, err)
	require.Len(t, got.Parts, 1)

	text := got.Parts[0].(provider.TextPart)
	require.Len(t, text.Citations, 1)
	assert.Equal(t, "Example Doc", text.Citations[0].Title)
	assert.Equal(t, "https://example.com/doc", text.Citations[0].URI)
	assert.Equal(t, "the snippet", text.Citations[0].Snippet)
}

func TestTranslateSkipsUnknownBlocks(t *testing.T) {
	msg := decode(t, `{
		"id": "msg_03",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"stop_reason": "end_turn",
		"content": [
			{"type": "redacted_thinking", "data": "opaque"},
			{"type": "text", "text": "visible"}
		],
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`)

	got, err := Translate(msg)
	require.NoError(t, err)
	require.Len(t, got.Parts, 1)
	assert.Equal(t, "visible", got.Parts[0].(provider.TextPart).Text)
}

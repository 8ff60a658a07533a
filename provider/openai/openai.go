// Package openai translates Chat Completions responses into the raw message
// form the pipeline normalizes. The API has no content blocks: text arrives
// as one string and tool calls as a flat list, so the translated message uses
// the flat fields and the normalizer's dedup handles the rest.
package openai

import (
	"encoding/json"
	"errors"

	openai "github.com/openai/openai-go"

	"github.com/turnpipe/turnpipe/provider"
)

// Translate converts one chat completion. Only the first choice is read: the
// pipeline processes single-candidate turns.
func Translate(resp *openai.ChatCompletion) (provider.Message, error) {
	if resp == nil {
		return provider.Message{}, errors.New("openai: response is nil")
	}
	if len(resp.Choices) == 0 {
		return provider.Message{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := provider.Message{
		Role: provider.RoleAssistant,
		ID:   resp.ID,
		Text: choice.Message.Content,
		Usage: &provider.Usage{
			InputTokens:     int(resp.Usage.PromptTokens),
			OutputTokens:    int(resp.Usage.CompletionTokens),
			ReasoningTokens: int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
		},
		Meta: &provider.Meta{
			Model:      resp.Model,
			StopReason: string(choice.FinishReason),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		var args json.RawMessage
		if call.Function.Arguments != "" {
			args = json.RawMessage(call.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

// Package anthropic translates Claude Messages API responses into the raw
// message form the pipeline normalizes. Translation is lossless for the
// blocks the pipeline understands (text, thinking, tool_use) and drops the
// rest; stop reasons and usage pass through untouched for the normalizer to
// interpret.
package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/turnpipe/turnpipe/provider"
)

// Translate converts one Messages API response. Server-side tool invocations
// ("server_tool_use") map to tool-use parts like client tools so the
// lifecycle discipline covers both.
func Translate(msg *sdk.Message) (provider.Message, error) {
	if msg == nil {
		return provider.Message{}, errors.New("anthropic: response message is nil")
	}
	out := provider.Message{
		Role: provider.RoleAssistant,
		ID:   msg.ID,
		Usage: &provider.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Meta: &provider.Meta{
			Model:      string(msg.Model),
			StopReason: string(msg.StopReason),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out.Parts = append(out.Parts, provider.TextPart{
				Text:      block.Text,
				Citations: convertCitations(block.Citations),
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			out.Parts = append(out.Parts, provider.ThinkingPart{
				Text:      block.Thinking,
				Signature: block.Signature,
			})
		case "tool_use", "server_tool_use":
			var args json.RawMessage
			if block.Input != nil {
				data, err := json.Marshal(block.Input)
				if err != nil {
					return provider.Message{}, fmt.Errorf("anthropic: marshal tool input for %q: %w", block.Name, err)
				}
				args = data
			}
			out.Parts = append(out.Parts, provider.ToolUsePart{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	return out, nil
}

func convertCitations(in []sdk.TextCitationUnion) []provider.Citation {
	if len(in) == 0 {
		return nil
	}
	out := make([]provider.Citation, 0, len(in))
	for _, c := range in {
		title := c.Title
		if title == "" {
			title = c.DocumentTitle
		}
		out = append(out, provider.Citation{
			Title:   title,
			URI:     c.URL,
			Snippet: c.CitedText,
		})
	}
	return out
}

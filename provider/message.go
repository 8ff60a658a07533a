// Package provider defines the raw, provider-shaped message handed to the
// pipeline by the caller's model layer. The shape is deliberately loose: it
// mirrors what vendors actually return (string content or ordered typed
// blocks, a legacy flat tool-call list, metadata in one or two places) so
// that adapters can translate SDK responses without loss. Normalization into
// typed pipeline events happens downstream; nothing here is interpreted.
//
// Subpackages anthropic, openai, and bedrock translate the corresponding SDK
// response types into Message values.
package provider

import "encoding/json"

// Role values carried by raw messages. Only assistant messages yield events;
// tool messages carry results the pipeline pairs with earlier requests; other
// roles pass through the pipeline untouched.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

type (
	// Part is one typed content block of a raw message. Implementations are
	// TextPart, ThinkingPart, and ToolUsePart.
	Part interface {
		isPart()
	}

	// TextPart carries user-visible assistant text.
	TextPart struct {
		// Text is the visible content.
		Text string
		// Citations are source references the provider attached to the text.
		Citations []Citation
	}

	// ThinkingPart carries provider reasoning emitted ahead of the answer.
	ThinkingPart struct {
		// Text is the plaintext reasoning.
		Text string
		// Signature authenticates the reasoning block when the provider signs it.
		Signature string
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID is the provider's tool-use identifier. May be empty; the pipeline
		// mints a durable id and records the correlation when it is.
		ID string
		// Name is the tool name as the provider emitted it.
		Name string
		// Args is the raw JSON argument payload.
		Args json.RawMessage
	}

	// ToolCall is one entry of the legacy flat tool-call list some providers
	// emit alongside (or instead of) structured tool-use blocks. When the same
	// call appears in both places the structured block wins.
	ToolCall struct {
		ID   string
		Name string
		Args json.RawMessage
	}

	// Citation is a source reference attached to text content.
	Citation struct {
		Title   string
		URI     string
		Snippet string
	}

	// Usage reports token consumption for one raw message.
	Usage struct {
		InputTokens     int
		OutputTokens    int
		ReasoningTokens int
	}

	// Meta is the secondary response-metadata location. Providers disagree on
	// where ids, models, and usage live; normalization checks Message fields
	// first and falls back to Meta.
	Meta struct {
		// MessageID is the provider's message identifier.
		MessageID string
		// Model names the model that produced the message.
		Model string
		// StopReason is the provider-specific termination cause, unmapped.
		StopReason string
		// Usage is the legacy usage location, consulted when the message-level
		// usage block is absent.
		Usage *Usage
	}

	// Message is one raw provider-shaped message within a turn.
	Message struct {
		// Role discriminates the message kind. Required.
		Role string
		// ID is the direct message identifier, when the provider sets one.
		ID string
		// Text is plain string content. Ignored when Parts is non-empty.
		Text string
		// Parts is ordered typed content. Takes precedence over Text.
		Parts []Part
		// ToolCalls is the legacy flat tool-call list.
		ToolCalls []ToolCall
		// Usage is the primary usage block.
		Usage *Usage
		// Meta carries secondary response metadata.
		Meta *Meta
		// AgentID optionally names the agent that produced this message. Events
		// derived from the message inherit it as their attribution hint.
		AgentID string
		// ToolUseID identifies, for tool-role messages, the invocation this
		// result answers.
		ToolUseID string
		// ToolName optionally names the tool for tool-role messages.
		ToolName string
		// IsError reports, for tool-role messages, that the tool failed.
		IsError bool
	}
)

func (TextPart) isPart()     {}
func (ThinkingPart) isPart() {}
func (ToolUsePart) isPart()  {}

// Result returns the content payload of a tool-role message as raw JSON.
// Content that is already valid JSON passes through; other string content is
// quoted.
func (m Message) Result() json.RawMessage {
	if m.Text == "" {
		return nil
	}
	if json.Valid([]byte(m.Text)) {
		return json.RawMessage(m.Text)
	}
	b, err := json.Marshal(m.Text)
	if err != nil {
		return nil
	}
	return b
}

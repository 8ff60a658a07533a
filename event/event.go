// Package event defines the typed events that flow through the agent event
// pipeline. A raw provider message is normalized into zero or more events,
// attributed to an agent, assigned a global sequence number, and then
// dispatched to live subscribers and durable storage.
//
// Event is a sealed interface: the concrete variants are Thinking,
// AssistantMessage, ToolRequest, ToolResponse, AgentChanged, and Completion.
// Consumers switch on the concrete type to access variant-specific fields:
//
//	switch e := evt.(type) {
//	case *event.AssistantMessage:
//	    render(e.Content)
//	case *event.ToolRequest:
//	    show(e.ToolName, e.Args)
//	}
package event

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Kind identifies the event variant. Kinds are stable wire/storage values.
	Kind string

	// Strategy selects the persistence tier for an event. Strategies and
	// visibility are independent axes: an internal event can be durably stored
	// without ever being emitted live, and the transient completion signal is
	// emitted live without ever being stored.
	Strategy string

	// StopReason is the normalized termination cause for a model response.
	// Provider-specific values are mapped onto this three-value enum during
	// normalization; unrecognized values fall back to StopEndTurn.
	StopReason string

	// Agent is the opaque identity of a logical agent as supplied by the
	// caller. The pipeline carries it for attribution and display grouping
	// but never interprets it.
	Agent struct {
		// ID uniquely identifies the agent.
		ID string `json:"id"`
		// Name is the display name shown to end users.
		Name string `json:"name,omitempty"`
		// Color is an optional UI accent (hex or token), opaque to the pipeline.
		Color string `json:"color,omitempty"`
	}

	// Usage reports token consumption attributed to a single event.
	// Reasoning-only events carry zero input/output tokens with a separate
	// reasoning count; message events carry the input/output totals of the
	// raw message they came from.
	Usage struct {
		InputTokens     int `json:"input_tokens"`
		OutputTokens    int `json:"output_tokens"`
		ReasoningTokens int `json:"reasoning_tokens"`
	}

	// Citation is a source reference attached to assistant text.
	Citation struct {
		Title   string `json:"title,omitempty"`
		URI     string `json:"uri,omitempty"`
		Snippet string `json:"snippet,omitempty"`
	}

	// Event is the interface implemented by every pipeline event. It exposes
	// the fields shared by all variants; variant-specific payloads live on the
	// concrete types. The interface is sealed so the dispatcher's type switch
	// covers every variant that can exist.
	Event interface {
		// Kind returns the variant tag for this event.
		Kind() Kind
		// SessionID returns the chat session the event belongs to.
		SessionID() string
		// OriginalIndex returns the index of the raw provider message this
		// event was derived from, preserving intra-turn order before global
		// sequencing. Synthesized events inherit the index of the event they
		// were inserted next to.
		OriginalIndex() int
		// AgentID returns the effective source agent for this event. It is
		// empty until attribution resolves it (event-level hint first, then
		// the turn's identity).
		AgentID() string
		// MessageID returns the resolved id of the raw message this event came
		// from. Never empty for normalizer-produced events.
		MessageID() string
		// Internal reports whether the event is an infrastructure artifact
		// (agent handoffs, audit records) that must not be shown to end users.
		Internal() bool
		// Strategy returns the persistence tier for this event.
		Strategy() Strategy
		// Seq returns the global sequence number, or a negative value before
		// assignment. Immutable once assigned.
		Seq() int64
		// Timestamp returns the event creation time in Unix milliseconds.
		Timestamp() int64

		isEvent()
	}

	// Mutator is implemented by every event variant. Pipeline stages use it
	// to stamp resolution results (agent, sequence number, message id,
	// internal flag) onto events held behind the Event interface. Each field
	// is stamped at most once by its owning stage.
	Mutator interface {
		SetAgentID(id string)
		SetMessageID(id string)
		SetInternal(v bool)
		SetSeq(seq int64)
	}

	// base carries the fields common to all event variants.
	base struct {
		sessionID     string
		originalIndex int
		agentID       string
		messageID     string
		internal      bool
		strategy      Strategy
		seq           int64
		timestamp     int64
	}

	// Thinking is a reasoning block surfaced to the user ahead of the text it
	// explains. Usage carries reasoning tokens only.
	Thinking struct {
		base
		// Content is the reasoning text.
		Content string
		// Signature is the provider's integrity signature for the reasoning
		// block, when one was supplied.
		Signature string
		// Usage carries the reasoning token count; input/output are zero.
		Usage Usage
	}

	// AssistantMessage is user-visible assistant text.
	AssistantMessage struct {
		base
		// Content is the message text. Never empty: whitespace-only content is
		// dropped during normalization.
		Content string
		// Model names the model that produced the message, when reported.
		Model string
		// StopReason is the normalized termination cause of the raw message.
		StopReason StopReason
		// Usage carries the raw message's input/output token counts.
		Usage Usage
		// Citations are source references attached to the text.
		Citations []Citation
	}

	// ToolRequest records that the model asked for a tool invocation.
	ToolRequest struct {
		base
		// ToolUseID correlates this request with its eventual response.
		ToolUseID string
		// ToolName is the canonical tool identifier.
		ToolName string
		// Args is the raw argument payload as emitted by the provider.
		Args json.RawMessage
	}

	// ToolResponse records the outcome of a tool invocation. Every persisted
	// request is eventually paired with exactly one response, genuine or
	// synthesized at turn end.
	ToolResponse struct {
		base
		// ToolUseID matches the paired request.
		ToolUseID string
		// ToolName is the canonical tool identifier.
		ToolName string
		// Result is the tool output payload. Nil for synthesized failures.
		Result json.RawMessage
		// Success reports whether the invocation completed normally.
		Success bool
		// Error is the failure description when Success is false.
		Error string
	}

	// AgentChanged marks a handoff between agents inside one turn. It is
	// synthesized by attribution, flagged internal, and durably stored so
	// reconstruction can replay the same grouping the live stream showed.
	AgentChanged struct {
		base
		// From is the identity that produced the preceding events.
		From Agent
		// To is the identity that produces the following events.
		To Agent
	}

	// Completion is the terminal signal for a turn. It is emitted to live
	// subscribers exactly once per turn, carries the aggregate token usage and
	// model, and is never persisted or sequenced.
	Completion struct {
		base
		// Model names the model of the final raw message in the turn.
		Model string
		// StopReason is the normalized stop reason of the final raw message.
		StopReason StopReason
		// Usage is the aggregate token usage across the whole turn.
		Usage Usage
		// ToolsUsed counts non-internal tool invocations in the turn.
		ToolsUsed int
		// Error describes the abort cause when the turn terminated abnormally.
		// Empty on success.
		Error string
	}
)

const (
	KindThinking         Kind = "thinking"
	KindAssistantMessage Kind = "assistant_message"
	KindToolRequest      Kind = "tool_request"
	KindToolResponse     Kind = "tool_response"
	KindAgentChanged     Kind = "agent_changed"
	KindCompletion       Kind = "completion"
)

const (
	// StrategyTransient events are never stored.
	StrategyTransient Strategy = "transient"
	// StrategyAsync events are stored after live emission, best effort.
	StrategyAsync Strategy = "async_allowed"
	// StrategySync events must be durably written before the turn continues.
	StrategySync Strategy = "sync_required"
)

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ErrUnknownKind is returned by the dispatcher when an event variant is not
// covered by its switch. Seeing it means a new variant was added without
// updating dispatch.
var ErrUnknownKind = errors.New("event: unknown event kind")

// InterruptedError is the failure description attached to tool responses
// synthesized for requests whose genuine response never arrived.
const InterruptedError = "tool execution interrupted before a result was received"

// newBase constructs the shared fields with the current timestamp and an
// unassigned sequence number.
func newBase(sessionID string, originalIndex int, strategy Strategy) base {
	return base{
		sessionID:     sessionID,
		originalIndex: originalIndex,
		strategy:      strategy,
		seq:           -1,
		timestamp:     time.Now().UnixMilli(),
	}
}

// NewThinking builds a reasoning event with reasoning-only token usage.
func NewThinking(sessionID string, originalIndex int, content, signature string, reasoningTokens int) *Thinking {
	return &Thinking{
		base:      newBase(sessionID, originalIndex, StrategyAsync),
		Content:   content,
		Signature: signature,
		Usage:     Usage{ReasoningTokens: reasoningTokens},
	}
}

// NewAssistantMessage builds a user-visible text event carrying the raw
// message's model, stop reason, and input/output usage.
func NewAssistantMessage(sessionID string, originalIndex int, content, model string, stop StopReason, usage Usage, citations []Citation) *AssistantMessage {
	return &AssistantMessage{
		base:       newBase(sessionID, originalIndex, StrategyAsync),
		Content:    content,
		Model:      model,
		StopReason: stop,
		Usage:      Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
		Citations:  citations,
	}
}

// NewToolRequest builds a tool invocation request. Requests are written
// synchronously so a response row can never land before its request.
func NewToolRequest(sessionID string, originalIndex int, toolUseID, toolName string, args json.RawMessage) *ToolRequest {
	return &ToolRequest{
		base:      newBase(sessionID, originalIndex, StrategySync),
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Args:      args,
	}
}

// NewToolResponse builds a genuine tool outcome event.
func NewToolResponse(sessionID string, originalIndex int, toolUseID, toolName string, result json.RawMessage, success bool, errMsg string) *ToolResponse {
	return &ToolResponse{
		base:      newBase(sessionID, originalIndex, StrategyAsync),
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Result:    result,
		Success:   success,
		Error:     errMsg,
	}
}

// NewInterruptedToolResponse builds the synthetic failure that force-closes an
// orphaned request at turn end. It is written synchronously: the whole point
// of the synthetic row is that it must not be lost.
func NewInterruptedToolResponse(sessionID string, originalIndex int, toolUseID, toolName string) *ToolResponse {
	return &ToolResponse{
		base:      newBase(sessionID, originalIndex, StrategySync),
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Success:   false,
		Error:     InterruptedError,
	}
}

// NewAgentChanged builds a handoff marker between two identities. The event is
// internal and written synchronously so reconstruction ordering never depends
// on a best-effort write.
func NewAgentChanged(sessionID string, originalIndex int, from, to Agent) *AgentChanged {
	e := &AgentChanged{
		base: newBase(sessionID, originalIndex, StrategySync),
		From: from,
		To:   to,
	}
	e.internal = true
	e.agentID = to.ID
	return e
}

// NewCompletion builds the transient terminal signal for a turn.
func NewCompletion(sessionID string, originalIndex int, model string, stop StopReason, usage Usage, toolsUsed int, errMsg string) *Completion {
	return &Completion{
		base:       newBase(sessionID, originalIndex, StrategyTransient),
		Model:      model,
		StopReason: stop,
		Usage:      usage,
		ToolsUsed:  toolsUsed,
		Error:      errMsg,
	}
}

func (e base) SessionID() string  { return e.sessionID }
func (e base) OriginalIndex() int { return e.originalIndex }
func (e base) AgentID() string    { return e.agentID }
func (e base) MessageID() string  { return e.messageID }
func (e base) Internal() bool     { return e.internal }
func (e base) Strategy() Strategy { return e.strategy }
func (e base) Seq() int64         { return e.seq }
func (e base) Timestamp() int64   { return e.timestamp }

// isEvent seals the interface: only pointers to the variants declared in this
// package implement Event, so Mutator assertions never fail.
func (e *base) isEvent() {}

// SetAgentID stamps the effective source agent. Attribution calls this once
// per event while resolving hints against the turn identity.
func (e *base) SetAgentID(id string) { e.agentID = id }

// SetMessageID stamps the resolved raw-message id on the event.
func (e *base) SetMessageID(id string) { e.messageID = id }

// SetInternal marks the event as an infrastructure artifact. Used for tool
// events whose tool is a declared internal (handoff) mechanism.
func (e *base) SetInternal(v bool) { e.internal = v }

// SetSeq assigns the global sequence number. Called exactly once per event
// during batch reservation; the number is immutable afterwards.
func (e *base) SetSeq(seq int64) { e.seq = seq }

func (e *Thinking) Kind() Kind         { return KindThinking }
func (e *AssistantMessage) Kind() Kind { return KindAssistantMessage }
func (e *ToolRequest) Kind() Kind      { return KindToolRequest }
func (e *ToolResponse) Kind() Kind     { return KindToolResponse }
func (e *AgentChanged) Kind() Kind     { return KindAgentChanged }
func (e *Completion) Kind() Kind       { return KindCompletion }

// Add accumulates usage counts from another reading.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// Total returns the sum of all token counts.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

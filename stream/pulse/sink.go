// Package pulse exposes a stream.Sink that publishes pipeline events to
// goa.design/pulse streams, one stream per chat session. Services build a
// Redis client, wrap it in the Pulse client, and hand the sink to the
// pipeline; subscribers tail the session stream and decode Envelope values.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/stream"
	"github.com/turnpipe/turnpipe/stream/pulse/clients/pulse"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream name from an event. Defaults to
		// "session/<SessionID>".
		StreamID func(event.Event) (string, error)
	}

	// Sink publishes events into per-session Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(event.Event) (string, error)
	}

	// Envelope is the wire form of one event on a session stream.
	Envelope struct {
		// Type is the event kind ("thinking", "tool_request", ...).
		Type string `json:"type"`
		// SessionID identifies the chat session.
		SessionID string `json:"session_id"`
		// Seq is the global sequence number, or -1 for transient events that
		// are never sequenced.
		Seq int64 `json:"seq"`
		// AgentID is the effective source agent, when attributed.
		AgentID string `json:"agent_id,omitempty"`
		// Timestamp records when the envelope was published (UTC).
		Timestamp time.Time `json:"ts"`
		// Payload carries the kind-specific fields.
		Payload any `json:"payload,omitempty"`
	}

	// ThinkingPayload is the payload for "thinking" envelopes.
	ThinkingPayload struct {
		Content   string      `json:"content"`
		Signature string      `json:"signature,omitempty"`
		Usage     event.Usage `json:"usage"`
	}

	// MessagePayload is the payload for "assistant_message" envelopes.
	MessagePayload struct {
		Content    string           `json:"content"`
		Model      string           `json:"model,omitempty"`
		StopReason string           `json:"stop_reason"`
		Usage      event.Usage      `json:"usage"`
		Citations  []event.Citation `json:"citations,omitempty"`
	}

	// ToolRequestPayload is the payload for "tool_request" envelopes.
	ToolRequestPayload struct {
		ToolUseID string          `json:"tool_use_id"`
		ToolName  string          `json:"tool_name"`
		Args      json.RawMessage `json:"args,omitempty"`
	}

	// ToolResponsePayload is the payload for "tool_response" envelopes.
	ToolResponsePayload struct {
		ToolUseID string          `json:"tool_use_id"`
		ToolName  string          `json:"tool_name"`
		Result    json.RawMessage `json:"result,omitempty"`
		Success   bool            `json:"success"`
		Error     string          `json:"error,omitempty"`
	}

	// HandoffPayload is the payload for "agent_changed" envelopes.
	HandoffPayload struct {
		From event.Agent `json:"from"`
		To   event.Agent `json:"to"`
	}

	// CompletionPayload is the payload for "completion" envelopes.
	CompletionPayload struct {
		Model      string      `json:"model,omitempty"`
		StopReason string      `json:"stop_reason"`
		Usage      event.Usage `json:"usage"`
		ToolsUsed  int         `json:"tools_used"`
		Error      string      `json:"error,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed sink. The Client field in opts is
// required.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := defaultStreamID
	if opts.StreamID != nil {
		streamID = opts.StreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send implements stream.Sink. It derives the session stream, wraps the event
// in an Envelope, and publishes the JSON form.
func (s *Sink) Send(ctx context.Context, ev event.Event) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := payloadOf(ev)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(ev.Kind()),
		SessionID: ev.SessionID(),
		Seq:       ev.Seq(),
		AgentID:   ev.AgentID(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal stream envelope: %w", err)
	}
	if _, err := handle.Add(ctx, env.Type, data); err != nil {
		return err
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev event.Event) (string, error) {
	if ev.SessionID() == "" {
		return "", errors.New("event missing session id")
	}
	return fmt.Sprintf("session/%s", ev.SessionID()), nil
}

func payloadOf(ev event.Event) (any, error) {
	switch e := ev.(type) {
	case *event.Thinking:
		return ThinkingPayload{Content: e.Content, Signature: e.Signature, Usage: e.Usage}, nil
	case *event.AssistantMessage:
		return MessagePayload{
			Content:    e.Content,
			Model:      e.Model,
			StopReason: string(e.StopReason),
			Usage:      e.Usage,
			Citations:  e.Citations,
		}, nil
	case *event.ToolRequest:
		return ToolRequestPayload{ToolUseID: e.ToolUseID, ToolName: e.ToolName, Args: e.Args}, nil
	case *event.ToolResponse:
		return ToolResponsePayload{
			ToolUseID: e.ToolUseID,
			ToolName:  e.ToolName,
			Result:    e.Result,
			Success:   e.Success,
			Error:     e.Error,
		}, nil
	case *event.AgentChanged:
		return HandoffPayload{From: e.From, To: e.To}, nil
	case *event.Completion:
		return CompletionPayload{
			Model:      e.Model,
			StopReason: string(e.StopReason),
			Usage:      e.Usage,
			ToolsUsed:  e.ToolsUsed,
			Error:      e.Error,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", event.ErrUnknownKind, ev.Kind())
	}
}

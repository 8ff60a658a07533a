// Package normalize converts raw provider messages into ordered pipeline
// events. Normalization is the only place provider-specific shapes are
// interpreted: block layout, stop reasons, usage locations, and message ids
// all become uniform here.
package normalize

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/telemetry"
)

type (
	// Options configures a Normalizer. All fields are optional.
	Options struct {
		// Logger records mapping anomalies (unrecognized stop reasons). Defaults
		// to a noop logger.
		Logger telemetry.Logger
		// Metrics counts mapping anomalies. Defaults to noop.
		Metrics telemetry.Metrics
		// NewID generates message and tool-use ids when the provider supplied
		// none. Defaults to UUID v4 strings.
		NewID func() string
	}

	// Normalizer turns one raw provider message into zero or more events. It
	// holds no per-turn state: given the same message it always produces the
	// same events (modulo generated ids and timestamps), so a single instance
	// is safe to share across concurrent turns.
	Normalizer struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		newID   func() string
	}

	// Stats summarizes the per-message readings the turn aggregates for its
	// completion signal: token usage, model, and stop reason of the raw
	// message. Zero-valued for messages that yield no events.
	Stats struct {
		Usage      event.Usage
		Model      string
		StopReason event.StopReason
	}
)

// stopReasons maps the termination values the major providers emit onto the
// normalized enum. Values absent from this table (content filters, guardrail
// interventions, newer provider additions) fall back to end_turn.
var stopReasons = map[string]event.StopReason{
	"end_turn":      event.StopEndTurn,
	"stop":          event.StopEndTurn,
	"stop_sequence": event.StopEndTurn,
	"tool_use":      event.StopToolUse,
	"tool_calls":    event.StopToolUse,
	"function_call": event.StopToolUse,
	"max_tokens":    event.StopMaxTokens,
	"length":        event.StopMaxTokens,
}

// New constructs a Normalizer with the given options.
func New(opts Options) *Normalizer {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Normalizer{logger: logger, metrics: metrics, newID: newID}
}

// Normalize converts one raw provider message into its ordered event list.
// Only assistant messages produce events; every other role yields an empty
// list and zero stats. Output order is semantic rather than raw block order:
// reasoning first, then text, then tool requests, so a visible explanation
// always precedes the action it explains.
func (n *Normalizer) Normalize(ctx context.Context, sessionID string, originalIndex int, msg provider.Message) ([]event.Event, Stats) {
	if msg.Role != provider.RoleAssistant {
		return nil, Stats{}
	}

	usage := extractUsage(msg)
	model := ""
	rawStop := ""
	if msg.Meta != nil {
		model = msg.Meta.Model
		rawStop = msg.Meta.StopReason
	}
	stop := n.mapStopReason(ctx, sessionID, rawStop)
	messageID := resolveMessageID(msg, n.newID)

	var (
		thinkings []event.Event
		texts     []event.Event
		requests  []event.Event
	)

	appendThinking := func(text, signature string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		reasoning := 0
		if len(thinkings) == 0 {
			reasoning = usage.ReasoningTokens
		}
		thinkings = append(thinkings, event.NewThinking(sessionID, originalIndex, text, signature, reasoning))
	}
	appendText := func(text string, citations []provider.Citation) {
		if strings.TrimSpace(text) == "" {
			return
		}
		u := event.Usage{}
		if len(texts) == 0 {
			u = event.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
		}
		texts = append(texts, event.NewAssistantMessage(sessionID, originalIndex, text, model, stop, u, convertCitations(citations)))
	}

	// seenIDs and seenNames record structured tool-use blocks so the legacy
	// flat list cannot introduce duplicates of the same call.
	seenIDs := make(map[string]struct{})
	seenNames := make(map[string]struct{})
	appendRequest := func(id, name string, args []byte) {
		if id == "" {
			id = n.newID()
		}
		seenIDs[id] = struct{}{}
		seenNames[name] = struct{}{}
		requests = append(requests, event.NewToolRequest(sessionID, originalIndex, id, name, args))
	}

	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case provider.ThinkingPart:
				appendThinking(p.Text, p.Signature)
			case provider.TextPart:
				appendText(p.Text, p.Citations)
			case provider.ToolUsePart:
				appendRequest(p.ID, p.Name, p.Args)
			}
		}
	} else {
		appendText(msg.Text, nil)
	}

	for _, call := range msg.ToolCalls {
		if call.ID != "" {
			if _, ok := seenIDs[call.ID]; ok {
				continue
			}
		} else if _, ok := seenNames[call.Name]; ok {
			continue
		}
		appendRequest(call.ID, call.Name, call.Args)
	}

	events := make([]event.Event, 0, len(thinkings)+len(texts)+len(requests))
	events = append(events, thinkings...)
	events = append(events, texts...)
	events = append(events, requests...)

	for _, e := range events {
		m := e.(event.Mutator)
		m.SetMessageID(messageID)
		if msg.AgentID != "" {
			m.SetAgentID(msg.AgentID)
		}
	}

	return events, Stats{Usage: usage, Model: model, StopReason: stop}
}

// mapStopReason maps a provider stop reason onto the normalized enum. An
// absent value maps silently to end_turn; an unrecognized value also maps to
// end_turn but is logged and counted so new provider values surface in
// telemetry instead of disappearing into the default.
func (n *Normalizer) mapStopReason(ctx context.Context, sessionID, raw string) event.StopReason {
	if raw == "" {
		return event.StopEndTurn
	}
	if mapped, ok := stopReasons[raw]; ok {
		return mapped
	}
	n.logger.Warn(ctx, "unrecognized provider stop reason, defaulting to end_turn",
		"session_id", sessionID, "stop_reason", raw)
	n.metrics.IncCounter(telemetry.MetricStopReasonFallback, 1, "stop_reason", raw)
	return event.StopEndTurn
}

// extractUsage reads token usage from the primary block first, then the
// legacy metadata location, then defaults to zero.
func extractUsage(msg provider.Message) event.Usage {
	if msg.Usage != nil {
		return event.Usage{
			InputTokens:     msg.Usage.InputTokens,
			OutputTokens:    msg.Usage.OutputTokens,
			ReasoningTokens: msg.Usage.ReasoningTokens,
		}
	}
	if msg.Meta != nil && msg.Meta.Usage != nil {
		return event.Usage{
			InputTokens:     msg.Meta.Usage.InputTokens,
			OutputTokens:    msg.Meta.Usage.OutputTokens,
			ReasoningTokens: msg.Meta.Usage.ReasoningTokens,
		}
	}
	return event.Usage{}
}

// resolveMessageID resolves the message id: direct field, then metadata, then
// a generated id. Never empty.
func resolveMessageID(msg provider.Message, newID func() string) string {
	if msg.ID != "" {
		return msg.ID
	}
	if msg.Meta != nil && msg.Meta.MessageID != "" {
		return msg.Meta.MessageID
	}
	return newID()
}

func convertCitations(in []provider.Citation) []event.Citation {
	if len(in) == 0 {
		return nil
	}
	out := make([]event.Citation, len(in))
	for i, c := range in {
		out[i] = event.Citation{Title: c.Title, URI: c.URI, Snippet: c.Snippet}
	}
	return out
}

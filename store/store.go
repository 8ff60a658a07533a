// Package store defines the durable projection of pipeline events and the
// append-only store that holds it. Rows are keyed by (session id, sequence
// number) and are never mutated after being written: corrections are separate
// rows linked by tool use id. Reconstruction reads rows back in sequence
// order and filters on the internal flag to reproduce the live experience.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/turnpipe/turnpipe/event"
)

// CursorStart is the List cursor that returns a session's rows from the
// beginning.
const CursorStart int64 = -1

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store: closed")

type (
	// Record is one durable row. Variant-specific columns are zero for kinds
	// they do not apply to.
	Record struct {
		// SessionID and Seq form the row key.
		SessionID string
		Seq       int64

		// Kind is the event variant tag.
		Kind string
		// Content is the text payload: reasoning text, assistant text, or the
		// JSON handoff payload for agent_changed rows.
		Content string
		// AgentID is the effective source agent.
		AgentID string
		// Internal marks rows excluded from user-visible reconstruction.
		Internal bool

		// Token accounting for the row.
		InputTokens     int
		OutputTokens    int
		ReasoningTokens int

		// Model and StopReason as reported on assistant messages.
		Model      string
		StopReason string

		// Tool columns, set on tool_request and tool_response rows.
		ToolUseID  string
		ToolName   string
		ToolArgs   json.RawMessage
		ToolResult json.RawMessage
		// Success is nil for rows that are not tool responses.
		Success *bool
		// Error is the failure description on failed tool responses.
		Error string

		// Signature is the provider's reasoning-block signature, when present.
		Signature string
		// Citations is the JSON-encoded citation list on assistant rows.
		Citations json.RawMessage

		// MessageID and OriginalIndex locate the raw message the row came from.
		MessageID     string
		OriginalIndex int

		// CreatedAt is the event creation time.
		CreatedAt time.Time
	}

	// Page is one window of a session's rows in ascending sequence order.
	Page struct {
		Records []*Record
		// NextCursor is the cursor for the next List call. Meaningful only
		// when More is true.
		NextCursor int64
		// More reports whether rows beyond this page exist.
		More bool
	}

	// Store is the append-only durable event log. Implementations must
	// support concurrent appends from independent turn pipelines.
	Store interface {
		// Append durably adds one row.
		Append(ctx context.Context, rec *Record) error
		// List returns up to limit rows for a session with sequence numbers
		// greater than cursor, in ascending order. Pass CursorStart to begin.
		List(ctx context.Context, sessionID string, cursor int64, limit int) (Page, error)
	}

	// Handoff is the agent_changed row payload carried in Content.
	Handoff struct {
		From event.Agent `json:"from"`
		To   event.Agent `json:"to"`
	}
)

// RecordOf projects an event onto its durable row. Transient events have no
// row and asking for one is an error.
func RecordOf(ev event.Event) (*Record, error) {
	if ev.Strategy() == event.StrategyTransient {
		return nil, fmt.Errorf("store: %s events are transient and have no durable row", ev.Kind())
	}
	rec := &Record{
		SessionID:     ev.SessionID(),
		Seq:           ev.Seq(),
		Kind:          string(ev.Kind()),
		AgentID:       ev.AgentID(),
		Internal:      ev.Internal(),
		MessageID:     ev.MessageID(),
		OriginalIndex: ev.OriginalIndex(),
		CreatedAt:     time.UnixMilli(ev.Timestamp()).UTC(),
	}
	switch e := ev.(type) {
	case *event.Thinking:
		rec.Content = e.Content
		rec.Signature = e.Signature
		rec.ReasoningTokens = e.Usage.ReasoningTokens
	case *event.AssistantMessage:
		rec.Content = e.Content
		rec.Model = e.Model
		rec.StopReason = string(e.StopReason)
		rec.InputTokens = e.Usage.InputTokens
		rec.OutputTokens = e.Usage.OutputTokens
		if len(e.Citations) > 0 {
			b, err := json.Marshal(e.Citations)
			if err != nil {
				return nil, fmt.Errorf("store: marshal citations: %w", err)
			}
			rec.Citations = b
		}
	case *event.ToolRequest:
		rec.ToolUseID = e.ToolUseID
		rec.ToolName = e.ToolName
		rec.ToolArgs = append(json.RawMessage(nil), e.Args...)
	case *event.ToolResponse:
		rec.ToolUseID = e.ToolUseID
		rec.ToolName = e.ToolName
		rec.ToolResult = append(json.RawMessage(nil), e.Result...)
		success := e.Success
		rec.Success = &success
		rec.Error = e.Error
	case *event.AgentChanged:
		b, err := json.Marshal(Handoff{From: e.From, To: e.To})
		if err != nil {
			return nil, fmt.Errorf("store: marshal handoff: %w", err)
		}
		rec.Content = string(b)
	default:
		return nil, fmt.Errorf("store: %q: %w", ev.Kind(), event.ErrUnknownKind)
	}
	return rec, nil
}

// Validate checks the invariants every backend relies on before writing.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("record is required")
	}
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	if r.Seq < 0 {
		return fmt.Errorf("sequence number is required, got %d", r.Seq)
	}
	if r.Kind == "" {
		return errors.New("kind is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created at is required")
	}
	return nil
}

// Clone returns a deep copy so callers can hold rows without aliasing the
// store's internal state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.ToolArgs = append(json.RawMessage(nil), r.ToolArgs...)
	out.ToolResult = append(json.RawMessage(nil), r.ToolResult...)
	out.Citations = append(json.RawMessage(nil), r.Citations...)
	if r.Success != nil {
		success := *r.Success
		out.Success = &success
	}
	return &out
}

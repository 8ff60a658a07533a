package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/telemetry"
)

type (
	// Entry is the lifecycle record for one tool invocation within a turn.
	Entry struct {
		// ToolUseID is the durable correlation id.
		ToolUseID string
		// ToolName is the canonical tool identifier, when known.
		ToolName string
		// Internal mirrors the registry classification at request time.
		Internal bool
		// RequestSeen and ResponseSeen track pairing state.
		RequestSeen  bool
		ResponseSeen bool
		// OriginalIndex is the raw-message index of the request. Synthetic
		// responses inherit it.
		OriginalIndex int
		// RequestedAt and RespondedAt are bookkeeping timestamps.
		RequestedAt time.Time
		RespondedAt time.Time
	}

	// TrackerOptions configures a Tracker.
	TrackerOptions struct {
		// SessionID scopes every event the tracker produces. Required.
		SessionID string
		// Registry classifies internal tools. Optional: without one, no tool
		// is internal.
		Registry *Registry
		// Logger records pairing anomalies. Optional, defaults to noop.
		Logger telemetry.Logger
		// Metrics counts anomalies. Optional, defaults to noop.
		Metrics telemetry.Metrics
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Tracker enforces the request/response pairing discipline for one turn.
	// It is turn-scoped mutable state: construct one per turn, use it from the
	// turn's goroutine only, discard it when the turn ends.
	Tracker struct {
		sessionID string
		reg       *Registry
		log       telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time

		entries map[string]*Entry
		order   []string
	}
)

// NewTracker constructs a Tracker for one turn.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sessionID: opts.SessionID,
		reg:       opts.Registry,
		log:       logger,
		metrics:   metrics,
		now:       now,
		entries:   make(map[string]*Entry),
	}, nil
}

// OnRequest records a tool invocation request. The first sighting of a
// tool-use id is accepted; a replay of an already-seen id within the turn is
// dropped so concurrent normalization paths observing the same provider
// payload twice cannot duplicate the request. Returns whether the request was
// accepted and whether the tool is internal.
func (t *Tracker) OnRequest(ctx context.Context, originalIndex int, toolUseID, toolName string) (accepted, internal bool) {
	if e, ok := t.entries[toolUseID]; ok && e.RequestSeen {
		t.log.Warn(ctx, "duplicate tool request dropped",
			"session_id", t.sessionID,
			"tool_use_id", toolUseID,
			"tool_name", toolName,
		)
		t.metrics.IncCounter(telemetry.MetricDuplicateRequests, 1, "tool", toolName)
		return false, e.Internal
	}

	internal = t.reg != nil && t.reg.Internal(toolName)
	e, ok := t.entries[toolUseID]
	if !ok {
		e = &Entry{ToolUseID: toolUseID}
		t.entries[toolUseID] = e
		t.order = append(t.order, toolUseID)
	}
	e.RequestSeen = true
	e.Internal = internal
	e.OriginalIndex = originalIndex
	e.RequestedAt = t.now()
	if e.ToolName == "" {
		e.ToolName = toolName
	}
	return true, internal
}

// Seen reports whether a request with the given id was recorded this turn.
func (t *Tracker) Seen(toolUseID string) bool {
	e, ok := t.entries[toolUseID]
	return ok && e.RequestSeen
}

// OnResponse records a tool outcome and returns the tool_response event to
// append to the stream. A response with no matching request is an anomaly:
// it is logged and counted but still returned, so the row lands in storage
// for audit rather than vanishing.
func (t *Tracker) OnResponse(ctx context.Context, originalIndex int, toolUseID, toolName string, result json.RawMessage, success bool, errMsg string) *event.ToolResponse {
	e, ok := t.entries[toolUseID]
	if !ok || !e.RequestSeen {
		t.log.Warn(ctx, "tool response without matching request",
			"session_id", t.sessionID,
			"tool_use_id", toolUseID,
			"tool_name", toolName,
		)
		t.metrics.IncCounter(telemetry.MetricUnmatchedResponses, 1, "tool", toolName)
		if !ok {
			e = &Entry{ToolUseID: toolUseID, OriginalIndex: originalIndex}
			t.entries[toolUseID] = e
			t.order = append(t.order, toolUseID)
		}
	}
	e.ResponseSeen = true
	e.RespondedAt = t.now()
	if e.ToolName == "" {
		e.ToolName = toolName
	}

	name := toolName
	if name == "" {
		name = e.ToolName
	}
	ev := event.NewToolResponse(t.sessionID, originalIndex, toolUseID, name, result, success, errMsg)
	if e.Internal {
		ev.SetInternal(true)
	}
	return ev
}

// FinalizeOrphans force-closes every request still waiting for a response,
// returning one synthetic interrupted failure per orphan in request order.
// Mid-turn failures (timeouts, crashes, approval rejection) must never leave
// a dangling request, or the persisted log and the UI would show a
// permanently pending tool call.
func (t *Tracker) FinalizeOrphans(ctx context.Context) []*event.ToolResponse {
	var out []*event.ToolResponse
	for _, id := range t.order {
		e := t.entries[id]
		if !e.RequestSeen || e.ResponseSeen {
			continue
		}
		e.ResponseSeen = true
		e.RespondedAt = t.now()
		ev := event.NewInterruptedToolResponse(t.sessionID, e.OriginalIndex, e.ToolUseID, e.ToolName)
		if e.Internal {
			ev.SetInternal(true)
		}
		out = append(out, ev)
		t.log.Warn(ctx, "orphaned tool request force-closed",
			"session_id", t.sessionID,
			"tool_use_id", e.ToolUseID,
			"tool_name", e.ToolName,
		)
	}
	if len(out) > 0 {
		t.metrics.IncCounter(telemetry.MetricOrphansFinalized, float64(len(out)))
	}
	return out
}

// ToolsUsed returns the number of distinct non-internal tool invocations
// requested this turn.
func (t *Tracker) ToolsUsed() int {
	n := 0
	for _, e := range t.entries {
		if e.RequestSeen && !e.Internal {
			n++
		}
	}
	return n
}

// Entries returns the lifecycle table in request order. Exposed for
// inspection and tests.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id])
	}
	return out
}

// Package attribution resolves which agent each event belongs to and marks
// handoffs between agents inside a turn. Subagent output reaches the pipeline
// interleaved with the parent's, distinguished only by per-message hints; the
// resolver turns those hints into a stable per-event agent id plus explicit
// agent_changed markers that live rendering and reconstruction both group by.
package attribution

import (
	"context"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/telemetry"
)

type (
	// Options configures a Resolver.
	Options struct {
		// Logger records detected handoffs. Optional, defaults to noop.
		Logger telemetry.Logger
		// Lookup resolves an agent id hint to a full identity for handoff
		// markers. Optional: unresolved hints yield an identity carrying only
		// the id.
		Lookup func(id string) (event.Agent, bool)
	}

	// Resolver applies the attribution rule: an event-level agent hint wins,
	// otherwise the turn's identity applies. It is the only component that
	// inserts events into the stream, and it never reorders.
	Resolver struct {
		log    telemetry.Logger
		lookup func(id string) (event.Agent, bool)
	}
)

// New constructs a Resolver.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = func(string) (event.Agent, bool) { return event.Agent{}, false }
	}
	return &Resolver{log: logger, lookup: lookup}
}

// Attribute stamps the effective agent on every event in order and inserts an
// agent_changed marker wherever the effective agent differs from the previous
// event's. The first event is compared against the turn identity, so a turn
// that opens with subagent output gets a marker before its first event.
// Existing events keep their relative order.
func (r *Resolver) Attribute(ctx context.Context, turnAgent event.Agent, events []event.Event) []event.Event {
	if len(events) == 0 {
		return events
	}
	out := make([]event.Event, 0, len(events)+1)
	current := turnAgent
	for _, ev := range events {
		effective := ev.AgentID()
		if effective == "" {
			effective = turnAgent.ID
			ev.(event.Mutator).SetAgentID(effective)
		}
		if effective != current.ID {
			to := r.identity(effective, turnAgent)
			out = append(out, event.NewAgentChanged(ev.SessionID(), ev.OriginalIndex(), current, to))
			r.log.Info(ctx, "agent handoff",
				"session_id", ev.SessionID(),
				"from_agent", current.ID,
				"to_agent", to.ID,
			)
			current = to
		}
		out = append(out, ev)
	}
	return out
}

// identity resolves an agent id to the fullest identity available for a
// handoff marker.
func (r *Resolver) identity(id string, turnAgent event.Agent) event.Agent {
	if id == turnAgent.ID {
		return turnAgent
	}
	if a, ok := r.lookup(id); ok {
		return a
	}
	return event.Agent{ID: id}
}

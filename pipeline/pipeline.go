// Package pipeline assembles the full turn-processing path: raw provider
// messages in, a sequenced, attributed, persisted, and live-emitted event
// stream out. One Pipeline serves many sessions concurrently; all per-turn
// state lives in the ProcessTurn call.
//
// A turn runs in five phases. Assembly normalizes assistant messages into
// events, routes tool-role messages through the lifecycle tracker, and
// force-closes orphaned tool requests. Attribution stamps effective agents
// and inserts handoff markers. Reservation draws one contiguous sequence
// block covering every event of the turn, synthetic ones included.
// Dispatch walks the sequenced stream in order, persisting and emitting each
// event according to its kind. The turn ends with a transient completion
// signal carrying aggregate usage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/turnpipe/turnpipe/attribution"
	"github.com/turnpipe/turnpipe/correlate"
	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/normalize"
	"github.com/turnpipe/turnpipe/persist"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/sequence"
	"github.com/turnpipe/turnpipe/stream"
	"github.com/turnpipe/turnpipe/telemetry"
	"github.com/turnpipe/turnpipe/tools"
)

// ErrTurnAborted wraps every error that terminates a turn before its stream
// was fully dispatched. A sync-tier write failure or a failed sequence
// reservation aborts; async write and live emission failures do not.
var ErrTurnAborted = errors.New("pipeline: turn aborted")

type (
	// Options configures a Pipeline.
	Options struct {
		// Sequencer reserves global sequence blocks. Required.
		Sequencer sequence.Allocator
		// Coordinator owns the durable write path. Required.
		Coordinator *persist.Coordinator
		// Sink receives live events. Required.
		Sink stream.Sink
		// Registry classifies internal tools and validates arguments.
		// Optional, defaults to an empty registry.
		Registry *tools.Registry
		// Correlator stores native-id aliases for cross-turn tool pairing.
		// Optional, defaults to an in-process store.
		Correlator correlate.Store
		// AgentLookup resolves an agent id from an attribution hint to its
		// full identity. Optional.
		AgentLookup func(id string) (event.Agent, bool)
		// Logger, Metrics, and Tracer default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// NewID generates ids when the provider supplied none. Defaults to
		// UUID v4 strings.
		NewID func() string
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Pipeline is the turn-processing façade. Safe for concurrent
	// ProcessTurn calls across sessions; callers serialize turns within one
	// session themselves, as sessions are strictly turn-ordered.
	Pipeline struct {
		seq        sequence.Allocator
		coord      *persist.Coordinator
		sink       stream.Sink
		registry   *tools.Registry
		correlator correlate.Store
		normalizer *normalize.Normalizer
		resolver   *attribution.Resolver
		log        telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		newID      func() string
		now        func() time.Time
	}

	// Turn is one completed model interaction to process.
	Turn struct {
		// SessionID identifies the chat session. Required.
		SessionID string
		// Agent is the identity that owns this turn. Events without an
		// attribution hint resolve to it. Required.
		Agent event.Agent
		// Messages are the raw provider messages of the turn, in provider
		// order.
		Messages []provider.Message
	}

	// Result summarizes a fully processed turn.
	Result struct {
		// Events is the sequenced stream in dispatch order: visible and
		// internal events, synthetic responses included, completion excluded.
		Events []event.Event
		// ToolsUsed counts distinct non-internal tool invocations.
		ToolsUsed int
		// Usage aggregates token usage across the turn's messages.
		Usage event.Usage
		// Model is the model of the last assistant message, when reported.
		Model string
		// StopReason is the normalized stop reason of the last assistant
		// message.
		StopReason event.StopReason
	}
)

// New constructs a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Sequencer == nil {
		return nil, errors.New("sequence allocator is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("persistence coordinator is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("stream sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	correlator := opts.Correlator
	if correlator == nil {
		correlator = correlate.NewMemory(correlate.MemoryOptions{})
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		seq:        opts.Sequencer,
		coord:      opts.Coordinator,
		sink:       opts.Sink,
		registry:   registry,
		correlator: correlator,
		normalizer: normalize.New(normalize.Options{Logger: logger, Metrics: metrics, NewID: newID}),
		resolver:   attribution.New(attribution.Options{Logger: logger, Lookup: opts.AgentLookup}),
		log:        logger,
		metrics:    metrics,
		tracer:     tracer,
		newID:      newID,
		now:        now,
	}, nil
}

// ProcessTurn runs one turn through the pipeline. On success the returned
// Result holds the sequenced stream; subscribers have received the visible
// events plus a completion signal, and durable rows are stored or queued
// according to each event's strategy. On a sync-tier failure the turn aborts:
// the error wraps ErrTurnAborted, a completion carrying the abort cause is
// still emitted, and already-sequenced tool responses whose requests were
// persisted are written out so no stored request is left unpaired.
func (p *Pipeline) ProcessTurn(ctx context.Context, turn Turn) (*Result, error) {
	if turn.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if turn.Agent.ID == "" {
		return nil, errors.New("turn agent is required")
	}

	ctx, span := p.tracer.Start(ctx, "turnpipe.process_turn")
	defer span.End()

	tracker, err := tools.NewTracker(tools.TrackerOptions{
		SessionID: turn.SessionID,
		Registry:  p.registry,
		Logger:    p.log,
		Metrics:   p.metrics,
		Now:       p.now,
	})
	if err != nil {
		return nil, err
	}

	events, agg := p.assemble(ctx, turn, tracker)

	// Synthetic responses join the stream before reservation so one block
	// covers the whole turn.
	for _, orphan := range tracker.FinalizeOrphans(ctx) {
		events = append(events, orphan)
	}

	events = p.resolver.Attribute(ctx, turn.Agent, events)

	if len(events) > 0 {
		start, err := p.seq.Reserve(ctx, len(events))
		if err != nil {
			return nil, p.failTurn(ctx, span, turn, tracker, agg,
				fmt.Errorf("reserve %d sequence numbers: %w", len(events), err))
		}
		for i, ev := range events {
			ev.(event.Mutator).SetSeq(start + int64(i))
		}
	}

	persisted := make(map[string]bool)
	for i, ev := range events {
		if err := p.dispatch(ctx, ev, persisted); err != nil {
			p.repair(ctx, events[i+1:], persisted)
			return nil, p.failTurn(ctx, span, turn, tracker, agg,
				fmt.Errorf("dispatch %s event at seq %d: %w", ev.Kind(), ev.Seq(), err))
		}
	}

	completion := event.NewCompletion(turn.SessionID, len(turn.Messages),
		agg.model, agg.stop, agg.usage, tracker.ToolsUsed(), "")
	p.emit(ctx, completion)

	return &Result{
		Events:     events,
		ToolsUsed:  tracker.ToolsUsed(),
		Usage:      agg.usage,
		Model:      agg.model,
		StopReason: agg.stop,
	}, nil
}

// aggregate accumulates the per-message stats that feed the completion
// signal.
type aggregate struct {
	usage event.Usage
	model string
	stop  event.StopReason
}

// assemble walks the raw messages in order, producing the unsequenced event
// stream. Assistant messages normalize into events; tool-role messages
// resolve against the lifecycle tracker; other roles pass through without
// producing anything.
func (p *Pipeline) assemble(ctx context.Context, turn Turn, tracker *tools.Tracker) ([]event.Event, aggregate) {
	var events []event.Event
	agg := aggregate{stop: event.StopEndTurn}

	for i, msg := range turn.Messages {
		switch msg.Role {
		case provider.RoleAssistant:
			evs, stats := p.normalizer.Normalize(ctx, turn.SessionID, i, msg)
			for _, ev := range evs {
				req, ok := ev.(*event.ToolRequest)
				if !ok {
					events = append(events, ev)
					continue
				}
				accepted, internal := tracker.OnRequest(ctx, i, req.ToolUseID, req.ToolName)
				if !accepted {
					continue
				}
				if internal {
					req.SetInternal(true)
				}
				if err := p.registry.ValidateArgs(req.ToolName, req.Args); err != nil {
					p.log.Warn(ctx, "tool args failed schema validation",
						"session_id", turn.SessionID,
						"tool_name", req.ToolName,
						"tool_use_id", req.ToolUseID,
						"err", err)
				}
				p.recordCorrelation(ctx, turn.SessionID, req)
				events = append(events, req)
			}
			agg.usage.Add(stats.Usage)
			if stats.Model != "" {
				agg.model = stats.Model
			}
			if stats.StopReason != "" {
				agg.stop = stats.StopReason
			}
		case provider.RoleTool:
			events = append(events, p.resolveResponse(ctx, tracker, i, msg))
		default:
			// User and system messages carry no pipeline events.
		}
	}
	return events, agg
}

// recordCorrelation stores the alias mappings that let later turns pair a
// response to this request: by the durable id itself and by tool name for
// providers whose responses carry no id at all.
func (p *Pipeline) recordCorrelation(ctx context.Context, sessionID string, req *event.ToolRequest) {
	put := func(key string) {
		if err := p.correlator.Put(ctx, key, req.ToolUseID, 0); err != nil {
			p.log.Warn(ctx, "correlation mapping not stored",
				"session_id", sessionID, "key", key, "err", err)
		}
	}
	put("id:" + req.ToolUseID)
	if req.ToolName != "" {
		put("name:" + req.ToolName)
	}
}

// resolveResponse maps a tool-role message to its durable request id. The
// tracker answers for requests made this turn; the correlation store answers
// for earlier turns and for providers that reference calls by name only. A
// response that resolves to nothing still becomes an event under a fresh id
// so the outcome is stored for audit.
func (p *Pipeline) resolveResponse(ctx context.Context, tracker *tools.Tracker, originalIndex int, msg provider.Message) *event.ToolResponse {
	id := msg.ToolUseID
	if id != "" && !tracker.Seen(id) {
		if durable, ok, err := p.correlator.Get(ctx, "id:"+id); err == nil && ok {
			id = durable
		}
	}
	if id == "" && msg.ToolName != "" {
		if durable, ok, err := p.correlator.Get(ctx, "name:"+msg.ToolName); err == nil && ok {
			id = durable
		}
	}
	if id == "" {
		id = p.newID()
	}

	errMsg := ""
	if msg.IsError {
		errMsg = msg.Text
	}
	return tracker.OnResponse(ctx, originalIndex, id, msg.ToolName, msg.Result(), !msg.IsError, errMsg)
}

// dispatch routes one sequenced event to storage and the live stream. The
// switch is exhaustive over the sealed event set; persistence and visibility
// are independent axes decided per kind.
func (p *Pipeline) dispatch(ctx context.Context, ev event.Event, persisted map[string]bool) error {
	switch e := ev.(type) {
	case *event.Thinking:
		p.emit(ctx, e)
		p.writeAsync(ctx, e)
	case *event.AssistantMessage:
		p.emit(ctx, e)
		p.writeAsync(ctx, e)
	case *event.ToolRequest:
		if err := p.coord.WriteSync(ctx, e); err != nil {
			return err
		}
		persisted[e.ToolUseID] = true
		if !e.Internal() {
			p.emit(ctx, e)
		}
	case *event.ToolResponse:
		if e.Strategy() == event.StrategySync {
			// Synthetic interruption record: the request row is already
			// durable, so its closure must be too.
			if err := p.coord.WriteSync(ctx, e); err != nil {
				return err
			}
			if !e.Internal() {
				p.emit(ctx, e)
			}
		} else {
			if !e.Internal() {
				p.emit(ctx, e)
			}
			p.writeAsync(ctx, e)
		}
	case *event.AgentChanged:
		if err := p.coord.WriteSync(ctx, e); err != nil {
			return err
		}
	case *event.Completion:
		return errors.New("completion signal in sequenced stream")
	default:
		return fmt.Errorf("%w: %s", event.ErrUnknownKind, ev.Kind())
	}
	return nil
}

// repair runs after a dispatch abort. Tool responses in the undispatched
// tail already carry sequence numbers; those whose request row landed are
// written out so the durable log never shows a request without a closure.
// Everything else in the tail is dropped with the turn.
func (p *Pipeline) repair(ctx context.Context, tail []event.Event, persisted map[string]bool) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range tail {
		resp, ok := ev.(*event.ToolResponse)
		if !ok || !persisted[resp.ToolUseID] {
			continue
		}
		if err := p.coord.WriteSync(ctx, resp); err != nil {
			p.log.Error(ctx, "abort repair write failed",
				"session_id", resp.SessionID(),
				"tool_use_id", resp.ToolUseID,
				"seq", resp.Seq(),
				"err", err)
		}
	}
}

// failTurn finalizes an aborted turn: the abort is counted, the span is
// marked, and subscribers still receive a completion signal carrying the
// cause so client UIs terminate cleanly instead of spinning.
func (p *Pipeline) failTurn(ctx context.Context, span telemetry.Span, turn Turn, tracker *tools.Tracker, agg aggregate, cause error) error {
	p.metrics.IncCounter(telemetry.MetricTurnAborts, 1)
	p.log.Error(ctx, "turn aborted",
		"session_id", turn.SessionID,
		"agent_id", turn.Agent.ID,
		"err", cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "turn aborted")

	completion := event.NewCompletion(turn.SessionID, len(turn.Messages),
		agg.model, agg.stop, agg.usage, tracker.ToolsUsed(), cause.Error())
	p.emit(context.WithoutCancel(ctx), completion)

	return fmt.Errorf("%w: %w", ErrTurnAborted, cause)
}

// emit sends one event to the live sink. Live delivery is best effort:
// failures are logged and the turn continues, the durable stream being the
// source of truth.
func (p *Pipeline) emit(ctx context.Context, ev event.Event) {
	if err := p.sink.Send(ctx, ev); err != nil {
		p.log.Warn(ctx, "live emission failed",
			"session_id", ev.SessionID(),
			"kind", ev.Kind(),
			"seq", ev.Seq(),
			"err", err)
	}
}

// writeAsync queues one event for background persistence. A full queue or
// conversion failure is logged; async-tier loss never aborts the turn.
func (p *Pipeline) writeAsync(ctx context.Context, ev event.Event) {
	if err := p.coord.WriteAsync(ctx, ev); err != nil {
		p.log.Warn(ctx, "async persistence enqueue failed",
			"session_id", ev.SessionID(),
			"kind", ev.Kind(),
			"seq", ev.Seq(),
			"err", err)
	}
}

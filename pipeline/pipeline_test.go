package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/persist"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/replay"
	"github.com/turnpipe/turnpipe/sequence"
	"github.com/turnpipe/turnpipe/store"
	"github.com/turnpipe/turnpipe/store/inmem"
	"github.com/turnpipe/turnpipe/tools"
)

// capture is a thread-safe sink recording emission order.
type capture struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *capture) Send(_ context.Context, ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) Close(context.Context) error { return nil }

func (c *capture) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func (c *capture) kinds() []event.Kind {
	var out []event.Kind
	for _, ev := range c.all() {
		out = append(out, ev.Kind())
	}
	return out
}

// failingStore fails appends matching the predicate and delegates the rest.
type failingStore struct {
	store.Store
	failOn func(*store.Record) error
}

func (s *failingStore) Append(ctx context.Context, rec *store.Record) error {
	if err := s.failOn(rec); err != nil {
		return err
	}
	return s.Store.Append(ctx, rec)
}

type fixture struct {
	pipe  *Pipeline
	sink  *capture
	store store.Store
	coord *persist.Coordinator
	alloc *sequence.Counter
}

func newFixture(t *testing.T, mutate func(*Options), backing store.Store) *fixture {
	t.Helper()
	if backing == nil {
		backing = inmem.New()
	}
	coord, err := persist.New(persist.Options{Store: backing})
	require.NoError(t, err)

	sink := &capture{}
	alloc := sequence.NewCounter()
	opts := Options{
		Sequencer:   alloc,
		Coordinator: coord,
		Sink:        sink,
	}
	if mutate != nil {
		mutate(&opts)
	}
	pipe, err := New(opts)
	require.NoError(t, err)
	return &fixture{pipe: pipe, sink: sink, store: backing, coord: coord, alloc: alloc}
}

// drain flushes the async write queue so stored rows can be asserted.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Close(context.Background()))
}

func (f *fixture) rows(t *testing.T, sessionID string) []*store.Record {
	t.Helper()
	page, err := f.store.List(context.Background(), sessionID, store.CursorStart, 1000)
	require.NoError(t, err)
	return page.Records
}

var mainAgent = event.Agent{ID: "agent-main", Name: "Main"}

func assistantText(text string) provider.Message {
	return provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.TextPart{Text: text},
		},
		Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5},
		Meta:  &provider.Meta{Model: "claude-sonnet-4-5", StopReason: "end_turn"},
	}
}

func assistantWithTool(text, toolID, toolName, args string) provider.Message {
	parts := []provider.Part{}
	if text != "" {
		parts = append(parts, provider.TextPart{Text: text})
	}
	parts = append(parts, provider.ToolUsePart{ID: toolID, Name: toolName, Args: json.RawMessage(args)})
	return provider.Message{
		Role:  provider.RoleAssistant,
		Parts: parts,
		Usage: &provider.Usage{InputTokens: 20, OutputTokens: 8},
		Meta:  &provider.Meta{Model: "claude-sonnet-4-5", StopReason: "tool_use"},
	}
}

func toolResult(id, name, content string, isErr bool) provider.Message {
	return provider.Message{
		Role:      provider.RoleTool,
		ToolUseID: id,
		ToolName:  name,
		Text:      content,
		IsError:   isErr,
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	coord, err := persist.New(persist.Options{Store: inmem.New()})
	require.NoError(t, err)

	_, err = New(Options{Coordinator: coord, Sink: &capture{}})
	require.Error(t, err)
	_, err = New(Options{Sequencer: sequence.NewCounter(), Sink: &capture{}})
	require.Error(t, err)
	_, err = New(Options{Sequencer: sequence.NewCounter(), Coordinator: coord})
	require.Error(t, err)
}

func TestProcessTurnValidatesTurn(t *testing.T) {
	f := newFixture(t, nil, nil)
	defer f.drain(t)

	_, err := f.pipe.ProcessTurn(context.Background(), Turn{Agent: mainAgent})
	require.Error(t, err)
	_, err = f.pipe.ProcessTurn(context.Background(), Turn{SessionID: "sess-1"})
	require.Error(t, err)
}

// TestNormalTurn drives a complete tool round trip through one turn and
// checks the emitted order, the stored rows, and the reconstruction
// equivalence.
func TestNormalTurn(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	msg := provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.ThinkingPart{Text: "The user wants stats.", Signature: "sig-1"},
			provider.TextPart{Text: "Let me look that up."},
			provider.ToolUsePart{ID: "toolu_1", Name: "web_search", Args: json.RawMessage(`{"q":"go release"}`)},
		},
		Usage: &provider.Usage{InputTokens: 30, OutputTokens: 12, ReasoningTokens: 4},
		Meta:  &provider.Meta{Model: "claude-sonnet-4-5", StopReason: "tool_use"},
	}
	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			msg,
			toolResult("toolu_1", "web_search", `{"hits":3}`, false),
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Events, 4)
	assert.Equal(t, event.KindThinking, res.Events[0].Kind())
	assert.Equal(t, event.KindAssistantMessage, res.Events[1].Kind())
	assert.Equal(t, event.KindToolRequest, res.Events[2].Kind())
	assert.Equal(t, event.KindToolResponse, res.Events[3].Kind())
	for i, ev := range res.Events {
		assert.Equal(t, int64(i), ev.Seq(), "sequence numbers tile the reserved block")
		assert.Equal(t, "agent-main", ev.AgentID())
	}

	resp := res.Events[3].(*event.ToolResponse)
	assert.Equal(t, "toolu_1", resp.ToolUseID)
	assert.True(t, resp.Success)

	assert.Equal(t, 1, res.ToolsUsed)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
	assert.Equal(t, event.StopToolUse, res.StopReason)
	assert.Equal(t, event.Usage{InputTokens: 30, OutputTokens: 12, ReasoningTokens: 4}, res.Usage)

	live := f.sink.all()
	assert.Equal(t, []event.Kind{
		event.KindThinking,
		event.KindAssistantMessage,
		event.KindToolRequest,
		event.KindToolResponse,
		event.KindCompletion,
	}, f.sink.kinds())

	completion := live[len(live)-1].(*event.Completion)
	assert.Equal(t, 1, completion.ToolsUsed)
	assert.Empty(t, completion.Error)
	assert.Equal(t, int64(-1), completion.Seq(), "completion is never sequenced")

	f.drain(t)
	rows := f.rows(t, "sess-1")
	require.Len(t, rows, 4)
	assert.True(t, replay.Equivalent(live, rows),
		"reconstruction must be indistinguishable from the live stream")
}

// TestMidTurnAbortWithOutstandingToolCall covers the interrupted-turn
// scenario: the turn ends while a tool call is still outstanding, and the
// tracker closes it with a synthetic failure in the same sequence block.
func TestMidTurnAbortWithOutstandingToolCall(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			assistantWithTool("Fetching the page.", "toolu_9", "fetch_page", `{"url":"https://example.com"}`),
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Events, 3)
	synthetic := res.Events[2].(*event.ToolResponse)
	assert.Equal(t, "toolu_9", synthetic.ToolUseID)
	assert.False(t, synthetic.Success)
	assert.Equal(t, event.InterruptedError, synthetic.Error)
	assert.Equal(t, event.StrategySync, synthetic.Strategy())
	assert.Equal(t, int64(2), synthetic.Seq(), "synthetic closure shares the turn's block")

	f.drain(t)
	rows := f.rows(t, "sess-1")
	require.Len(t, rows, 3)

	var reqRow, respRow *store.Record
	for _, row := range rows {
		switch row.Kind {
		case "tool_request":
			reqRow = row
		case "tool_response":
			respRow = row
		}
	}
	require.NotNil(t, reqRow)
	require.NotNil(t, respRow, "a stored request must never be left unpaired")
	assert.Equal(t, reqRow.ToolUseID, respRow.ToolUseID)
	require.NotNil(t, respRow.Success)
	assert.False(t, *respRow.Success)
}

// TestHardAbortRepairsPairing makes the second sync write fail mid-dispatch
// and verifies the repair pass still closes the request that did land.
func TestHardAbortRepairsPairing(t *testing.T) {
	boom := errors.New("store down")
	backing := &failingStore{
		Store: inmem.New(),
		failOn: func(rec *store.Record) error {
			if rec.Kind == "tool_request" && rec.ToolUseID == "toolu_b" {
				return boom
			}
			return nil
		},
	}
	f := newFixture(t, nil, backing)
	ctx := context.Background()

	msgA := assistantWithTool("", "toolu_a", "web_search", `{"q":"one"}`)
	msgB := assistantWithTool("", "toolu_b", "fetch_page", `{"url":"two"}`)
	_, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages:  []provider.Message{msgA, msgB},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnAborted)
	assert.ErrorIs(t, err, boom)

	// The aborted turn still terminates the live stream, with the cause.
	live := f.sink.all()
	require.NotEmpty(t, live)
	completion, ok := live[len(live)-1].(*event.Completion)
	require.True(t, ok)
	assert.NotEmpty(t, completion.Error)

	f.drain(t)
	rows := f.rows(t, "sess-1")

	byKindAndID := make(map[string]bool)
	for _, row := range rows {
		byKindAndID[row.Kind+"/"+row.ToolUseID] = true
	}
	assert.True(t, byKindAndID["tool_request/toolu_a"])
	assert.True(t, byKindAndID["tool_response/toolu_a"],
		"repair must close the persisted request")
	assert.False(t, byKindAndID["tool_request/toolu_b"])
	assert.False(t, byKindAndID["tool_response/toolu_b"],
		"no closure for a request that never landed")
}

// TestAgentHandoff covers the subagent scenario: hinted events switch the
// effective agent, markers are stored but never emitted, and the visible
// reconstruction matches the live stream.
func TestAgentHandoff(t *testing.T) {
	subAgent := event.Agent{ID: "agent-sub", Name: "Researcher"}
	f := newFixture(t, func(o *Options) {
		o.AgentLookup = func(id string) (event.Agent, bool) {
			if id == subAgent.ID {
				return subAgent, true
			}
			return event.Agent{}, false
		}
	}, nil)
	ctx := context.Background()

	hinted := assistantText("Delegated findings.")
	hinted.AgentID = "agent-sub"

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			assistantText("Handing off to the researcher."),
			hinted,
			assistantText("Summarizing the findings."),
		},
	})
	require.NoError(t, err)

	kinds := make([]event.Kind, 0, len(res.Events))
	for _, ev := range res.Events {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []event.Kind{
		event.KindAssistantMessage,
		event.KindAgentChanged,
		event.KindAssistantMessage,
		event.KindAgentChanged,
		event.KindAssistantMessage,
	}, kinds)

	first := res.Events[1].(*event.AgentChanged)
	assert.Equal(t, "agent-main", first.From.ID)
	assert.Equal(t, "agent-sub", first.To.ID)
	assert.Equal(t, "Researcher", first.To.Name, "lookup resolves the full identity")
	assert.True(t, first.Internal())

	for _, ev := range f.sink.all() {
		assert.NotEqual(t, event.KindAgentChanged, ev.Kind(),
			"handoff markers are never emitted live")
	}

	f.drain(t)
	rows := f.rows(t, "sess-1")
	require.Len(t, rows, 5)
	assert.True(t, replay.Equivalent(f.sink.all(), rows))

	visible := replay.Visible(rows)
	require.Len(t, visible, 3)
	assert.Equal(t, []string{"agent-main", "agent-sub", "agent-main"},
		[]string{visible[0].AgentID, visible[1].AgentID, visible[2].AgentID})
}

// TestVisibilityPersistenceIndependence pins each cell of the
// classification: stored-and-hidden, emitted-and-stored, emitted-and-never-
// stored.
func TestVisibilityPersistenceIndependence(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{Name: "handoff_to_agent", Internal: true}))

	f := newFixture(t, func(o *Options) { o.Registry = registry }, nil)
	ctx := context.Background()

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			assistantWithTool("Switching specialists.", "toolu_h", "handoff_to_agent", `{"to":"agent-sub"}`),
			toolResult("toolu_h", "handoff_to_agent", `{"ok":true}`, false),
		},
	})
	require.NoError(t, err)

	// Internal request and response: persisted, invisible, excluded from the
	// tool count.
	assert.Equal(t, 0, res.ToolsUsed)
	for _, ev := range f.sink.all() {
		assert.NotEqual(t, event.KindToolRequest, ev.Kind())
		assert.NotEqual(t, event.KindToolResponse, ev.Kind())
	}

	// Completion: emitted, never stored.
	kinds := f.sink.kinds()
	assert.Equal(t, event.KindCompletion, kinds[len(kinds)-1])

	f.drain(t)
	rows := f.rows(t, "sess-1")
	stored := make(map[string]bool)
	for _, row := range rows {
		stored[row.Kind] = true
		assert.NotEqual(t, "completion", row.Kind)
	}
	assert.True(t, stored["tool_request"], "internal requests are still durable")
	assert.True(t, stored["tool_response"])
}

// TestDuplicateRequestDropped replays the same tool-use id across two
// messages of one turn.
func TestDuplicateRequestDropped(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			assistantWithTool("", "toolu_dup", "web_search", `{"q":"a"}`),
			assistantWithTool("", "toolu_dup", "web_search", `{"q":"a"}`),
			toolResult("toolu_dup", "web_search", `{"hits":1}`, false),
		},
	})
	require.NoError(t, err)

	requests := 0
	for _, ev := range res.Events {
		if ev.Kind() == event.KindToolRequest {
			requests++
		}
	}
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, res.ToolsUsed)

	f.drain(t)
	rows := f.rows(t, "sess-1")
	reqRows := 0
	for _, row := range rows {
		if row.Kind == "tool_request" {
			reqRows++
		}
	}
	assert.Equal(t, 1, reqRows)
}

// TestCrossTurnResponseByName resolves a nameless-id tool result in a later
// turn through the correlation store.
func TestCrossTurnResponseByName(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res1, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			// No provider id: the pipeline mints one and records the alias.
			assistantWithTool("", "", "web_search", `{"q":"go"}`),
		},
	})
	require.NoError(t, err)

	var minted string
	for _, ev := range res1.Events {
		if req, ok := ev.(*event.ToolRequest); ok {
			minted = req.ToolUseID
		}
	}
	require.NotEmpty(t, minted)

	res2, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			toolResult("", "web_search", `{"hits":2}`, false),
		},
	})
	require.NoError(t, err)

	require.Len(t, res2.Events, 1)
	resp := res2.Events[0].(*event.ToolResponse)
	assert.Equal(t, minted, resp.ToolUseID,
		"the name alias must recover the minted durable id")

	f.drain(t)
}

func TestReservationFailureAbortsBeforeDispatch(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Sequencer = failingAllocator{}
	}, nil)
	ctx := context.Background()

	_, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages:  []provider.Message{assistantText("hello")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnAborted)

	live := f.sink.all()
	require.Len(t, live, 1, "only the abort completion reaches subscribers")
	completion := live[0].(*event.Completion)
	assert.NotEmpty(t, completion.Error)

	f.drain(t)
	assert.Empty(t, f.rows(t, "sess-1"))
}

type failingAllocator struct{}

func (failingAllocator) Reserve(context.Context, int) (int64, error) {
	return 0, errors.New("counter unavailable")
}

func TestEmptyTurnStillCompletes(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, event.StopEndTurn, res.StopReason)

	kinds := f.sink.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, event.KindCompletion, kinds[0])

	// No reservation happened: the next turn starts at zero.
	res, err = f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-2",
		Agent:     mainAgent,
		Messages:  []provider.Message{assistantText("hi")},
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, int64(0), res.Events[0].Seq())

	f.drain(t)
}

// TestConcurrentSessionsTileSequence processes turns from many sessions in
// parallel against one allocator and verifies the union of all assigned
// numbers is exactly [0, total).
func TestConcurrentSessionsTileSequence(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	const sessions = 8
	const turnsPerSession = 5

	var (
		mu   sync.Mutex
		seqs []int64
	)
	var wg sync.WaitGroup
	for s := range sessions {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("sess-%d", s)
			for i := range turnsPerSession {
				res, err := f.pipe.ProcessTurn(ctx, Turn{
					SessionID: sessionID,
					Agent:     mainAgent,
					Messages: []provider.Message{
						assistantWithTool("step", fmt.Sprintf("toolu_%d_%d", s, i), "web_search", `{}`),
						toolResult(fmt.Sprintf("toolu_%d_%d", s, i), "web_search", `"ok"`, false),
					},
				})
				if err != nil {
					t.Errorf("process turn: %v", err)
					return
				}
				mu.Lock()
				for _, ev := range res.Events {
					seqs = append(seqs, ev.Seq())
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, int64(i), seq, "gap or overlap in the global order")
	}

	f.drain(t)
}

func TestToolFailureResponse(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.pipe.ProcessTurn(ctx, Turn{
		SessionID: "sess-1",
		Agent:     mainAgent,
		Messages: []provider.Message{
			assistantWithTool("", "toolu_f", "fetch_page", `{"url":"x"}`),
			toolResult("toolu_f", "fetch_page", "connection reset", true),
		},
	})
	require.NoError(t, err)

	resp := res.Events[len(res.Events)-1].(*event.ToolResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, "connection reset", resp.Error)
	assert.Equal(t, event.StrategyAsync, resp.Strategy(),
		"a genuine failure is not a synthetic closure")

	f.drain(t)
}

package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/telemetry"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(context.Context, string, ...any) {}
func (l *recordingLogger) Info(context.Context, string, ...any)  {}
func (l *recordingLogger) Error(context.Context, string, ...any) {}

func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counters: make(map[string]float64)}
}

func (m *countingMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *countingMetrics) RecordTimer(string, time.Duration, ...string) {}

// sequentialIDs returns a deterministic id generator for tests.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestNormalizeSkipsNonAssistantRoles(t *testing.T) {
	n := New(Options{})
	ctx := context.Background()

	for _, role := range []string{provider.RoleUser, provider.RoleTool, provider.RoleSystem} {
		events, stats := n.Normalize(ctx, "sess-1", 0, provider.Message{Role: role, Text: "hi"})
		assert.Empty(t, events, "role %s", role)
		assert.Equal(t, Stats{}, stats)
	}
}

// TestNormalizeOrdersSemantically feeds blocks in scrambled raw order and
// verifies the output is reasoning, then text, then tool requests, with the
// original order preserved inside each group.
func TestNormalizeOrdersSemantically(t *testing.T) {
	n := New(Options{})

	events, _ := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.TextPart{Text: "first answer"},
			provider.ToolUsePart{ID: "t1", Name: "web_search", Args: json.RawMessage(`{}`)},
			provider.ThinkingPart{Text: "reason one"},
			provider.TextPart{Text: "second answer"},
			provider.ToolUsePart{ID: "t2", Name: "fetch_page", Args: json.RawMessage(`{}`)},
			provider.ThinkingPart{Text: "reason two"},
		},
	})

	require.Equal(t, []event.Kind{
		event.KindThinking,
		event.KindThinking,
		event.KindAssistantMessage,
		event.KindAssistantMessage,
		event.KindToolRequest,
		event.KindToolRequest,
	}, kinds(events))

	assert.Equal(t, "reason one", events[0].(*event.Thinking).Content)
	assert.Equal(t, "reason two", events[1].(*event.Thinking).Content)
	assert.Equal(t, "first answer", events[2].(*event.AssistantMessage).Content)
	assert.Equal(t, "second answer", events[3].(*event.AssistantMessage).Content)
	assert.Equal(t, "t1", events[4].(*event.ToolRequest).ToolUseID)
	assert.Equal(t, "t2", events[5].(*event.ToolRequest).ToolUseID)
}

// TestNormalizeOrderingProperty generalizes the fixed example above: whatever
// order a provider interleaves its blocks in, the normalized stream groups
// reasoning before text before tool requests and keeps the raw relative order
// inside each group.
func TestNormalizeOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("grouped order, stable within groups", prop.ForAll(
		func(classes []int) bool {
			msg := provider.Message{Role: provider.RoleAssistant}
			var wantThinking, wantText, wantTools []string
			for i, c := range classes {
				label := fmt.Sprintf("p%d", i)
				switch c {
				case 0:
					msg.Parts = append(msg.Parts, provider.ThinkingPart{Text: label})
					wantThinking = append(wantThinking, label)
				case 1:
					msg.Parts = append(msg.Parts, provider.TextPart{Text: label})
					wantText = append(wantText, label)
				default:
					msg.Parts = append(msg.Parts, provider.ToolUsePart{ID: label, Name: "web_search"})
					wantTools = append(wantTools, label)
				}
			}

			events, _ := New(Options{}).Normalize(context.Background(), "sess-prop", 0, msg)
			if len(events) != len(classes) {
				return false
			}
			var gotThinking, gotText, gotTools []string
			for _, ev := range events {
				switch e := ev.(type) {
				case *event.Thinking:
					if len(gotText) > 0 || len(gotTools) > 0 {
						return false
					}
					gotThinking = append(gotThinking, e.Content)
				case *event.AssistantMessage:
					if len(gotTools) > 0 {
						return false
					}
					gotText = append(gotText, e.Content)
				case *event.ToolRequest:
					gotTools = append(gotTools, e.ToolUseID)
				default:
					return false
				}
			}
			return slices.Equal(gotThinking, wantThinking) &&
				slices.Equal(gotText, wantText) &&
				slices.Equal(gotTools, wantTools)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

// TestNormalizeTokenAttachment checks the token-placement rule: reasoning
// tokens ride the first thinking event, input/output tokens ride the first
// text event, and later events of either kind carry zero so per-event sums
// never double count.
func TestNormalizeTokenAttachment(t *testing.T) {
	n := New(Options{})

	events, stats := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.ThinkingPart{Text: "a"},
			provider.ThinkingPart{Text: "b"},
			provider.TextPart{Text: "c"},
			provider.TextPart{Text: "d"},
		},
		Usage: &provider.Usage{InputTokens: 100, OutputTokens: 40, ReasoningTokens: 7},
	})
	require.Len(t, events, 4)

	assert.Equal(t, 7, events[0].(*event.Thinking).Usage.ReasoningTokens)
	assert.Equal(t, 0, events[1].(*event.Thinking).Usage.ReasoningTokens)

	first := events[2].(*event.AssistantMessage)
	assert.Equal(t, event.Usage{InputTokens: 100, OutputTokens: 40}, first.Usage)
	assert.Equal(t, event.Usage{}, events[3].(*event.AssistantMessage).Usage)

	assert.Equal(t, event.Usage{InputTokens: 100, OutputTokens: 40, ReasoningTokens: 7}, stats.Usage)
}

// TestNormalizeStructuredWinsOverFlat covers providers that report the same
// call both as a structured block and in the legacy flat list.
func TestNormalizeStructuredWinsOverFlat(t *testing.T) {
	n := New(Options{})

	events, _ := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.ToolUsePart{ID: "t1", Name: "web_search", Args: json.RawMessage(`{"q":"structured"}`)},
		},
		ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "web_search", Args: json.RawMessage(`{"q":"flat duplicate"}`)},
			{ID: "t2", Name: "fetch_page", Args: json.RawMessage(`{"url":"x"}`)},
			{Name: "web_search", Args: json.RawMessage(`{"q":"nameless duplicate"}`)},
		},
	})

	require.Len(t, events, 2)
	first := events[0].(*event.ToolRequest)
	assert.Equal(t, "t1", first.ToolUseID)
	assert.JSONEq(t, `{"q":"structured"}`, string(first.Args),
		"the structured block's args win over the flat duplicate")
	assert.Equal(t, "t2", events[1].(*event.ToolRequest).ToolUseID)
}

func TestNormalizeFlatOnlyMessage(t *testing.T) {
	n := New(Options{})

	events, _ := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Text: "calling a tool",
		ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "web_search", Args: json.RawMessage(`{}`)},
		},
	})

	require.Equal(t, []event.Kind{event.KindAssistantMessage, event.KindToolRequest}, kinds(events))
	assert.Equal(t, "calling a tool", events[0].(*event.AssistantMessage).Content)
}

func TestNormalizeDropsEmptyText(t *testing.T) {
	n := New(Options{})

	events, stats := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.TextPart{Text: "  \n\t"},
			provider.ThinkingPart{Text: ""},
		},
		Usage: &provider.Usage{InputTokens: 5},
	})

	assert.Empty(t, events)
	assert.Equal(t, 5, stats.Usage.InputTokens, "stats survive even when no event does")
}

func TestNormalizeStopReasonTable(t *testing.T) {
	n := New(Options{})
	ctx := context.Background()

	cases := map[string]event.StopReason{
		"":              event.StopEndTurn,
		"end_turn":      event.StopEndTurn,
		"stop":          event.StopEndTurn,
		"stop_sequence": event.StopEndTurn,
		"tool_use":      event.StopToolUse,
		"tool_calls":    event.StopToolUse,
		"function_call": event.StopToolUse,
		"max_tokens":    event.StopMaxTokens,
		"length":        event.StopMaxTokens,
	}
	for raw, want := range cases {
		_, stats := n.Normalize(ctx, "sess-1", 0, provider.Message{
			Role:  provider.RoleAssistant,
			Parts: []provider.Part{provider.TextPart{Text: "x"}},
			Meta:  &provider.Meta{StopReason: raw},
		})
		assert.Equal(t, want, stats.StopReason, "raw stop reason %q", raw)
	}
}

func TestNormalizeUnknownStopReasonLoggedAndCounted(t *testing.T) {
	logger := &recordingLogger{}
	metrics := newCountingMetrics()
	n := New(Options{Logger: logger, Metrics: metrics})

	_, stats := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
		Meta:  &provider.Meta{StopReason: "content_filter"},
	})

	assert.Equal(t, event.StopEndTurn, stats.StopReason)
	require.Len(t, logger.warns, 1)
	assert.Equal(t, float64(1), metrics.counters[telemetry.MetricStopReasonFallback])
}

func TestNormalizeUsagePriority(t *testing.T) {
	n := New(Options{})
	ctx := context.Background()

	// Primary block wins over metadata.
	_, stats := n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
		Usage: &provider.Usage{InputTokens: 10},
		Meta:  &provider.Meta{Usage: &provider.Usage{InputTokens: 99}},
	})
	assert.Equal(t, 10, stats.Usage.InputTokens)

	// Metadata fills in when the primary block is absent.
	_, stats = n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
		Meta:  &provider.Meta{Usage: &provider.Usage{InputTokens: 99}},
	})
	assert.Equal(t, 99, stats.Usage.InputTokens)

	// Neither location: zero, not an error.
	_, stats = n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
	})
	assert.Equal(t, event.Usage{}, stats.Usage)
}

func TestNormalizeMessageIDResolution(t *testing.T) {
	ctx := context.Background()

	n := New(Options{NewID: sequentialIDs()})
	events, _ := n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		ID:    "msg_direct",
		Parts: []provider.Part{provider.TextPart{Text: "x"}, provider.ThinkingPart{Text: "y"}},
		Meta:  &provider.Meta{MessageID: "msg_meta"},
	})
	for _, ev := range events {
		assert.Equal(t, "msg_direct", ev.MessageID())
	}

	events, _ = n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
		Meta:  &provider.Meta{MessageID: "msg_meta"},
	})
	assert.Equal(t, "msg_meta", events[0].MessageID())

	events, _ = n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
	})
	assert.Equal(t, "gen-1", events[0].MessageID())
}

func TestNormalizeMintsToolUseIDs(t *testing.T) {
	n := New(Options{NewID: sequentialIDs()})

	events, _ := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		ID:   "msg_1",
		Parts: []provider.Part{
			provider.ToolUsePart{Name: "web_search", Args: json.RawMessage(`{}`)},
		},
	})

	require.Len(t, events, 1)
	assert.Equal(t, "gen-1", events[0].(*event.ToolRequest).ToolUseID,
		"a request without a provider id still gets a durable one")
}

func TestNormalizeAgentHintStamped(t *testing.T) {
	n := New(Options{})
	ctx := context.Background()

	events, _ := n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:    provider.RoleAssistant,
		AgentID: "agent-sub",
		Parts: []provider.Part{
			provider.ThinkingPart{Text: "t"},
			provider.TextPart{Text: "x"},
			provider.ToolUsePart{ID: "t1", Name: "web_search"},
		},
	})
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "agent-sub", ev.AgentID())
	}

	events, _ = n.Normalize(ctx, "sess-1", 0, provider.Message{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{provider.TextPart{Text: "x"}},
	})
	assert.Empty(t, events[0].AgentID(), "no hint means attribution decides later")
}

func TestNormalizeCitations(t *testing.T) {
	n := New(Options{})

	events, _ := n.Normalize(context.Background(), "sess-1", 0, provider.Message{
		Role: provider.RoleAssistant,
		Parts: []provider.Part{
			provider.TextPart{
				Text: "cited answer",
				Citations: []provider.Citation{
					{Title: "Go spec", URI: "https://go.dev/ref/spec", Snippet: "..."},
				},
			},
		},
	})

	msg := events[0].(*event.AssistantMessage)
	require.Len(t, msg.Citations, 1)
	assert.Equal(t, "Go spec", msg.Citations[0].Title)
	assert.Equal(t, "https://go.dev/ref/spec", msg.Citations[0].URI)
}

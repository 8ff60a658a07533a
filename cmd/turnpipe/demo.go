package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/persist"
	"github.com/turnpipe/turnpipe/pipeline"
	"github.com/turnpipe/turnpipe/provider"
	"github.com/turnpipe/turnpipe/replay"
	"github.com/turnpipe/turnpipe/sequence"
	"github.com/turnpipe/turnpipe/store"
	"github.com/turnpipe/turnpipe/store/inmem"
	"github.com/turnpipe/turnpipe/stream"
	"github.com/turnpipe/turnpipe/telemetry"
	"github.com/turnpipe/turnpipe/tools"
)

const demoSession = "demo-session"

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted conversation through an in-memory pipeline",
	Long: `Demo processes three scripted turns through the pipeline: a research
turn with a tool round trip, a handoff to a second agent, and a turn whose
tool call is interrupted before its result arrives. Live events print as they
stream; afterwards the conversation is reconstructed from the stored rows and
checked against the live emission.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var (
	demoResearcher = event.Agent{ID: "agent.researcher", Name: "Researcher", Color: "#7c4dff"}
	demoWriter     = event.Agent{ID: "agent.writer", Name: "Writer", Color: "#00bfa5"}
)

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := commandContext()

	backing := inmem.New()
	coord, err := persist.New(persist.Options{
		Store:  backing,
		Logger: telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	sink := stream.NewChan(64)

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Descriptor{
		Name:        "web_search",
		Description: "Search the web and return result snippets",
		ArgsSchema:  json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
	}); err != nil {
		return err
	}
	if err := registry.Register(tools.Descriptor{
		Name:        "agent_transfer",
		Description: "Hand the conversation to another agent",
		Internal:    true,
		ArgsSchema:  json.RawMessage(`{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`),
	}); err != nil {
		return err
	}

	identities := map[string]event.Agent{
		demoResearcher.ID: demoResearcher,
		demoWriter.ID:     demoWriter,
	}
	pipe, err := pipeline.New(pipeline.Options{
		Sequencer:   sequence.NewCounter(),
		Coordinator: coord,
		Sink:        sink,
		Registry:    registry,
		AgentLookup: func(id string) (event.Agent, bool) {
			agent, ok := identities[id]
			return agent, ok
		},
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	var live []event.Event
	for i, turn := range demoTurns() {
		fmt.Printf("--- turn %d ---\n", i+1)
		if _, err := pipe.ProcessTurn(ctx, turn); err != nil {
			return err
		}
		events, completion := drainTurn(sink)
		live = append(live, events...)
		printCompletion(completion)
	}

	// Flush queued async writes before reading the store back.
	if err := coord.Close(ctx); err != nil {
		return err
	}
	if err := sink.Close(ctx); err != nil {
		return err
	}

	page, err := backing.List(ctx, demoSession, store.CursorStart, 1000)
	if err != nil {
		return err
	}

	fmt.Printf("\n--- stored rows (%d, * = internal) ---\n", len(page.Records))
	for _, rec := range page.Records {
		marker := " "
		if rec.Internal {
			marker = "*"
		}
		fmt.Printf(" %s seq=%02d %-17s agent=%s\n", marker, rec.Seq, rec.Kind, rec.AgentID)
	}

	fmt.Println("\n--- reconstruction ---")
	for _, rec := range replay.Visible(page.Records) {
		printRecord(rec)
	}

	if !replay.Equivalent(live, page.Records) {
		return fmt.Errorf("reconstruction diverged from the live stream")
	}
	fmt.Println("\nreconstruction matches the live stream")
	return nil
}

// demoTurns scripts the conversation. Within one turn the messages arrive in
// provider order: assistant output first, then the tool results it triggered.
func demoTurns() []pipeline.Turn {
	model := "claude-sonnet-4-5"
	return []pipeline.Turn{
		{
			SessionID: demoSession,
			Agent:     demoResearcher,
			Messages: []provider.Message{
				{
					Role: provider.RoleAssistant,
					Parts: []provider.Part{
						provider.ThinkingPart{Text: "The user wants the Go 1.25 highlights; search first."},
						provider.TextPart{Text: "Let me look that up."},
						provider.ToolUsePart{
							ID:   "toolu_demo_1",
							Name: "web_search",
							Args: json.RawMessage(`{"query":"Go 1.25 release notes"}`),
						},
					},
					Usage: &provider.Usage{InputTokens: 812, OutputTokens: 96, ReasoningTokens: 41},
					Meta:  &provider.Meta{MessageID: "msg_demo_1", Model: model, StopReason: "tool_use"},
				},
				{
					Role:      provider.RoleTool,
					ToolUseID: "toolu_demo_1",
					ToolName:  "web_search",
					Text:      `{"results":[{"title":"Go 1.25 Release Notes","url":"https://go.dev/doc/go1.25"}]}`,
				},
				{
					Role: provider.RoleAssistant,
					Parts: []provider.Part{
						provider.TextPart{
							Text: "Go 1.25 ships container-aware GOMAXPROCS and an experimental garbage collector.",
							Citations: []provider.Citation{
								{Title: "Go 1.25 Release Notes", URI: "https://go.dev/doc/go1.25"},
							},
						},
					},
					Usage: &provider.Usage{InputTokens: 1240, OutputTokens: 187},
					Meta:  &provider.Meta{MessageID: "msg_demo_2", Model: model, StopReason: "end_turn"},
				},
			},
		},
		{
			SessionID: demoSession,
			Agent:     demoResearcher,
			Messages: []provider.Message{
				{
					Role: provider.RoleAssistant,
					Parts: []provider.Part{
						provider.TextPart{Text: "Handing the summary to the writer."},
						provider.ToolUsePart{
							ID:   "toolu_demo_2",
							Name: "agent_transfer",
							Args: json.RawMessage(`{"to":"agent.writer"}`),
						},
					},
					Usage: &provider.Usage{InputTokens: 1480, OutputTokens: 54},
					Meta:  &provider.Meta{MessageID: "msg_demo_3", Model: model, StopReason: "tool_use"},
				},
				{
					Role:      provider.RoleTool,
					ToolUseID: "toolu_demo_2",
					ToolName:  "agent_transfer",
					Text:      `{"status":"accepted"}`,
				},
				{
					Role:    provider.RoleAssistant,
					AgentID: demoWriter.ID,
					Parts: []provider.Part{
						provider.TextPart{Text: "Draft: Go 1.25 tunes the runtime for containers and previews a new GC."},
					},
					Usage: &provider.Usage{InputTokens: 1630, OutputTokens: 112},
					Meta:  &provider.Meta{MessageID: "msg_demo_4", Model: model, StopReason: "end_turn"},
				},
			},
		},
		{
			SessionID: demoSession,
			Agent:     demoWriter,
			Messages: []provider.Message{
				{
					Role: provider.RoleAssistant,
					Parts: []provider.Part{
						provider.TextPart{Text: "Let me double-check the GC details."},
						provider.ToolUsePart{
							ID:   "toolu_demo_3",
							Name: "web_search",
							Args: json.RawMessage(`{"query":"Go 1.25 green tea garbage collector"}`),
						},
					},
					Usage: &provider.Usage{InputTokens: 1702, OutputTokens: 48},
					Meta:  &provider.Meta{MessageID: "msg_demo_5", Model: model, StopReason: "tool_use"},
				},
				// No tool result: the call is interrupted and the pipeline
				// closes it with a synthetic failure.
			},
		},
	}
}

// drainTurn reads the sink until the turn's completion signal arrives. The
// pipeline emits every event before ProcessTurn returns, so the buffered
// channel already holds the whole turn.
func drainTurn(sink *stream.Chan) ([]event.Event, *event.Completion) {
	var events []event.Event
	for ev := range sink.Events() {
		if c, ok := ev.(*event.Completion); ok {
			events = append(events, c)
			return events, c
		}
		events = append(events, ev)
		printLive(ev)
	}
	return events, nil
}

func printLive(ev event.Event) {
	switch e := ev.(type) {
	case *event.Thinking:
		fmt.Printf(" [%02d] %s thinking: %s\n", e.Seq(), e.AgentID(), e.Content)
	case *event.AssistantMessage:
		fmt.Printf(" [%02d] %s: %s\n", e.Seq(), e.AgentID(), e.Content)
	case *event.ToolRequest:
		fmt.Printf(" [%02d] %s -> %s %s\n", e.Seq(), e.AgentID(), e.ToolName, string(e.Args))
	case *event.ToolResponse:
		status := "ok"
		if !e.Success {
			status = "failed: " + e.Error
		}
		fmt.Printf(" [%02d] %s <- %s %s\n", e.Seq(), e.AgentID(), e.ToolName, status)
	}
}

func printCompletion(c *event.Completion) {
	if c == nil {
		return
	}
	fmt.Printf(" done: model=%s stop=%s tokens=%d tools_used=%d\n",
		c.Model, c.StopReason, c.Usage.Total(), c.ToolsUsed)
}

func printRecord(rec *store.Record) {
	switch event.Kind(rec.Kind) {
	case event.KindThinking:
		fmt.Printf(" [%02d] %s thinking: %s\n", rec.Seq, rec.AgentID, rec.Content)
	case event.KindAssistantMessage:
		fmt.Printf(" [%02d] %s: %s\n", rec.Seq, rec.AgentID, rec.Content)
	case event.KindToolRequest:
		fmt.Printf(" [%02d] %s -> %s %s\n", rec.Seq, rec.AgentID, rec.ToolName, string(rec.ToolArgs))
	case event.KindToolResponse:
		status := "ok"
		if rec.Success != nil && !*rec.Success {
			status = "failed: " + rec.Error
		}
		fmt.Printf(" [%02d] %s <- %s %s\n", rec.Seq, rec.AgentID, rec.ToolName, status)
	}
}

package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/event"
)

func TestRecordOfThinking(t *testing.T) {
	ev := event.NewThinking("sess-1", 0, "weighing options", "sig-abc", 42)
	ev.SetAgentID("agent-main")
	ev.SetMessageID("msg-1")
	ev.SetSeq(7)

	rec, err := RecordOf(ev)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, int64(7), rec.Seq)
	assert.Equal(t, "thinking", rec.Kind)
	assert.Equal(t, "weighing options", rec.Content)
	assert.Equal(t, "sig-abc", rec.Signature)
	assert.Equal(t, 42, rec.ReasoningTokens)
	assert.Equal(t, "agent-main", rec.AgentID)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.False(t, rec.Internal)
	assert.Nil(t, rec.Success)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRecordOfAssistantMessage(t *testing.T) {
	ev := event.NewAssistantMessage("sess-1", 1, "Found 3 matches", "claude-sonnet-4-5",
		event.StopEndTurn,
		event.Usage{InputTokens: 120, OutputTokens: 34},
		[]event.Citation{{Title: "Docs", URI: "https://example.com"}},
	)
	ev.SetSeq(8)

	rec, err := RecordOf(ev)
	require.NoError(t, err)

	assert.Equal(t, "assistant_message", rec.Kind)
	assert.Equal(t, "Found 3 matches", rec.Content)
	assert.Equal(t, "claude-sonnet-4-5", rec.Model)
	assert.Equal(t, "end_turn", rec.StopReason)
	assert.Equal(t, 120, rec.InputTokens)
	assert.Equal(t, 34, rec.OutputTokens)

	var cites []event.Citation
	require.NoError(t, json.Unmarshal(rec.Citations, &cites))
	require.Len(t, cites, 1)
	assert.Equal(t, "Docs", cites[0].Title)
}

func TestRecordOfToolPair(t *testing.T) {
	req := event.NewToolRequest("sess-1", 2, "toolu_1", "web_search", json.RawMessage(`{"q":"go"}`))
	req.SetSeq(9)

	rec, err := RecordOf(req)
	require.NoError(t, err)
	assert.Equal(t, "tool_request", rec.Kind)
	assert.Equal(t, "toolu_1", rec.ToolUseID)
	assert.Equal(t, "web_search", rec.ToolName)
	assert.JSONEq(t, `{"q":"go"}`, string(rec.ToolArgs))
	assert.Nil(t, rec.Success)

	resp := event.NewToolResponse("sess-1", 3, "toolu_1", "web_search", json.RawMessage(`{"hits":3}`), true, "")
	resp.SetSeq(10)

	rec, err = RecordOf(resp)
	require.NoError(t, err)
	assert.Equal(t, "tool_response", rec.Kind)
	assert.JSONEq(t, `{"hits":3}`, string(rec.ToolResult))
	require.NotNil(t, rec.Success)
	assert.True(t, *rec.Success)
}

func TestRecordOfInterruptedResponse(t *testing.T) {
	ev := event.NewInterruptedToolResponse("sess-1", 4, "toolu_lost", "fetch_page")
	ev.SetSeq(11)

	rec, err := RecordOf(ev)
	require.NoError(t, err)
	require.NotNil(t, rec.Success)
	assert.False(t, *rec.Success)
	assert.Equal(t, event.InterruptedError, rec.Error)
}

func TestRecordOfAgentChanged(t *testing.T) {
	from := event.Agent{ID: "agent-main", Name: "Main"}
	to := event.Agent{ID: "agent-sub", Name: "Researcher", Color: "#ff6633"}
	ev := event.NewAgentChanged("sess-1", 5, from, to)
	ev.SetSeq(12)

	rec, err := RecordOf(ev)
	require.NoError(t, err)
	assert.Equal(t, "agent_changed", rec.Kind)
	assert.True(t, rec.Internal)
	assert.Equal(t, "agent-sub", rec.AgentID)

	var h Handoff
	require.NoError(t, json.Unmarshal([]byte(rec.Content), &h))
	assert.Equal(t, from, h.From)
	assert.Equal(t, to, h.To)
}

func TestRecordOfRejectsTransient(t *testing.T) {
	ev := event.NewCompletion("sess-1", 6, "claude-sonnet-4-5", event.StopEndTurn, event.Usage{}, 0, "")

	_, err := RecordOf(ev)
	require.Error(t, err)
}

func TestRecordValidate(t *testing.T) {
	valid := func() *Record {
		ev := event.NewThinking("sess-1", 0, "x", "", 0)
		ev.SetSeq(0)
		rec, err := RecordOf(ev)
		require.NoError(t, err)
		return rec
	}

	assert.NoError(t, valid().Validate())

	rec := valid()
	rec.SessionID = ""
	assert.Error(t, rec.Validate())

	rec = valid()
	rec.Seq = -1
	assert.Error(t, rec.Validate(), "an unassigned sequence number must never reach storage")

	rec = valid()
	rec.Kind = ""
	assert.Error(t, rec.Validate())
}

func TestRecordClone(t *testing.T) {
	resp := event.NewToolResponse("sess-1", 0, "toolu_1", "web_search", json.RawMessage(`{"hits":3}`), true, "")
	resp.SetSeq(0)
	rec, err := RecordOf(resp)
	require.NoError(t, err)

	clone := rec.Clone()
	clone.ToolResult[1] = 'X'
	*clone.Success = false

	assert.JSONEq(t, `{"hits":3}`, string(rec.ToolResult), "clone must not alias the original buffers")
	assert.True(t, *rec.Success)
}

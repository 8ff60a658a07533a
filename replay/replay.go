// Package replay reconstructs the user-visible conversation from stored
// event rows. A reconstruction ordered by sequence number is expected to be
// indistinguishable from the live emission the session's subscribers saw;
// Equivalent makes that check executable for demos and tests.
package replay

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/store"
)

// Visible returns the user-visible projection of the stored rows: internal
// rows (agent handoffs and other infrastructure artifacts) are dropped and
// the rest are ordered by sequence number. The input slice is not modified.
func Visible(records []*store.Record) []*store.Record {
	out := make([]*store.Record, 0, len(records))
	for _, rec := range records {
		if rec.Internal {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Equivalent reports whether a captured live emission and a set of stored
// rows describe the same visible conversation. Transient and internal events
// in the live capture are ignored (completion signals are never stored,
// handoff markers are never emitted); the remainder must match the visible
// stored projection row for row, in emission order. Out-of-order emission is
// a mismatch even when the same rows exist.
func Equivalent(live []event.Event, records []*store.Record) bool {
	var want []*store.Record
	for _, ev := range live {
		if ev.Strategy() == event.StrategyTransient || ev.Internal() {
			continue
		}
		rec, err := store.RecordOf(ev)
		if err != nil {
			return false
		}
		want = append(want, rec)
	}

	got := Visible(records)
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if !match(want[i], got[i]) {
			return false
		}
	}
	return true
}

// match compares two rows ignoring storage artifacts: CreatedAt precision
// differs per backend and JSON columns are normalized by JSONB.
func match(a, b *store.Record) bool {
	if a.SessionID != b.SessionID ||
		a.Seq != b.Seq ||
		a.Kind != b.Kind ||
		a.Content != b.Content ||
		a.AgentID != b.AgentID ||
		a.Internal != b.Internal ||
		a.InputTokens != b.InputTokens ||
		a.OutputTokens != b.OutputTokens ||
		a.ReasoningTokens != b.ReasoningTokens ||
		a.Model != b.Model ||
		a.StopReason != b.StopReason ||
		a.ToolUseID != b.ToolUseID ||
		a.ToolName != b.ToolName ||
		a.Error != b.Error ||
		a.Signature != b.Signature ||
		a.MessageID != b.MessageID {
		return false
	}
	if (a.Success == nil) != (b.Success == nil) {
		return false
	}
	if a.Success != nil && *a.Success != *b.Success {
		return false
	}
	return jsonEqual(a.ToolArgs, b.ToolArgs) &&
		jsonEqual(a.ToolResult, b.ToolResult) &&
		jsonEqual(a.Citations, b.Citations)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

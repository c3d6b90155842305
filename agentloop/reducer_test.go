package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/termloop/unifiedllm"
)

func TestStreamReducerInterleavedBlocks(t *testing.T) {
	r := NewStreamReducer()
	resp := &unifiedllm.Response{ID: "resp_1", FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"}, Usage: unifiedllm.Usage{OutputTokens: 7}}

	events := []unifiedllm.StreamEvent{
		{Type: unifiedllm.MessageStart},
		{Type: unifiedllm.ContentBlockStart, Index: 5, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockText}},
		{Type: unifiedllm.ContentBlockStart, Index: 2, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockToolUse, ToolCallID: "call_1", ToolName: "shell"}},
		{Type: unifiedllm.ContentBlockDelta, Index: 2, Delta: &unifiedllm.StreamDelta{PartialJSON: `{"comm`}},
		{Type: unifiedllm.ContentBlockDelta, Index: 5, Delta: &unifiedllm.StreamDelta{Text: "Let me "}},
		{Type: unifiedllm.ContentBlockDelta, Index: 2, Delta: &unifiedllm.StreamDelta{PartialJSON: `{"command":"ls"}`}},
		{Type: unifiedllm.ContentBlockDelta, Index: 5, Delta: &unifiedllm.StreamDelta{Text: "look."}},
		{Type: unifiedllm.ContentBlockStop, Index: 5},
		{Type: unifiedllm.ContentBlockStop, Index: 2},
	}
	for _, ev := range events {
		_, done := r.Apply(streamEvent(ev))
		require.False(t, done)
	}

	snap := r.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Blocks, 2)

	turn, done := r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStop, Response: resp}))
	require.True(t, done)
	require.Len(t, turn.Blocks, 2)
	assert.Equal(t, BlockText, turn.Blocks[0].Kind)
	assert.Equal(t, "Let me look.", turn.Blocks[0].Text.Text)
	assert.Equal(t, BlockToolUse, turn.Blocks[1].Kind)
	assert.Equal(t, "call_1", turn.Blocks[1].ToolUse.ID)
	assert.JSONEq(t, `{"command":"ls"}`, string(turn.Blocks[1].ToolUse.Input))
	assert.Equal(t, ToolPending, turn.Blocks[1].ToolUse.State)
	assert.Equal(t, "resp_1", turn.ResponseID)
	assert.Equal(t, 7, turn.Usage.OutputTokens)
	assert.Nil(t, r.Snapshot())
	assert.Zero(t, r.Dropped())
}

func TestStreamReducerKeepsLastValidPartialJSON(t *testing.T) {
	r := NewStreamReducer()
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStart}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStart, Index: 0, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockToolUse, ToolCallID: "c", ToolName: "glob"}}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: 0, Delta: &unifiedllm.StreamDelta{PartialJSON: `{"pattern":"*.go"}`}}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: 0, Delta: &unifiedllm.StreamDelta{PartialJSON: `{"pattern":"*.go","pa`}}))

	snap := r.Snapshot()
	assert.Equal(t, json.RawMessage(`{"pattern":"*.go"}`), snap.Blocks[0].ToolUse.Input)
}

func TestStreamReducerToolLifecycleAcrossTurns(t *testing.T) {
	r := NewStreamReducer()
	for _, ev := range toolEvents("r1", toolCall{"call_a", "read_file", `{"path":"a"}`}, toolCall{"call_b", "read_file", `{"path":"b"}`}) {
		r.Apply(streamEvent(ev))
	}

	r.Apply(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: "call_a"})
	r.Apply(AgentEvent{Kind: EventToolExecutionEnd, ToolCallID: "call_a", Result: "contents"})
	r.Apply(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: "call_b"})
	r.Apply(AgentEvent{Kind: EventToolExecutionEnd, ToolCallID: "call_b", Result: "Error: file not found: b", IsError: true})
	// A late start must not reopen a finished invocation.
	r.Apply(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: "call_a"})

	for _, ev := range textEvents("r2", "done") {
		r.Apply(streamEvent(ev))
	}

	turns := r.Turns()
	require.Len(t, turns, 2)
	invs := turns[0].Invocations()
	require.Len(t, invs, 2)
	assert.Equal(t, ToolCompleted, invs[0].State)
	assert.Equal(t, "contents", invs[0].Result)
	assert.Equal(t, ToolFailed, invs[1].State)
	assert.True(t, invs[1].IsError)
	assert.Equal(t, "done", turns[1].Text())
	assert.Zero(t, r.Dropped())
}

func TestStreamReducerPositionKeysResetPerMessage(t *testing.T) {
	r := NewStreamReducer()
	for _, ev := range textEvents("r1", "first") {
		r.Apply(streamEvent(ev))
	}
	for _, ev := range textEvents("r2", "second") {
		r.Apply(streamEvent(ev))
	}

	turns := r.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Text())
	assert.Equal(t, "second", turns[1].Text())
	assert.Zero(t, r.Dropped())
}

func TestStreamReducerCountsUnknownReferences(t *testing.T) {
	r := NewStreamReducer()
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStart}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: 9, Delta: &unifiedllm.StreamDelta{Text: "orphan"}}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStart, Index: 0, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockText}}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStart, Index: 0, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockText}}))
	r.Apply(AgentEvent{Kind: EventToolExecutionEnd, ToolCallID: "nope"})

	assert.Equal(t, 3, r.Dropped())
	require.Len(t, r.Snapshot().Blocks, 1)
}

func TestStreamReducerFallsBackToResponseContent(t *testing.T) {
	r := NewStreamReducer()
	resp := &unifiedllm.Response{
		ID: "r",
		Message: unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{
			unifiedllm.TextPart("hi"),
			unifiedllm.ToolCallPart("call_1", "glob", json.RawMessage(`{"pattern":"*"}`)),
		}},
	}
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStart}))
	turn, done := r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStop, Response: resp}))
	require.True(t, done)
	assert.Equal(t, "hi", turn.Text())
	require.Len(t, turn.Invocations(), 1)

	r.Apply(AgentEvent{Kind: EventToolExecutionEnd, ToolCallID: "call_1", Result: "x"})
	assert.Equal(t, ToolCompleted, r.Turns()[0].Invocations()[0].State)
}

func TestStreamReducerSnapshotIsACopy(t *testing.T) {
	r := NewStreamReducer()
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.MessageStart}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStart, Index: 0, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockText}}))
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: 0, Delta: &unifiedllm.StreamDelta{Text: "a"}}))

	snap := r.Snapshot()
	snap.Blocks[0].Text.Text = "mutated"
	r.Apply(streamEvent(unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: 0, Delta: &unifiedllm.StreamDelta{Text: "b"}}))
	assert.Equal(t, "ab", r.Snapshot().Text())
}

package agentloop

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/martinemde/termloop/unifiedllm"
)

// scriptedModel replays one canned event stream per call.
type scriptedModel struct {
	mu       sync.Mutex
	scripts  [][]unifiedllm.StreamEvent
	openErrs []error
	requests []unifiedllm.Request

	// repeat, when set, is served once scripts run out.
	repeat []unifiedllm.StreamEvent
}

func (m *scriptedModel) Stream(_ context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var events []unifiedllm.StreamEvent
	switch {
	case len(m.scripts) > 0:
		events = m.scripts[0]
		m.scripts = m.scripts[1:]
	case m.repeat != nil:
		events = m.repeat
	default:
		events = textEvents("fallback", "out of script")
	}
	ch := make(chan unifiedllm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// hangingModel opens a stream that never produces anything.
type hangingModel struct{}

func (hangingModel) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	return make(chan unifiedllm.StreamEvent), nil
}

type toolCall struct {
	id, name, args string
}

func textEvents(id, text string) []unifiedllm.StreamEvent {
	resp := &unifiedllm.Response{
		ID:           id,
		Message:      unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{unifiedllm.TextPart(text)}},
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.MessageStart},
		{Type: unifiedllm.ContentBlockStart, Index: 0, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockText}},
		{Type: unifiedllm.ContentBlockDelta, Index: 0, Delta: &unifiedllm.StreamDelta{Text: text}},
		{Type: unifiedllm.ContentBlockStop, Index: 0},
		{Type: unifiedllm.MessageStop, Response: resp},
	}
}

func toolEvents(id string, calls ...toolCall) []unifiedllm.StreamEvent {
	resp := &unifiedllm.Response{
		ID:           id,
		Message:      unifiedllm.Message{Role: unifiedllm.RoleAssistant},
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
	}
	events := []unifiedllm.StreamEvent{{Type: unifiedllm.MessageStart}}
	for i, c := range calls {
		resp.Message.Content = append(resp.Message.Content, unifiedllm.ToolCallPart(c.id, c.name, json.RawMessage(c.args)))
		events = append(events,
			unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStart, Index: i, Block: &unifiedllm.StreamBlock{Kind: unifiedllm.BlockToolUse, ToolCallID: c.id, ToolName: c.name}},
			unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockDelta, Index: i, Delta: &unifiedllm.StreamDelta{PartialJSON: c.args}},
			unifiedllm.StreamEvent{Type: unifiedllm.ContentBlockStop, Index: i},
		)
	}
	return append(events, unifiedllm.StreamEvent{Type: unifiedllm.MessageStop, Response: resp})
}

// stubProfile renders a fixed prompt so tests never depend on the host.
type stubProfile struct {
	window int
}

func (stubProfile) ID() string      { return "anthropic" }
func (stubProfile) ModelID() string { return "test-model" }

func (p stubProfile) ContextWindowSize() int { return p.window }

func (stubProfile) BuildSystemPrompt(_ ExecutionEnvironment, tools []ToolDefinition, _ string) string {
	return "You are a test agent."
}

func streamEvent(ev unifiedllm.StreamEvent) AgentEvent {
	return AgentEvent{Kind: EventStream, Stream: &ev}
}

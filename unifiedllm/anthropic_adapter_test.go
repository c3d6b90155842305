package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

func sseServer(t *testing.T, events [][2]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

var toolUseFixture = [][2]string{
	{"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Looking "}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"now."}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file","input":{}}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\": "}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":1}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":30}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func TestAnthropicAdapterStream(t *testing.T) {
	srv := sseServer(t, toolUseFixture)
	adapter := NewAnthropicAdapter("test-key", WithAnthropicBaseURL(srv.URL))

	ch, err := adapter.Stream(context.Background(), Request{
		Model:    "sonnet",
		Messages: []Message{UserMessage("read main.go")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}

	var types []StreamEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []StreamEventType{
		MessageStart,
		ContentBlockStart, ContentBlockDelta, ContentBlockDelta, ContentBlockStop,
		ContentBlockStart, ContentBlockDelta, ContentBlockDelta, ContentBlockStop,
		MessageStop,
	}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	start := events[5]
	if start.Index != 1 || start.Block.Kind != BlockToolUse || start.Block.ToolCallID != "toolu_01" || start.Block.ToolName != "read_file" {
		t.Errorf("unexpected tool block start %+v", start.Block)
	}
	if got := events[6].Delta.PartialJSON; got != `{"path": ` {
		t.Errorf("expected first partial document, got %q", got)
	}
	if got := events[7].Delta.PartialJSON; got != `{"path": "main.go"}` {
		t.Errorf("expected cumulative document, got %q", got)
	}

	resp := events[len(events)-1].Response
	if resp == nil {
		t.Fatal("expected final response on message_stop")
	}
	if resp.Text() != "Looking now." {
		t.Errorf("unexpected text %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "main.go" {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls, got %q", resp.FinishReason.Reason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 30 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAnthropicAdapterComplete(t *testing.T) {
	srv := sseServer(t, toolUseFixture)
	adapter := NewAnthropicAdapter("test-key", WithAnthropicBaseURL(srv.URL))

	resp, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("expected msg_01, got %q", resp.ID)
	}
}

func TestAnthropicAdapterOpenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	adapter := NewAnthropicAdapter("bad-key", WithAnthropicBaseURL(srv.URL))
	_, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
	if IsRetryable(err) {
		t.Error("expected auth failure to be non-retryable")
	}
}

func TestAnthropicAdapterServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	adapter := NewAnthropicAdapter("key", WithAnthropicBaseURL(srv.URL))
	_, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rl.RetryAfter != 2*time.Second {
		t.Errorf("expected retry-after 2s, got %v", rl.RetryAfter)
	}
	if !IsRetryable(err) {
		t.Error("expected rate limit to be retryable")
	}
}

func TestTranslateAnthropicMessages(t *testing.T) {
	messages := []Message{
		SystemMessage("be brief"),
		UserMessage("list files"),
		{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Sure."),
			ToolCallPart("call_1", "glob", json.RawMessage(`{"pattern":"*"}`)),
			ToolCallPart("call_2", "shell", nil),
		}},
		ToolResultsMessage(
			ToolResultData{ToolCallID: "call_1", Content: "a.go"},
			ToolResultData{ToolCallID: "call_2", Content: "Error: boom", IsError: true},
		),
		UserMessage("thanks"),
	}

	out := translateAnthropicMessages(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 API messages (user, assistant, merged user), got %d", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser || out[1].Role != anthropic.MessageParamRoleAssistant || out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("unexpected roles %s %s %s", out[0].Role, out[1].Role, out[2].Role)
	}
	if len(out[1].Content) != 3 {
		t.Errorf("expected text and two tool_use blocks, got %d", len(out[1].Content))
	}
	if len(out[2].Content) != 3 {
		t.Errorf("expected two tool results merged with trailing text, got %d", len(out[2].Content))
	}
	if out[1].Content[2].OfToolUse == nil {
		t.Fatal("expected tool_use block")
	}
	raw, _ := json.Marshal(out[1].Content[2].OfToolUse.Input)
	if string(raw) != "{}" {
		t.Errorf("expected missing arguments to become {}, got %s", raw)
	}
	if out[2].Content[1].OfToolResult == nil || !out[2].Content[1].OfToolResult.IsError.Value {
		t.Error("expected flagged tool result")
	}
}

func TestAnthropicTranslateRequest(t *testing.T) {
	adapter := NewAnthropicAdapter("key")
	maxTokens := 100
	params := adapter.translateRequest(Request{
		Model:     "haiku",
		Messages:  []Message{SystemMessage("sys"), UserMessage("hi")},
		MaxTokens: &maxTokens,
		ToolDefs: []ToolDefinition{{
			Name:        "glob",
			Description: "find files",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"pattern": map[string]any{"type": "string"}},
				"required":   []any{"pattern"},
			},
		}},
		ToolChoice: &ToolChoice{Mode: "required"},
	})

	if params.Model != "claude-haiku-4-5" {
		t.Errorf("expected alias to resolve, got %q", params.Model)
	}
	if params.MaxTokens != 100 {
		t.Errorf("expected max tokens 100, got %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "sys" {
		t.Errorf("unexpected system %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil {
		t.Fatalf("expected one tool, got %+v", params.Tools)
	}
	if got := params.Tools[0].OfTool.InputSchema.Required; len(got) != 1 || got[0] != "pattern" {
		t.Errorf("unexpected required %v", got)
	}
	if params.ToolChoice.OfAny == nil {
		t.Error("expected required tool choice to map to any")
	}

	params = adapter.translateRequest(Request{Model: "opus", Messages: []Message{UserMessage("hi")}})
	if params.MaxTokens != 32000 {
		t.Errorf("expected catalog max output, got %d", params.MaxTokens)
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	cases := map[anthropic.StopReason]string{
		anthropic.StopReasonEndTurn:      "stop",
		anthropic.StopReasonStopSequence: "stop",
		anthropic.StopReasonToolUse:      "tool_calls",
		anthropic.StopReasonMaxTokens:    "length",
		"refusal":                        "content_filter",
		"pause_turn":                     "other",
	}
	for raw, want := range cases {
		got := mapAnthropicStopReason(raw)
		if got.Reason != want {
			t.Errorf("%s: expected %q, got %q", raw, want, got.Reason)
		}
		if got.Raw != string(raw) {
			t.Errorf("%s: expected raw preserved, got %q", raw, got.Raw)
		}
	}
}

func TestAnthropicTranslateErrorCancelled(t *testing.T) {
	adapter := NewAnthropicAdapter("key")
	err := adapter.translateError(fmt.Errorf("read: %w", context.Canceled))
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected AbortError, got %T", err)
	}
	err = adapter.translateError(errors.New("connection reset by peer"))
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T", err)
	}
}

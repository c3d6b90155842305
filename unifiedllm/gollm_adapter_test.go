package unifiedllm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation (expected without real key): %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg string
		check  func(error) bool
		want   string
	}{
		{"401 Unauthorized", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, "AuthenticationError"},
		{"invalid api key", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, "AuthenticationError"},
		{"403 Forbidden", func(e error) bool { _, ok := e.(*AccessDeniedError); return ok }, "AccessDeniedError"},
		{"404 not found", func(e error) bool { _, ok := e.(*NotFoundError); return ok }, "NotFoundError"},
		{"429 rate limit exceeded", func(e error) bool { _, ok := e.(*RateLimitError); return ok }, "RateLimitError"},
		{"context length exceeded", func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, "ContextLengthError"},
		{"500 internal server error", func(e error) bool { _, ok := e.(*ServerError); return ok }, "ServerError"},
		{"timeout waiting for response", func(e error) bool { _, ok := e.(*RequestTimeoutError); return ok }, "RequestTimeoutError"},
		{"content filter triggered", func(e error) bool { _, ok := e.(*ContentFilterError); return ok }, "ContentFilterError"},
		{"something unknown", func(e error) bool { _, ok := e.(*ProviderError); return ok }, "ProviderError"},
	}

	for _, tt := range tests {
		err := adapter.translateError(errForMsg(tt.errMsg))
		if err == nil {
			t.Errorf("expected non-nil error for %q", tt.errMsg)
			continue
		}
		if !tt.check(err) {
			t.Errorf("for %q: expected %s, got %T", tt.errMsg, tt.want, err)
		}
	}

	if !IsRetryable(adapter.translateError(errForMsg("something unknown"))) {
		t.Error("expected unclassified gollm errors to be retryable")
	}
}

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }
func errForMsg(msg string) error     { return &simpleError{msg: msg} }

func TestGollmAdapterSupportsToolChoice(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	for _, mode := range []string{"auto", "none", "required", "named"} {
		if !adapter.SupportsToolChoice(mode) {
			t.Errorf("expected %s to be supported for openai", mode)
		}
	}
	if adapter.SupportsToolChoice("invalid") {
		t.Error("expected invalid to not be supported")
	}

	ollama := &GollmAdapter{provider: "ollama"}
	if ollama.SupportsToolChoice("named") {
		t.Error("expected named to not be supported for ollama")
	}
}

func TestParseToolCalls(t *testing.T) {
	text := `Let me look.
[{"name": "read_file", "arguments": {"path": "a.go"}}, {"name": "glob"}]`
	calls := parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected read_file, got %q", calls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "a.go" {
		t.Errorf("unexpected arguments %s (err %v)", calls[0].Arguments, err)
	}
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("expected missing arguments to default to {}, got %s", calls[1].Arguments)
	}
	if calls[0].ID == calls[1].ID {
		t.Error("expected distinct call IDs")
	}

	if got := removeToolCallJSON(text, calls); got != "Let me look." {
		t.Errorf("expected prose only, got %q", got)
	}
}

func TestParseToolCallsWrapped(t *testing.T) {
	calls := parseToolCalls(`{"tool_calls": [{"name": "shell", "arguments": {"command": "ls"}}]}`)
	if len(calls) != 1 || calls[0].Name != "shell" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestParseToolCallsNone(t *testing.T) {
	if calls := parseToolCalls("just prose, with [brackets] and {braces}"); calls != nil {
		t.Errorf("expected no calls, got %+v", calls)
	}
	if calls := parseToolCalls(`[{"name": broken`); calls != nil {
		t.Errorf("expected malformed JSON to yield no calls, got %+v", calls)
	}
}

func collectText(events []StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == ContentBlockDelta && ev.Index == 0 && ev.Delta != nil {
			sb.WriteString(ev.Delta.Text)
		}
	}
	return sb.String()
}

func TestGollmStreamHoldsBackToolJSON(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-4o-mini"}
	st := &gollmStream{}

	var events []StreamEvent
	events = append(events, st.start()...)
	chunks := []string{"Checking", " now.\n[", `{"na`, `me": "glob", "arguments": {"pattern": "*.go"}}]`}
	for _, c := range chunks {
		events = append(events, st.push(c)...)
	}
	if text := collectText(events); strings.Contains(text, "[") {
		t.Fatalf("tool JSON leaked into text: %q", text)
	}
	events = append(events, st.finish(adapter.buildResponse(Request{}, st.full.String()))...)

	if events[0].Type != MessageStart {
		t.Errorf("expected message_start first, got %s", events[0].Type)
	}
	if text := collectText(events); text != "Checking now.\n" {
		t.Errorf("unexpected streamed text %q", text)
	}

	var toolStart *StreamEvent
	var toolJSON string
	for i := range events {
		ev := events[i]
		if ev.Index != 1 {
			continue
		}
		switch ev.Type {
		case ContentBlockStart:
			toolStart = &events[i]
		case ContentBlockDelta:
			toolJSON = ev.Delta.PartialJSON
		}
	}
	if toolStart == nil || toolStart.Block.Kind != BlockToolUse || toolStart.Block.ToolName != "glob" {
		t.Fatalf("expected tool_use block at index 1, got %+v", toolStart)
	}
	if toolJSON != `{"pattern": "*.go"}` {
		t.Errorf("unexpected tool arguments %q", toolJSON)
	}

	last := events[len(events)-1]
	if last.Type != MessageStop || last.Response == nil {
		t.Fatalf("expected message_stop with response, got %+v", last)
	}
	if last.Response.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", last.Response.FinishReason.Reason)
	}
}

func TestGollmStreamFlushesFalseMarker(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}
	st := &gollmStream{}
	events := st.start()
	events = append(events, st.push("see list [")...)
	if text := collectText(events); text != "see list " {
		t.Errorf("expected possible marker to be held back, got %q", text)
	}
	events = append(events, st.push("1]")...)
	events = append(events, st.finish(adapter.buildResponse(Request{}, st.full.String()))...)
	if text := collectText(events); text != "see list [1]" {
		t.Errorf("expected full text after finish, got %q", text)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
		},
	}
	tokens := estimateTokens(req)
	if tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	req := Request{Messages: []Message{}}
	tokens := estimateTokens(req)
	if tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}

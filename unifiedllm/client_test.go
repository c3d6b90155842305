package unifiedllm

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// mockAdapter answers every request with the same response or error.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	closeErr error
	closed   bool
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(context.Context, Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(context.Context, Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) Close() error {
	m.closed = true
	return m.closeErr
}

func newMockAdapter(name, text string) *mockAdapter {
	resp := &Response{
		ID:           "resp_" + name,
		Provider:     name,
		Message:      Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}},
		FinishReason: FinishReason{Reason: "stop"},
		Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}
	return &mockAdapter{
		name:     name,
		response: resp,
		events: []StreamEvent{
			{Type: MessageStart},
			{Type: ContentBlockStart, Block: &StreamBlock{Kind: BlockText}},
			{Type: ContentBlockDelta, Delta: &StreamDelta{Text: text}},
			{Type: ContentBlockStop},
			{Type: MessageStop, Response: resp},
		},
	}
}

func hi(model, provider string) Request {
	return Request{Model: model, Provider: provider, Messages: []Message{UserMessage("Hi")}}
}

func TestClientRouting(t *testing.T) {
	client := NewClient(
		WithProvider("openai", newMockAdapter("openai", "from openai")),
		WithProvider("anthropic", newMockAdapter("anthropic", "from anthropic")),
		WithDefaultProvider("openai"),
	)
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"explicit provider wins over catalog", hi("gpt-4.1", "anthropic"), "from anthropic"},
		{"catalog model", hi("claude-haiku-4-5", ""), "from anthropic"},
		{"unknown model uses default", hi("my-finetune", ""), "from openai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Complete(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Text() != tt.want {
				t.Errorf("Complete text = %q, want %q", resp.Text(), tt.want)
			}

			ch, err := client.Stream(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			streamed, err := CollectStream(context.Background(), ch)
			if err != nil {
				t.Fatalf("CollectStream: %v", err)
			}
			if streamed.Text() != tt.want {
				t.Errorf("Stream text = %q, want %q", streamed.Text(), tt.want)
			}
		})
	}
}

func TestClientConfigurationErrors(t *testing.T) {
	choosy := &choosyAdapter{mockAdapter: *newMockAdapter("test", "ok")}
	tests := []struct {
		name   string
		client *Client
		req    Request
	}{
		{"no providers", NewClient(), hi("x", "")},
		{"unregistered provider", NewClient(WithProvider("a", newMockAdapter("a", "ok"))), hi("x", "b")},
		{"ambiguous default", NewClient(WithProvider("a", newMockAdapter("a", "")), WithProvider("b", newMockAdapter("b", ""))), hi("x", "")},
		{"unsupported tool choice", NewClient(WithProvider("test", choosy)), Request{
			Messages:   []Message{UserMessage("Hi")},
			ToolChoice: &ToolChoice{Mode: "named", ToolName: "glob"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.client.Stream(context.Background(), tt.req)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
			}
			if IsRetryable(err) {
				t.Error("configuration errors must not be retried")
			}
		})
	}
}

type choosyAdapter struct{ mockAdapter }

func (c *choosyAdapter) SupportsToolChoice(mode string) bool { return mode == "auto" }

func TestClientDefaultProvider(t *testing.T) {
	single := NewClient(WithProvider("only", newMockAdapter("only", "only")))
	if resp, err := single.Complete(context.Background(), hi("x", "")); err != nil || resp.Text() != "only" {
		t.Errorf("single provider: resp=%v err=%v", resp, err)
	}

	dynamic := NewClient()
	dynamic.RegisterProvider("late", newMockAdapter("late", "late"))
	dynamic.RegisterProvider("later", newMockAdapter("later", "later"))
	if resp, err := dynamic.Complete(context.Background(), hi("x", "")); err != nil || resp.Text() != "late" {
		t.Errorf("first registered should be the default: resp=%v err=%v", resp, err)
	}
	if got := dynamic.Providers(); !slices.Equal(got, []string{"late", "later"}) {
		t.Errorf("Providers() = %v", got)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var trace []string
	record := func(name string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			trace = append(trace, name+">")
			resp, err := next(ctx, req)
			trace = append(trace, "<"+name)
			return resp, err
		}
	}
	streamRecord := func(name string) StreamMiddleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
			trace = append(trace, name+">")
			if req.Provider != "test" {
				t.Errorf("%s saw provider %q, want it filled in", name, req.Provider)
			}
			ch, err := next(ctx, req)
			trace = append(trace, "<"+name)
			return ch, err
		}
	}
	client := NewClient(
		WithProvider("test", newMockAdapter("test", "ok")),
		WithMiddleware(record("a"), record("b")),
		WithStreamMiddleware(streamRecord("s1"), streamRecord("s2")),
	)

	if _, err := client.Complete(context.Background(), hi("x", "")); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Stream(context.Background(), hi("x", "")); err != nil {
		t.Fatal(err)
	}
	want := []string{"a>", "b>", "<b", "<a", "s1>", "s2>", "<s2", "<s1"}
	if !slices.Equal(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

// flakyAdapter fails to open the first n streams.
type flakyAdapter struct {
	mockAdapter
	failures int
	opens    int
}

func (f *flakyAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	f.opens++
	if f.opens <= f.failures {
		return nil, NewStatusError("test", 503, "overloaded", 0)
	}
	return f.mockAdapter.Stream(ctx, req)
}

func TestClientStreamRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	t.Run("transient open failures", func(t *testing.T) {
		flaky := &flakyAdapter{mockAdapter: *newMockAdapter("test", "ok"), failures: 2}
		client := NewClient(WithProvider("test", flaky), WithRetryPolicy(policy))
		ch, err := client.Stream(context.Background(), hi("x", ""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp, err := CollectStream(context.Background(), ch); err != nil || resp.Text() != "ok" {
			t.Fatalf("resp=%v err=%v", resp, err)
		}
		if flaky.opens != 3 {
			t.Errorf("opens = %d, want 3", flaky.opens)
		}
	})

	t.Run("authentication is final", func(t *testing.T) {
		mock := newMockAdapter("test", "")
		mock.err = NewStatusError("test", 401, "bad key", 0)
		client := NewClient(WithProvider("test", mock), WithRetryPolicy(policy))
		_, err := client.Stream(context.Background(), hi("x", ""))
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthenticationError, got %T", err)
		}
	})

	t.Run("zero policy opens once", func(t *testing.T) {
		flaky := &flakyAdapter{mockAdapter: *newMockAdapter("test", "ok"), failures: 1}
		client := NewClient(WithProvider("test", flaky))
		if _, err := client.Stream(context.Background(), hi("x", "")); err == nil {
			t.Fatal("expected the open failure")
		}
		if flaky.opens != 1 {
			t.Errorf("opens = %d, want 1", flaky.opens)
		}
	})
}

func TestClientClose(t *testing.T) {
	a := newMockAdapter("a", "")
	b := newMockAdapter("b", "")
	b.closeErr = errors.New("b failed")
	client := NewClient(WithProvider("a", a), WithProvider("b", b))

	err := client.Close()
	if !errors.Is(err, b.closeErr) {
		t.Errorf("Close() = %v, want it to carry b's error", err)
	}
	if !a.closed || !b.closed {
		t.Error("every adapter should be closed")
	}
}

func TestCollectStream(t *testing.T) {
	feed := func(events ...StreamEvent) <-chan StreamEvent {
		ch := make(chan StreamEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch
	}

	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: MessageStart},
		StreamEvent{Type: MessageStop, Response: &Response{ID: "r1"}},
	))
	if err != nil || resp.ID != "r1" {
		t.Errorf("resp=%v err=%v", resp, err)
	}

	var streamErr *StreamErrorType
	if _, err := CollectStream(context.Background(), feed(StreamEvent{Type: MessageStart})); !errors.As(err, &streamErr) {
		t.Errorf("early close: got %T", err)
	}
	if _, err := CollectStream(context.Background(), feed(StreamEvent{Type: MessageStop})); !errors.As(err, &streamErr) {
		t.Errorf("stop without message: got %T", err)
	}

	var netErr *NetworkError
	reset := &NetworkError{SDKError{Message: "reset"}}
	if _, err := CollectStream(context.Background(), feed(StreamEvent{Type: StreamError, Error: reset})); !errors.As(err, &netErr) {
		t.Errorf("error event: got %T", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var abortErr *AbortError
	if _, err := CollectStream(ctx, make(chan StreamEvent)); !errors.As(err, &abortErr) {
		t.Errorf("cancelled: got %T", err)
	}
}

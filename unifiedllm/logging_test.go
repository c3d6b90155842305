package unifiedllm

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggingStreamMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	resp := newMockAdapter("test", "hi").response
	mock := &mockAdapter{name: "test", events: []StreamEvent{
		{Type: MessageStart},
		{Type: MessageStop, Response: resp},
	}}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(LoggingStreamMiddleware(logger)))

	ch, err := client.Stream(context.Background(), Request{Model: "test-model", Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := CollectStream(context.Background(), ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != resp {
		t.Error("expected the response to be relayed unchanged")
	}

	out := buf.String()
	for _, want := range []string{`"message":"stream opened"`, `"message":"stream complete"`, `"output_tokens":20`, `"provider":"test"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %s, got:\n%s", want, out)
		}
	}
}

func TestLoggingStreamMiddlewareOpenFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	mock := &mockAdapter{name: "test", err: &NetworkError{SDKError: SDKError{Message: "dial failed"}}}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(LoggingStreamMiddleware(logger)))

	if _, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}}); err == nil {
		t.Fatal("expected open error")
	}
	if !strings.Contains(buf.String(), "stream open failed") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

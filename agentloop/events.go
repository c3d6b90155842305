package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/termloop/unifiedllm"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	// EventStream relays one model stream event unmodified.
	EventStream             EventKind = "stream"
	EventToolExecutionStart EventKind = "tool_execution_start"
	EventToolExecutionEnd   EventKind = "tool_execution_end"
	EventDone               EventKind = "done"
	EventTurnLimit          EventKind = "turn_limit"
	EventWarning            EventKind = "warning"
)

// AgentEvent is one element of the sequence produced by RunTurn.
type AgentEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Round     int       `json:"round"`

	// Set for EventStream.
	Stream *unifiedllm.StreamEvent `json:"stream,omitempty"`

	// Set for tool execution events. Result is the full, untruncated
	// output on EventToolExecutionEnd.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`

	// Set for EventWarning and EventTurnLimit.
	Message string `json:"message,omitempty"`
}

// EventEmitter delivers agent events to the host application via a channel.
// Emit blocks while the buffer is full, so a slow reader slows the turn
// rather than losing events.
type EventEmitter struct {
	ch        chan AgentEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		ch:   make(chan AgentEvent, bufferSize),
		done: make(chan struct{}),
	}
}

// Emit sends an event, waiting for buffer space. It returns ctx.Err() if ctx
// ends first and ErrSessionClosed once the emitter is closed.
func (e *EventEmitter) Emit(ctx context.Context, event AgentEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	select {
	case <-e.done:
		return ErrSessionClosed
	default:
	}
	select {
	case e.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrSessionClosed
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan AgentEvent {
	return e.ch
}

// Close closes the event channel after releasing any blocked Emit calls.
// Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		defer e.mu.Unlock()
		close(e.ch)
	})
}

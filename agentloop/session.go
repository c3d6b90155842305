package agentloop

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/martinemde/termloop/unifiedllm"
)

// cancelledToolResult is recorded for invocations that never ran because
// the turn was abandoned or cancelled.
const cancelledToolResult = "Error: tool execution was cancelled"

// ModelService opens a streaming model call. *unifiedllm.Client
// implements it.
type ModelService interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	MaxToolRounds       int            `json:"max_tool_rounds"` // 0 = unlimited
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
	UserInstructions    string         `json:"user_instructions,omitempty"` // appended last to system prompt
	MaxTokens           int            `json:"max_tokens,omitempty"`
	EventBuffer         int            `json:"event_buffer,omitempty"`

	// Retry governs re-opening a stream that failed to open. Failures after
	// the first event are never retried.
	Retry unifiedllm.RetryPolicy `json:"-"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxToolRounds:       0,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
		EventBuffer:         256,
		Retry:               unifiedllm.DefaultRetryPolicy(),
	}
}

// Session owns one conversation transcript and drives turns against a
// model. Only one turn runs at a time.
type Session struct {
	id           string
	profile      ProviderProfile
	env          ExecutionEnvironment
	model        ModelService
	registry     *ToolRegistry
	todos        *TodoStore
	config       SessionConfig
	logger       zerolog.Logger
	emitter      *EventEmitter
	systemPrompt string

	mu      sync.Mutex
	history []Turn
	running bool
	closed  bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithTodoStore shares a todo store with the session's tools.
func WithTodoStore(todos *TodoStore) SessionOption {
	return func(s *Session) { s.todos = todos }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// NewSession creates a session. A nil registry advertises no tools and a
// nil config selects DefaultSessionConfig. The system prompt is rendered
// once here and stays fixed for the session.
func NewSession(profile ProviderProfile, env ExecutionEnvironment, model ModelService, registry *ToolRegistry, config *SessionConfig, opts ...SessionOption) *Session {
	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = 10
	}
	if registry == nil {
		registry, _ = NewToolRegistry()
	}
	if len(cfg.ToolOutputLimits) > 0 || len(cfg.ToolLineLimits) > 0 {
		registry = registry.WithOutputLimits(cfg.ToolOutputLimits, cfg.ToolLineLimits)
	}

	s := &Session{
		id:       uuid.New().String(),
		profile:  profile,
		env:      env,
		model:    model,
		registry: registry,
		todos:    NewTodoStore(),
		config:   cfg,
		logger:   zerolog.Nop(),
		emitter:  NewEventEmitter(cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()

	projectDocs := DiscoverProjectDocs(env.WorkingDirectory(), profile.ID())
	s.systemPrompt = profile.BuildSystemPrompt(env, registry.Definitions(), projectDocs)
	if cfg.UserInstructions != "" {
		s.systemPrompt += "\n\n# User Instructions\n\n" + cfg.UserInstructions
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SystemPrompt returns the fixed system instruction sent with every call.
func (s *Session) SystemPrompt() string { return s.systemPrompt }

// Todos returns the session's todo store.
func (s *Session) Todos() *TodoStore { return s.todos }

// History returns a deep copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Turn, len(s.history))
	for i, t := range s.history {
		h[i] = t.Clone()
	}
	return h
}

// SetHistory replaces the transcript, e.g. with one loaded from a
// TranscriptStore. It fails while a turn is running.
func (s *Session) SetHistory(turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrTurnInProgress
	}
	s.history = make([]Turn, len(turns))
	for i, t := range turns {
		s.history[i] = t.Clone()
	}
	return nil
}

// Events returns the channel fed by Submit.
func (s *Session) Events() <-chan AgentEvent {
	return s.emitter.Events()
}

// Close marks the session closed and closes the Events channel.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.emitter.Close()
}

// Submit runs a turn to completion, forwarding its events to Events. It
// waits for the reader when the buffer is full. If ctx ends or the session
// closes while it waits, the turn is abandoned and that error returned.
func (s *Session) Submit(ctx context.Context, userInput string) error {
	for ev, err := range s.RunTurn(ctx, userInput) {
		if err != nil {
			return err
		}
		if err := s.emitter.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// RunTurn appends userText to the transcript and returns the turn's events
// as a lazy sequence. Nothing happens until the sequence is iterated, and
// it can be iterated only once. Breaking out of the loop cancels the turn;
// invocations that had not run are recorded as cancelled so the transcript
// stays well-formed.
//
// A non-nil error is always the last element. It is ErrTurnConsumed,
// ErrTurnInProgress, ErrSessionClosed, or a *TurnError for transport
// failures and cancellation.
func (s *Session) RunTurn(ctx context.Context, userText string) iter.Seq2[AgentEvent, error] {
	var consumed atomic.Bool
	return func(yield func(AgentEvent, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(AgentEvent{}, ErrTurnConsumed)
			return
		}
		if err := s.begin(); err != nil {
			yield(AgentEvent{}, err)
			return
		}
		defer s.end()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		t := &turnRun{s: s, ctx: ctx, yield: yield}
		t.run(userText)
	}
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.running {
		return ErrTurnInProgress
	}
	s.running = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.mu.Unlock()
}

// updateInvocation mutates an invocation that lives in the history.
func (s *Session) updateInvocation(inv *ToolInvocation, state ToolState, result string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.Advance(state) && state.Terminal() {
		inv.Result = result
		inv.IsError = isError
	}
}

func (s *Session) buildRequest() unifiedllm.Request {
	s.mu.Lock()
	messages := ConvertHistoryToMessages(s.history)
	s.mu.Unlock()

	req := unifiedllm.Request{
		Model:    s.profile.ModelID(),
		Provider: s.profile.ID(),
		Messages: append([]unifiedllm.Message{unifiedllm.SystemMessage(s.systemPrompt)}, messages...),
		ToolDefs: s.registry.UnifiedDefinitions(),
	}
	if s.registry.Len() > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	if s.config.MaxTokens > 0 {
		maxTokens := s.config.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req
}

// turnRun is the state of one RunTurn iteration. Once stopped is set the
// consumer has gone away and yield must not be called again.
type turnRun struct {
	s       *Session
	ctx     context.Context
	yield   func(AgentEvent, error) bool
	round   int
	stopped bool
}

func (t *turnRun) emit(ev AgentEvent) bool {
	if t.stopped {
		return false
	}
	ev.Timestamp = time.Now()
	ev.SessionID = t.s.id
	ev.Round = t.round
	if !t.yield(ev, nil) {
		t.stopped = true
	}
	return !t.stopped
}

func (t *turnRun) fail(err error) {
	t.s.logger.Warn().Err(err).Int("round", t.round).Msg("turn failed")
	if t.stopped {
		return
	}
	t.stopped = true
	t.yield(AgentEvent{}, &TurnError{Round: t.round, Err: err})
}

func (t *turnRun) run(userText string) {
	s := t.s
	s.appendTurn(NewUserTurn(userText))
	toolRounds := 0

	for t.round = 1; ; t.round++ {
		resp, ok := t.streamRound()
		if !ok {
			return
		}

		assistant := AssistantTurnFromResponse(resp)
		s.appendTurn(NewAssistantTurn(assistant))
		t.checkContextUsage()

		invocations := assistant.Invocations()
		s.logger.Debug().
			Int("round", t.round).
			Int("tool_calls", len(invocations)).
			Str("finish", assistant.FinishReason).
			Msg("model response")
		if len(invocations) == 0 {
			t.emit(AgentEvent{Kind: EventDone})
			return
		}

		results := t.executeTools(invocations)
		s.appendTurn(NewToolResultsTurn(results))
		if t.stopped {
			return
		}
		if err := t.ctx.Err(); err != nil {
			t.fail(err)
			return
		}

		if s.config.EnableLoopDetection && DetectLoop(s.History(), s.config.LoopDetectionWindow) {
			msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", s.config.LoopDetectionWindow)
			s.logger.Warn().Int("round", t.round).Msg("tool call loop detected")
			if !t.emit(AgentEvent{Kind: EventWarning, Message: msg}) {
				return
			}
		}

		toolRounds++
		if s.config.MaxToolRounds > 0 && toolRounds >= s.config.MaxToolRounds {
			msg := fmt.Sprintf("Stopped after %d tool rounds.", toolRounds)
			s.logger.Info().Int("round", t.round).Msg("tool round limit reached")
			if t.emit(AgentEvent{Kind: EventTurnLimit, Message: msg}) {
				t.emit(AgentEvent{Kind: EventDone})
			}
			return
		}
	}
}

// streamRound opens one model stream and relays its events until the final
// message arrives.
func (t *turnRun) streamRound() (*unifiedllm.Response, bool) {
	s := t.s
	req := s.buildRequest()
	start := time.Now()

	ch, err := unifiedllm.Retry(t.ctx, s.config.Retry, func(ctx context.Context) (<-chan unifiedllm.StreamEvent, error) {
		return s.model.Stream(ctx, req)
	})
	if err != nil {
		t.fail(fmt.Errorf("open model stream: %w", err))
		return nil, false
	}

	for {
		select {
		case <-t.ctx.Done():
			t.fail(t.ctx.Err())
			return nil, false
		case ev, ok := <-ch:
			if !ok {
				t.fail(&unifiedllm.StreamErrorType{SDKError: unifiedllm.SDKError{Message: "stream ended before message_stop"}})
				return nil, false
			}
			if !t.emit(AgentEvent{Kind: EventStream, Stream: &ev}) {
				return nil, false
			}
			switch ev.Type {
			case unifiedllm.StreamError:
				t.fail(ev.Error)
				return nil, false
			case unifiedllm.MessageStop:
				if ev.Response == nil {
					t.fail(&unifiedllm.StreamErrorType{SDKError: unifiedllm.SDKError{Message: "message_stop without a final message"}})
					return nil, false
				}
				s.logger.Debug().
					Int("round", t.round).
					Int("output_tokens", ev.Response.Usage.OutputTokens).
					Dur("duration", time.Since(start)).
					Msg("model stream complete")
				return ev.Response, true
			case unifiedllm.MessageStart, unifiedllm.ContentBlockStart, unifiedllm.ContentBlockDelta, unifiedllm.ContentBlockStop:
			}
		}
	}
}

// executeTools runs invocations one at a time in emission order and
// returns one result per invocation, in the same order.
func (t *turnRun) executeTools(invocations []*ToolInvocation) []ToolResult {
	s := t.s
	results := make([]ToolResult, 0, len(invocations))
	tc := ToolContext{Env: s.env, Todos: s.todos}

	for i, inv := range invocations {
		if t.stopped || t.ctx.Err() != nil {
			return append(results, t.cancelRemaining(invocations[i:])...)
		}

		s.updateInvocation(inv, ToolExecuting, "", false)
		if !t.emit(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: inv.ID, ToolName: inv.Name, Input: inv.Input}) {
			return append(results, t.cancelRemaining(invocations[i:])...)
		}

		res := s.registry.Execute(t.ctx, tc, unifiedllm.ToolCallData{ID: inv.ID, Name: inv.Name, Arguments: inv.Input})
		state := ToolCompleted
		if res.IsError {
			state = ToolFailed
		}
		s.updateInvocation(inv, state, res.Output, res.IsError)
		results = append(results, ToolResult{ToolCallID: inv.ID, Name: inv.Name, Content: res.Output, IsError: res.IsError})

		s.logger.Debug().
			Int("round", t.round).
			Str("tool", inv.Name).
			Str("call_id", inv.ID).
			Bool("is_error", res.IsError).
			Dur("duration", res.Duration).
			Msg("tool executed")

		if !t.emit(AgentEvent{
			Kind:       EventToolExecutionEnd,
			ToolCallID: inv.ID,
			ToolName:   inv.Name,
			Result:     res.FullOutput,
			IsError:    res.IsError,
			Duration:   res.Duration,
		}) {
			return append(results, t.cancelRemaining(invocations[i+1:])...)
		}
	}
	return results
}

func (t *turnRun) cancelRemaining(invocations []*ToolInvocation) []ToolResult {
	results := make([]ToolResult, len(invocations))
	for i, inv := range invocations {
		t.s.updateInvocation(inv, ToolFailed, cancelledToolResult, true)
		results[i] = ToolResult{ToolCallID: inv.ID, Name: inv.Name, Content: cancelledToolResult, IsError: true}
	}
	return results
}

// checkContextUsage warns when the transcript approaches the profile's
// context window, estimating four characters per token.
func (t *turnRun) checkContextUsage() {
	s := t.s
	window := s.profile.ContextWindowSize()
	if window <= 0 {
		return
	}
	s.mu.Lock()
	chars := len(s.systemPrompt)
	for _, turn := range s.history {
		chars += len(turn.TextContent())
	}
	s.mu.Unlock()

	approxTokens := chars / 4
	if approxTokens > window*8/10 {
		t.emit(AgentEvent{
			Kind:    EventWarning,
			Message: fmt.Sprintf("Context usage at ~%d%% of context window", approxTokens*100/window),
		})
	}
}

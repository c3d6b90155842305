package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm exposes text streaming only, so tool calls are requested as a JSON
// array in the reply and parsed out once the text is complete.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := ResolveModelID(cfg.model)
	if model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Client owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text arrives in block 0; parsed tool
// calls are replayed as blocks 1..n just before message_stop.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			st := &gollmStream{}
			events := append(st.start(), st.push(text)...)
			events = append(events, st.finish(a.buildResponse(req, text))...)
			for _, ev := range events {
				if !send(ctx, ch, ev) {
					return
				}
			}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		st := &gollmStream{}
		emit := func(events []StreamEvent) bool {
			for _, ev := range events {
				if !send(ctx, ch, ev) {
					return false
				}
			}
			return true
		}
		if !emit(st.start()) {
			return
		}

		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			if !emit(st.push(token.Text)) {
				return
			}
		}

		emit(st.finish(a.buildResponse(req, st.full.String())))
	}()

	return ch, nil
}

// toolCallMarkers start the JSON that parseToolCalls recognizes.
var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// gollmStream turns raw text tokens into block events. Text that might be
// the start of a tool-call array is held back so it never reaches the
// display as prose.
type gollmStream struct {
	full    strings.Builder
	emitted int
	opened  bool
}

func (s *gollmStream) start() []StreamEvent {
	return []StreamEvent{{Type: MessageStart}}
}

func (s *gollmStream) push(text string) []StreamEvent {
	s.full.WriteString(text)
	visible := s.full.String()
	safe := len(visible)
	if idx := markerIndex(visible); idx >= 0 {
		safe = idx
	} else {
		for _, m := range toolCallMarkers {
			// Hold back a suffix that could still grow into a marker.
			for n := len(m) - 1; n > 0; n-- {
				if strings.HasSuffix(visible, m[:n]) && len(visible)-n < safe {
					safe = len(visible) - n
					break
				}
			}
		}
	}
	return s.emitText(visible, safe)
}

func (s *gollmStream) finish(resp *Response) []StreamEvent {
	var events []StreamEvent
	final := resp.Text()
	if len(resp.ToolCalls()) == 0 {
		final = s.full.String()
	}
	if len(final) > s.emitted && strings.HasPrefix(final, s.full.String()[:s.emitted]) {
		events = append(events, s.emitText(final, len(final))...)
	}
	if s.opened {
		events = append(events, StreamEvent{Type: ContentBlockStop, Index: 0})
	}
	for i, call := range resp.ToolCalls() {
		idx := i + 1
		events = append(events,
			StreamEvent{Type: ContentBlockStart, Index: idx, Block: &StreamBlock{Kind: BlockToolUse, ToolCallID: call.ID, ToolName: call.Name}},
			StreamEvent{Type: ContentBlockDelta, Index: idx, Delta: &StreamDelta{PartialJSON: string(call.Arguments)}},
			StreamEvent{Type: ContentBlockStop, Index: idx},
		)
	}
	return append(events, StreamEvent{Type: MessageStop, Response: resp})
}

func (s *gollmStream) emitText(visible string, upto int) []StreamEvent {
	if upto <= s.emitted {
		return nil
	}
	var events []StreamEvent
	if !s.opened {
		s.opened = true
		events = append(events, StreamEvent{Type: ContentBlockStart, Index: 0, Block: &StreamBlock{Kind: BlockText}})
	}
	events = append(events, StreamEvent{Type: ContentBlockDelta, Index: 0, Delta: &StreamDelta{Text: visible[s.emitted:upto]}})
	s.emitted = upto
	return events
}

func markerIndex(text string) int {
	best := -1
	for _, m := range toolCallMarkers {
		if idx := strings.Index(text, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider == "openai"
	default:
		return false
	}
}

const gollmToolProtocol = `To call tools, end your reply with a JSON array and nothing after it:
[{"name": "<tool name>", "arguments": {<arguments matching the tool schema>}}]
Tool results are returned to you prefixed with [Tool Result] or [Tool Error].`

// translateRequest converts a unified Request into a gollm Prompt. The
// conversation is flattened to text because gollm prompts are single-turn.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	systemPrompt := req.System()
	var userParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
		case RoleUser:
			userParts = append(userParts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				userParts = append(userParts, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error]"
				}
				userParts = append(userParts, prefix+": "+part.ToolResult.Content)
			}
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(req.ToolDefs) > 0 {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + gollmToolProtocol)
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		if req.ToolChoice != nil {
			promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
		}
	}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(systemPrompt, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", ResolveModelID(req.Model))
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var contentParts []ContentPart
	toolCalls := parseToolCalls(text)
	if cleaned := removeToolCallJSON(text, toolCalls); cleaned != "" {
		contentParts = append(contentParts, TextPart(cleaned))
	}
	for _, tc := range toolCalls {
		contentParts = append(contentParts, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm doesn't expose usage; estimate from text length.
	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: contentParts},
		FinishReason: finishReason,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// parseToolCalls extracts tool calls from the response text. Two shapes are
// accepted: a bare array of {name, arguments} objects, or an object with a
// tool_calls array of the same.
func parseToolCalls(text string) []ToolCallData {
	start := markerIndex(text)
	if start == -1 {
		return nil
	}

	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var rawCalls []rawCall

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if strings.HasPrefix(text[start:], "[") {
		if err := dec.Decode(&rawCalls); err != nil {
			return nil
		}
	} else {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := dec.Decode(&wrapped); err != nil {
			return nil
		}
		rawCalls = wrapped.ToolCalls
	}

	calls := make([]ToolCallData, 0, len(rawCalls))
	for _, rc := range rawCalls {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// removeToolCallJSON strips the parsed tool call JSON from the text.
func removeToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return text
	}
	if idx := markerIndex(text); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	// gollm flattens provider errors to strings; classify on content.
	msgLower := strings.ToLower(msg)
	base := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid key") || strings.Contains(msgLower, "invalid api key"):
		base.StatusCode = 401
		return &AuthenticationError{ProviderError: base}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		base.StatusCode = 403
		return &AccessDeniedError{ProviderError: base}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		base.StatusCode = 404
		return &NotFoundError{ProviderError: base}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		base.StatusCode, base.Retryable = 429, true
		return &RateLimitError{ProviderError: base}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		base.StatusCode = 413
		return &ContextLengthError{ProviderError: base}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		base.StatusCode, base.Retryable = 500, true
		return &ServerError{ProviderError: base}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: base}
	default:
		base.Retryable = true
		return &base
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}

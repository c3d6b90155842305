package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicAdapter talks to the Anthropic Messages API through the official
// SDK. Its stream keeps the API's content block indexes as position keys.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL   string
	model     string
	maxTokens int
	extraOpts []option.RequestOption
}

// WithAnthropicBaseURL points the adapter at a different API endpoint.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) {
		c.baseURL = url
	}
}

// WithAnthropicModel sets the model used when a request names none.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *anthropicConfig) {
		c.model = model
	}
}

// WithAnthropicMaxTokens sets the default output token limit.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(c *anthropicConfig) {
		c.maxTokens = n
	}
}

// WithAnthropicRequestOptions passes extra options to the SDK client.
func WithAnthropicRequestOptions(opts ...option.RequestOption) AnthropicOption {
	return func(c *anthropicConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewAnthropicAdapter creates an adapter authenticated with apiKey.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	cfg := &anthropicConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		if info := GetLatestModel("anthropic", "tools"); info != nil {
			cfg.model = info.ID
		}
	}

	// Retries are handled by Client.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.baseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSpace(cfg.baseURL)))
	}
	reqOpts = append(reqOpts, cfg.extraOpts...)

	return &AnthropicAdapter{
		client:    anthropic.NewClient(reqOpts...),
		model:     cfg.model,
		maxTokens: cfg.maxTokens,
	}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// SupportsToolChoice reports whether the adapter supports a tool choice mode.
func (a *AnthropicAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	default:
		return false
	}
}

// Complete streams the request and returns its final message.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return CollectStream(ctx, ch)
}

// Stream opens a streaming request. The first event is read before Stream
// returns so that connection and HTTP errors surface as a returned error
// rather than a StreamError event.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.translateRequest(req)
	stream := a.client.Messages.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = &StreamErrorType{SDKError: SDKError{Message: "anthropic stream closed before any event"}}
		}
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		acc := newAnthropicAccumulator(params.Model)
		for {
			events, err := acc.handle(stream.Current())
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			for _, ev := range events {
				if !send(ctx, ch, ev) {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
		}
	}()

	return ch, nil
}

// anthropicBlock is the adapter's own view of one content block. Tool input
// is assembled here instead of trusting the SDK accumulator with partial JSON.
type anthropicBlock struct {
	kind  BlockKind
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

type anthropicAccumulator struct {
	msg    anthropic.Message
	model  anthropic.Model
	order  []int64
	blocks map[int64]*anthropicBlock
}

func newAnthropicAccumulator(model anthropic.Model) *anthropicAccumulator {
	return &anthropicAccumulator{model: model, blocks: make(map[int64]*anthropicBlock)}
}

// handle folds one SDK event into the accumulator and returns the stream
// events it produces. Block kinds other than text and tool use are dropped
// along with their deltas.
func (acc *anthropicAccumulator) handle(event anthropic.MessageStreamEventUnion) ([]StreamEvent, error) {
	if err := acc.msg.Accumulate(event); err != nil {
		return nil, err
	}

	switch v := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return []StreamEvent{{Type: MessageStart}}, nil

	case anthropic.ContentBlockStartEvent:
		idx := int(v.Index)
		switch v.ContentBlock.Type {
		case "text":
			b := &anthropicBlock{kind: BlockText}
			acc.add(v.Index, b)
			out := []StreamEvent{{Type: ContentBlockStart, Index: idx, Block: &StreamBlock{Kind: BlockText}}}
			if v.ContentBlock.Text != "" {
				b.text.WriteString(v.ContentBlock.Text)
				out = append(out, StreamEvent{Type: ContentBlockDelta, Index: idx, Delta: &StreamDelta{Text: v.ContentBlock.Text}})
			}
			return out, nil
		case "tool_use":
			b := &anthropicBlock{kind: BlockToolUse, id: v.ContentBlock.ID, name: v.ContentBlock.Name}
			acc.add(v.Index, b)
			return []StreamEvent{{
				Type:  ContentBlockStart,
				Index: idx,
				Block: &StreamBlock{Kind: BlockToolUse, ToolCallID: b.id, ToolName: b.name},
			}}, nil
		}
		return nil, nil

	case anthropic.ContentBlockDeltaEvent:
		b, ok := acc.blocks[v.Index]
		if !ok {
			return nil, nil
		}
		switch d := v.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text == "" {
				return nil, nil
			}
			b.text.WriteString(d.Text)
			return []StreamEvent{{Type: ContentBlockDelta, Index: int(v.Index), Delta: &StreamDelta{Text: d.Text}}}, nil
		case anthropic.InputJSONDelta:
			if d.PartialJSON == "" {
				return nil, nil
			}
			b.input.WriteString(d.PartialJSON)
			return []StreamEvent{{Type: ContentBlockDelta, Index: int(v.Index), Delta: &StreamDelta{PartialJSON: b.input.String()}}}, nil
		}
		return nil, nil

	case anthropic.ContentBlockStopEvent:
		if _, ok := acc.blocks[v.Index]; !ok {
			return nil, nil
		}
		return []StreamEvent{{Type: ContentBlockStop, Index: int(v.Index)}}, nil

	case anthropic.MessageStopEvent:
		return []StreamEvent{{Type: MessageStop, Response: acc.response()}}, nil
	}
	return nil, nil
}

func (acc *anthropicAccumulator) add(idx int64, b *anthropicBlock) {
	if _, exists := acc.blocks[idx]; !exists {
		acc.order = append(acc.order, idx)
	}
	acc.blocks[idx] = b
}

func (acc *anthropicAccumulator) response() *Response {
	var parts []ContentPart
	for _, idx := range acc.order {
		b := acc.blocks[idx]
		switch b.kind {
		case BlockText:
			if b.text.Len() > 0 {
				parts = append(parts, TextPart(b.text.String()))
			}
		case BlockToolUse:
			input := strings.TrimSpace(b.input.String())
			if input == "" {
				input = "{}"
			}
			parts = append(parts, ToolCallPart(b.id, b.name, json.RawMessage(input)))
		}
	}

	model := string(acc.msg.Model)
	if model == "" {
		model = string(acc.model)
	}
	usage := Usage{
		InputTokens:  int(acc.msg.Usage.InputTokens),
		OutputTokens: int(acc.msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if n := int(acc.msg.Usage.CacheReadInputTokens); n > 0 {
		usage.CacheReadTokens = &n
	}
	if n := int(acc.msg.Usage.CacheCreationInputTokens); n > 0 {
		usage.CacheWriteTokens = &n
	}

	return &Response{
		ID:           acc.msg.ID,
		Model:        model,
		Provider:     "anthropic",
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: mapAnthropicStopReason(acc.msg.StopReason),
		Usage:        usage,
	}
}

func mapAnthropicStopReason(reason anthropic.StopReason) FinishReason {
	raw := string(reason)
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return FinishReason{Reason: "stop", Raw: raw}
	case anthropic.StopReasonToolUse:
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case anthropic.StopReasonMaxTokens:
		return FinishReason{Reason: "length", Raw: raw}
	case "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateRequest converts a unified Request into SDK parameters.
func (a *AnthropicAdapter) translateRequest(req Request) anthropic.MessageNewParams {
	model := ResolveModelID(req.Model)
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = MaxOutputTokens(model, defaultAnthropicMaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  translateAnthropicMessages(req.Messages),
	}
	if system := req.System(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = translateAnthropicTools(req.ToolDefs)
		if req.ToolChoice != nil {
			params.ToolChoice = translateAnthropicToolChoice(*req.ToolChoice)
		}
	}
	return params
}

func translateAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: def.Parameters["properties"],
			Required:   schemaRequired(def.Parameters),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: schema,
		}})
	}
	return out
}

func schemaRequired(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func translateAnthropicToolChoice(tc ToolChoice) anthropic.ToolChoiceUnionParam {
	switch tc.Mode {
	case "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "named":
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.ToolName}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

// translateAnthropicMessages maps unified messages onto the Messages API.
// Tool results travel in user messages, and consecutive messages with the
// same role are merged because the API requires alternation.
func translateAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var (
			blocks    []anthropic.ContentBlockParamUnion
			assistant bool
		)
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			assistant = true
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentText:
					if strings.TrimSpace(part.Text) != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentToolCall:
					if part.ToolCall == nil {
						continue
					}
					input := part.ToolCall.Arguments
					if len(input) == 0 || !json.Valid(input) {
						input = json.RawMessage("{}")
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
				}
			}
		default:
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentText:
					if strings.TrimSpace(part.Text) != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentToolResult:
					if part.ToolResult == nil {
						continue
					}
					r := part.ToolResult
					blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if assistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		if assistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// translateError converts an SDK error into the unified error hierarchy.
func (a *AnthropicAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "anthropic request cancelled", Cause: err}}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var wait time.Duration
		if apiErr.Response != nil {
			if secs, perr := strconv.ParseFloat(apiErr.Response.Header.Get("retry-after"), 64); perr == nil && secs > 0 {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		return NewStatusError("anthropic", apiErr.StatusCode, apiErr.Error(), wait)
	}

	var sdkErr *StreamErrorType
	if errors.As(err, &sdkErr) {
		return err
	}
	return &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("anthropic: %v", err), Cause: err}}
}

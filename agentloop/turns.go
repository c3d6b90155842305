package agentloop

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/martinemde/termloop/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

// TurnToolResults is the synthetic user turn that carries the results of one
// tool round back to the model.
const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
)

// Turn is a single entry in the conversation history. Exactly one of the
// pointer fields is set, matching Kind.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// BlockKind discriminates assistant content blocks.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

// ContentBlock is one unit of assistant output. Exactly one of Text and
// ToolUse is set, matching Kind.
type ContentBlock struct {
	Kind    BlockKind       `json:"kind"`
	Text    *TextBlock      `json:"text,omitempty"`
	ToolUse *ToolInvocation `json:"tool_use,omitempty"`
}

// TextBlock is a run of assistant text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolState is the lifecycle position of a ToolInvocation.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolExecuting ToolState = "executing"
	ToolCompleted ToolState = "completed"
	ToolFailed    ToolState = "failed"
)

func (s ToolState) rank() int {
	switch s {
	case ToolExecuting:
		return 1
	case ToolCompleted, ToolFailed:
		return 2
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s ToolState) Terminal() bool { return s.rank() == 2 }

// ToolInvocation is a model-requested tool call and, once run, its outcome.
type ToolInvocation struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	State   ToolState       `json:"state"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Advance moves the invocation forward to next. Moves that would go
// backwards, or between the two terminal states, are refused.
func (inv *ToolInvocation) Advance(next ToolState) bool {
	if next.rank() <= inv.State.rank() {
		return false
	}
	inv.State = next
	return true
}

// AssistantTurn holds one model response as ordered content blocks.
type AssistantTurn struct {
	Blocks       []ContentBlock   `json:"blocks"`
	Usage        unifiedllm.Usage `json:"usage"`
	ResponseID   string           `json:"response_id,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

// Text returns the concatenated text blocks.
func (a *AssistantTurn) Text() string {
	var sb strings.Builder
	for _, b := range a.Blocks {
		switch b.Kind {
		case BlockText:
			sb.WriteString(b.Text.Text)
		case BlockToolUse:
		}
	}
	return sb.String()
}

// Invocations returns the tool invocations in emission order. The pointers
// refer to the turn's own blocks.
func (a *AssistantTurn) Invocations() []*ToolInvocation {
	var out []*ToolInvocation
	for _, b := range a.Blocks {
		switch b.Kind {
		case BlockToolUse:
			out = append(out, b.ToolUse)
		case BlockText:
		}
	}
	return out
}

// Clone returns a deep copy.
func (a *AssistantTurn) Clone() *AssistantTurn {
	if a == nil {
		return nil
	}
	c := *a
	c.Blocks = make([]ContentBlock, len(a.Blocks))
	for i, b := range a.Blocks {
		c.Blocks[i] = b.clone()
	}
	return &c
}

func (b ContentBlock) clone() ContentBlock {
	switch b.Kind {
	case BlockText:
		t := *b.Text
		return ContentBlock{Kind: BlockText, Text: &t}
	case BlockToolUse:
		inv := *b.ToolUse
		inv.Input = append(json.RawMessage(nil), b.ToolUse.Input...)
		return ContentBlock{Kind: BlockToolUse, ToolUse: &inv}
	}
	return b
}

// ToolResultsTurn holds the results of one tool round, in invocation order.
type ToolResultsTurn struct {
	Results []ToolResult `json:"results"`
}

// ToolResult is what the model sees for one invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(a *AssistantTurn) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: a,
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []ToolResult) Turn {
	return Turn{
		Kind:        TurnToolResults,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Results: results},
	}
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	c := t
	switch t.Kind {
	case TurnUser:
		u := *t.User
		c.User = &u
	case TurnAssistant:
		c.Assistant = t.Assistant.Clone()
	case TurnToolResults:
		r := ToolResultsTurn{Results: append([]ToolResult(nil), t.ToolResults.Results...)}
		c.ToolResults = &r
	}
	return c
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		return t.User.Content
	case TurnAssistant:
		return t.Assistant.Text()
	case TurnToolResults:
		parts := make([]string, len(t.ToolResults.Results))
		for i, r := range t.ToolResults.Results {
			parts[i] = r.Content
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// AssistantTurnFromResponse converts a final model message into an
// assistant turn with every invocation pending.
func AssistantTurnFromResponse(resp *unifiedllm.Response) *AssistantTurn {
	a := &AssistantTurn{
		Usage:        resp.Usage,
		ResponseID:   resp.ID,
		FinishReason: resp.FinishReason.Reason,
	}
	for _, part := range resp.Message.Content {
		switch part.Kind {
		case unifiedllm.ContentText:
			if part.Text == "" {
				continue
			}
			a.Blocks = append(a.Blocks, ContentBlock{Kind: BlockText, Text: &TextBlock{Text: part.Text}})
		case unifiedllm.ContentToolCall:
			if part.ToolCall == nil {
				continue
			}
			a.Blocks = append(a.Blocks, ContentBlock{Kind: BlockToolUse, ToolUse: &ToolInvocation{
				ID:    part.ToolCall.ID,
				Name:  part.ToolCall.Name,
				Input: part.ToolCall.Arguments,
				State: ToolPending,
			}})
		case unifiedllm.ContentToolResult:
		}
	}
	return a
}

// ConvertHistoryToMessages converts the turn-based history into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			messages = append(messages, unifiedllm.UserMessage(turn.User.Content))
		case TurnAssistant:
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			for _, b := range turn.Assistant.Blocks {
				switch b.Kind {
				case BlockText:
					msg.Content = append(msg.Content, unifiedllm.TextPart(b.Text.Text))
				case BlockToolUse:
					input := b.ToolUse.Input
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					msg.Content = append(msg.Content, unifiedllm.ToolCallPart(b.ToolUse.ID, b.ToolUse.Name, input))
				}
			}
			messages = append(messages, msg)
		case TurnToolResults:
			results := make([]unifiedllm.ToolResultData, len(turn.ToolResults.Results))
			for i, r := range turn.ToolResults.Results {
				results[i] = unifiedllm.ToolResultData{ToolCallID: r.ToolCallID, Content: r.Content, IsError: r.IsError}
			}
			messages = append(messages, unifiedllm.ToolResultsMessage(results...))
		}
	}
	return messages
}

package agentloop

import (
	"encoding/json"

	"github.com/martinemde/termloop/unifiedllm"
)

// StreamReducer rebuilds assistant turns from a RunTurn event sequence for
// live display. Blocks are addressed by the position key of their start
// event, so deltas for concurrently open blocks may arrive in any
// interleaving. Blocks are only ever appended or updated in place.
//
// A StreamReducer is not safe for concurrent use.
type StreamReducer struct {
	current *AssistantTurn

	// positions maps a position key to an index in current.Blocks. It is
	// scoped to one in-flight message.
	positions map[int]int

	// invocations indexes every invocation seen, by id, across turns.
	invocations map[string]*ToolInvocation

	turns   []*AssistantTurn
	dropped int
}

// NewStreamReducer returns an empty reducer.
func NewStreamReducer() *StreamReducer {
	return &StreamReducer{invocations: make(map[string]*ToolInvocation)}
}

// Apply folds ev into the reducer. On message_stop it returns the
// finalized turn and true. Tool execution events that arrive later keep
// updating that turn's invocations in place.
func (r *StreamReducer) Apply(ev AgentEvent) (*AssistantTurn, bool) {
	switch ev.Kind {
	case EventStream:
		if ev.Stream == nil {
			r.dropped++
			return nil, false
		}
		return r.applyStream(*ev.Stream)
	case EventToolExecutionStart:
		if inv, ok := r.invocations[ev.ToolCallID]; ok {
			inv.Advance(ToolExecuting)
		} else {
			r.dropped++
		}
	case EventToolExecutionEnd:
		inv, ok := r.invocations[ev.ToolCallID]
		if !ok {
			r.dropped++
			break
		}
		next := ToolCompleted
		if ev.IsError {
			next = ToolFailed
		}
		if inv.Advance(next) {
			inv.Result = ev.Result
			inv.IsError = ev.IsError
		}
	case EventDone, EventTurnLimit, EventWarning:
	}
	return nil, false
}

func (r *StreamReducer) applyStream(ev unifiedllm.StreamEvent) (*AssistantTurn, bool) {
	switch ev.Type {
	case unifiedllm.MessageStart:
		r.begin()
	case unifiedllm.ContentBlockStart:
		r.startBlock(ev)
	case unifiedllm.ContentBlockDelta:
		r.applyDelta(ev)
	case unifiedllm.MessageStop:
		return r.finish(ev.Response), true
	case unifiedllm.ContentBlockStop, unifiedllm.StreamError:
	}
	return nil, false
}

func (r *StreamReducer) begin() {
	r.current = &AssistantTurn{}
	r.positions = make(map[int]int)
}

func (r *StreamReducer) startBlock(ev unifiedllm.StreamEvent) {
	if r.current == nil {
		r.begin()
	}
	if _, taken := r.positions[ev.Index]; taken || ev.Block == nil {
		r.dropped++
		return
	}

	var block ContentBlock
	switch ev.Block.Kind {
	case unifiedllm.BlockText:
		block = ContentBlock{Kind: BlockText, Text: &TextBlock{}}
	case unifiedllm.BlockToolUse:
		inv := &ToolInvocation{ID: ev.Block.ToolCallID, Name: ev.Block.ToolName, State: ToolPending}
		block = ContentBlock{Kind: BlockToolUse, ToolUse: inv}
		if inv.ID != "" {
			r.invocations[inv.ID] = inv
		}
	default:
		r.dropped++
		return
	}
	r.positions[ev.Index] = len(r.current.Blocks)
	r.current.Blocks = append(r.current.Blocks, block)
}

func (r *StreamReducer) applyDelta(ev unifiedllm.StreamEvent) {
	idx, ok := r.positions[ev.Index]
	if !ok || ev.Delta == nil {
		r.dropped++
		return
	}
	block := r.current.Blocks[idx]
	switch block.Kind {
	case BlockText:
		block.Text.Text += ev.Delta.Text
	case BlockToolUse:
		// PartialJSON is the whole document so far. Keep the last one
		// that parses.
		if doc := ev.Delta.PartialJSON; doc != "" && json.Valid([]byte(doc)) {
			block.ToolUse.Input = json.RawMessage(doc)
		}
	}
}

// finish freezes the in-flight turn, discards its position keys and
// records it. The final message supplies metadata and, when no blocks were
// streamed, the content itself.
func (r *StreamReducer) finish(resp *unifiedllm.Response) *AssistantTurn {
	turn := r.current
	if turn == nil || (len(turn.Blocks) == 0 && resp != nil) {
		if resp != nil {
			turn = AssistantTurnFromResponse(resp)
			for _, inv := range turn.Invocations() {
				r.invocations[inv.ID] = inv
			}
		} else {
			turn = &AssistantTurn{}
		}
	}
	if resp != nil {
		turn.Usage = resp.Usage
		turn.ResponseID = resp.ID
		turn.FinishReason = resp.FinishReason.Reason
	}
	r.current = nil
	r.positions = nil
	r.turns = append(r.turns, turn)
	return turn
}

// Snapshot returns a deep copy of the in-flight turn, or nil between
// messages.
func (r *StreamReducer) Snapshot() *AssistantTurn {
	return r.current.Clone()
}

// Turns returns deep copies of the finalized turns in order.
func (r *StreamReducer) Turns() []*AssistantTurn {
	out := make([]*AssistantTurn, len(r.turns))
	for i, t := range r.turns {
		out[i] = t.Clone()
	}
	return out
}

// Dropped counts events that referred to unknown blocks or invocations.
func (r *StreamReducer) Dropped() int { return r.dropped }

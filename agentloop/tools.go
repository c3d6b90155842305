package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sourcegraph/conc/panics"

	"github.com/martinemde/termloop/unifiedllm"
)

// ToolExecutor runs one tool call. arguments has already been validated
// against the tool's schema. A returned *ToolError is an expected failure;
// any other error or a panic is contained by the registry.
type ToolExecutor func(ctx context.Context, tc ToolContext, arguments json.RawMessage) (string, error)

// ToolContext is the session-scoped state handed to every executor.
type ToolContext struct {
	Env   ExecutionEnvironment
	Todos *TodoStore
}

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

type compiledTool struct {
	RegisteredTool
	schema *jsonschema.Schema
}

// ToolExecResult is the outcome of one call. Output is what the model sees;
// FullOutput is the untruncated text for events and logs.
type ToolExecResult struct {
	ToolName   string
	CallID     string
	Output     string
	FullOutput string
	IsError    bool
	Duration   time.Duration
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

const maxToolNameLength = 64

// ToolRegistry is an immutable name to tool table. Build it once with
// NewToolRegistry and share it; nothing mutates it afterwards.
type ToolRegistry struct {
	order      []string
	tools      map[string]*compiledTool
	charLimits map[string]int
	lineLimits map[string]int
}

// NewToolRegistry validates and compiles tools. Names must be unique and
// well-formed, every tool needs an executor, and every schema must compile.
func NewToolRegistry(tools ...RegisteredTool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]*compiledTool, len(tools))}
	for _, t := range tools {
		name := t.Definition.Name
		if len(name) > maxToolNameLength || !toolNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid tool name %q", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		if t.Executor == nil {
			return nil, fmt.Errorf("tool %s: missing executor", name)
		}
		schema, err := compileSchema(t.Definition.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: schema: %w", name, err)
		}
		r.tools[name] = &compiledTool{RegisteredTool: t, schema: schema}
		r.order = append(r.order, name)
	}
	return r, nil
}

// WithOutputLimits returns a copy of r whose per-tool character and line
// limits are overridden by the given maps.
func (r *ToolRegistry) WithOutputLimits(chars, lines map[string]int) *ToolRegistry {
	c := *r
	c.charLimits = mergeLimits(r.charLimits, chars)
	c.lineLimits = mergeLimits(r.lineLimits, lines)
	return &c
}

func mergeLimits(base, overrides map[string]int) map[string]int {
	out := make(map[string]int, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (RegisteredTool, bool) {
	t, ok := r.tools[name]
	if !ok {
		return RegisteredTool{}, false
	}
	return t.RegisteredTool, true
}

// Definitions returns tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(r.order))
	for i, name := range r.order {
		defs[i] = r.tools[name].Definition
	}
	return defs
}

// UnifiedDefinitions returns the definitions in the form sent to the model.
func (r *ToolRegistry) UnifiedDefinitions() []unifiedllm.ToolDefinition {
	defs := make([]unifiedllm.ToolDefinition, len(r.order))
	for i, name := range r.order {
		d := r.tools[name].Definition
		defs[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return defs
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.order) }

// Execute dispatches call and always returns a result: unknown tools, bad
// arguments, executor errors and panics all come back flagged as errors.
func (r *ToolRegistry) Execute(ctx context.Context, tc ToolContext, call unifiedllm.ToolCallData) ToolExecResult {
	start := time.Now()
	full, isErr := r.run(ctx, tc, call)
	return ToolExecResult{
		ToolName:   call.Name,
		CallID:     call.ID,
		Output:     TruncateToolOutput(full, call.Name, r.charLimits, r.lineLimits),
		FullOutput: full,
		IsError:    isErr,
		Duration:   time.Since(start),
	}
}

func (r *ToolRegistry) run(ctx context.Context, tc ToolContext, call unifiedllm.ToolCallData) (string, bool) {
	t, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), true
	}

	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	var doc map[string]any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err), true
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := t.schema.Validate(doc); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err), true
	}

	var (
		out string
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { out, err = t.Executor(ctx, tc, args) })
	if rec := pc.Recovered(); rec != nil {
		return fmt.Sprintf("Error: tool %s failed unexpectedly: %v", call.Name, rec.Value), true
	}
	if err != nil {
		if strings.TrimSpace(out) != "" {
			return out, true
		}
		return errorResult(err), true
	}
	return out, false
}

// errorResult renders an executor error as a model-facing sentence.
func errorResult(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "Error:") {
		return msg
	}
	return "Error: " + msg
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// decodeArgs unmarshals validated tool arguments into T.
func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, userInputError("invalid arguments: %v", err)
	}
	return v, nil
}

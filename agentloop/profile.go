package agentloop

import (
	"fmt"
	"strings"
)

// ProviderProfile supplies the model identity and system prompt for a
// provider family. The tool set comes from the session's registry.
type ProviderProfile interface {
	// ID returns the provider identifier (e.g. "anthropic", "openai").
	ID() string

	ModelID() string

	// BuildSystemPrompt renders the fixed system instruction for a session.
	BuildSystemPrompt(env ExecutionEnvironment, tools []ToolDefinition, projectDocs string) string

	ContextWindowSize() int
}

// BaseProfile provides common profile fields.
type BaseProfile struct {
	providerID        string
	model             string
	contextWindowSize int
	basePrompt        string
}

func (p *BaseProfile) ID() string             { return p.providerID }
func (p *BaseProfile) ModelID() string        { return p.model }
func (p *BaseProfile) ContextWindowSize() int { return p.contextWindowSize }

// BuildSystemPrompt assembles base instructions, environment and git
// context, tool summaries and project docs, in that order.
func (p *BaseProfile) BuildSystemPrompt(env ExecutionEnvironment, tools []ToolDefinition, projectDocs string) string {
	var sb strings.Builder
	sb.WriteString(p.basePrompt)
	sb.WriteString("\n\n")
	repo := snapshotRepo(env.WorkingDirectory())
	sb.WriteString(environmentBlock(env, p.model, repo))
	sb.WriteString("\n\n")

	if gitCtx := gitBlock(repo); gitCtx != "" {
		sb.WriteString(gitCtx)
		sb.WriteString("\n\n")
	}

	if len(tools) > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, def := range tools {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
		}
	}

	if projectDocs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(projectDocs)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ProfileFor returns the profile matching provider. Providers other than
// anthropic are served through gollm and share the OpenAI-style prompt.
func ProfileFor(provider, model string) ProviderProfile {
	switch provider {
	case "anthropic":
		return NewAnthropicProfile(model)
	case "openai":
		return NewOpenAIProfile(model)
	default:
		p := NewOpenAIProfile(model)
		p.providerID = provider
		p.contextWindowSize = 128000
		return p
	}
}

// sharedToolGuidance is appended to every base prompt.
const sharedToolGuidance = `# Tool Usage Guidelines

- Use read_file to examine file contents before editing.
- Use edit_file for targeted modifications. old_string must match the file exactly, whitespace included, and must occur exactly once. If it occurs more than once, add surrounding lines until it is unique.
- Use write_file only for creating new files or replacing a file wholesale.
- Use shell for running commands, tests and builds. Commands are killed when they exceed their timeout.
- Use grep to search file contents and glob to find files by name. Both skip VCS, dependency and build directories; narrow the pattern or path when a limit is reported.
- Use list_directory to see what a directory contains.
- Use todo_write to plan and track multi-step work.

# Error Handling

- Tool failures come back as results starting with "Error:". Read them and adjust.
- If edit_file reports old_string was not found, re-read the file to get the current content.
- If edit_file reports a whitespace mismatch, copy the exact indentation from read_file output.
- If a command fails, inspect the output and exit code, then fix the cause.`

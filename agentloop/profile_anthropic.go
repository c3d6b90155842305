package agentloop

// AnthropicProfile targets Claude models through the native Anthropic
// adapter.
type AnthropicProfile struct {
	BaseProfile
}

// NewAnthropicProfile creates a profile for Anthropic models.
func NewAnthropicProfile(model string) *AnthropicProfile {
	return &AnthropicProfile{
		BaseProfile: BaseProfile{
			providerID:        "anthropic",
			model:             model,
			contextWindowSize: 200000,
			basePrompt:        anthropicBasePrompt + "\n\n" + sharedToolGuidance,
		},
	}
}

const anthropicBasePrompt = `You are a coding agent running in the user's terminal. You help with software engineering tasks by reading files, editing code, running commands, and iterating until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before changing it.
- Prefer editing existing files over creating new ones.
- Keep changes minimal and focused on what was asked.
- After making changes, verify them by reading the file back or running the relevant tests.
- Prefer short-running commands; pass timeout_seconds for slow builds or test suites.
- When the task is done, reply with a short summary and stop calling tools.`

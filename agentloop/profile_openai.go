package agentloop

// OpenAIProfile targets OpenAI models and the other providers reached
// through gollm.
type OpenAIProfile struct {
	BaseProfile
}

// NewOpenAIProfile creates a profile for OpenAI models.
func NewOpenAIProfile(model string) *OpenAIProfile {
	return &OpenAIProfile{
		BaseProfile: BaseProfile{
			providerID:        "openai",
			model:             model,
			contextWindowSize: 1047576,
			basePrompt:        openaiBasePrompt + "\n\n" + sharedToolGuidance,
		},
	}
}

const openaiBasePrompt = `You are an autonomous coding agent working in a local repository. You complete software engineering tasks by inspecting files, making precise edits, and running commands until the work is verified.

# Core Principles

- Gather context first: locate the relevant files with glob and grep, then read them.
- Make one focused edit at a time and re-read the file when an edit fails.
- Use write_file only for files that do not exist yet.
- Run the project's tests or build after changing code and fix what they report.
- Do not call tools once the task is complete; answer with a brief summary instead.`

package agent

// defaultSystemPrompt steers the model toward the execution tool. The
// wording matters in practice: without the explicit instruction to run
// arithmetic through the tool, most chat models answer from memory.
const defaultSystemPrompt = `You are an assistant with access to a stateful Python sandbox via the execute_python tool.

Rules:
- When the user asks for any calculation or asks you to run, execute, or test code, call execute_python immediately. Do not ask for confirmation and do not warn about possible errors first.
- Always use Python. Variables and imports persist across calls within one conversation.
- If code fails, the error output is valuable feedback; report it rather than retrying silently.
- After a tool call, summarize briefly. The execution output is shown to the user separately, so do not repeat it verbatim.`

// Config holds configuration for the agent loop.
type Config struct {
	// MaxToolTurns caps how many rounds of tool calls one chat exchange may
	// dispatch before the agent forces a closing reply. Zero or negative
	// means the default of 5.
	MaxToolTurns int

	// SystemPrompt is prepended when the caller's history carries no system
	// message. Empty means the built-in prompt.
	SystemPrompt string
}

// maxTurns returns the effective tool turn budget.
func (c Config) maxTurns() int {
	if c.MaxToolTurns <= 0 {
		return 5
	}
	return c.MaxToolTurns
}

// systemPrompt returns the effective system prompt.
func (c Config) systemPrompt() string {
	if c.SystemPrompt == "" {
		return defaultSystemPrompt
	}
	return c.SystemPrompt
}

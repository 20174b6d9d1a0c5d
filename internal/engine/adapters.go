package engine

// ClaudeAdapter invokes the Claude Code CLI in non-interactive (print)
// mode with the rendered prompt passed as the -p argument.
type ClaudeAdapter struct{}

func (ClaudeAdapter) Name() string { return "claude" }

func (ClaudeAdapter) BuildCommand(task Task) ([]string, []string, error) {
	return []string{"claude", "-p", task.Prompt, "--output-format", "json"}, nil, nil
}

// GeminiAdapter invokes the Gemini CLI non-interactively.
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string { return "gemini" }

func (GeminiAdapter) BuildCommand(task Task) ([]string, []string, error) {
	return []string{"gemini", "-p", task.Prompt}, nil, nil
}

// QwenAdapter invokes the Qwen Code CLI non-interactively.
type QwenAdapter struct{}

func (QwenAdapter) Name() string { return "qwen" }

func (QwenAdapter) BuildCommand(task Task) ([]string, []string, error) {
	return []string{"qwen", "-p", task.Prompt}, nil, nil
}

// KimiAdapter invokes the Kimi CLI non-interactively.
type KimiAdapter struct{}

func (KimiAdapter) Name() string { return "kimi" }

func (KimiAdapter) BuildCommand(task Task) ([]string, []string, error) {
	return []string{"kimi", "-p", task.Prompt}, nil, nil
}

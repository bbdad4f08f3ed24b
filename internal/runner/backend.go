// Package runner spawns coding-CLI subprocesses, feeds them a prompt,
// and translates their output streams into task events.
package runner

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/randalmurphal/overseer/internal/secrets"
)

// promptArgMax is the prompt length above which argv delivery is
// unsafe on Windows (cmd.exe line limit is 8191 chars).
const promptArgMax = 7500

// Backend describes how one coding CLI is spawned and parsed.
type Backend struct {
	// Name matches the task's agentType.
	Name string
	// Executable is looked up on PATH.
	Executable string
	// BaseArgs precede the model and prompt arguments.
	BaseArgs []string
	// ModelFlag is prepended to the model name when one is set.
	ModelFlag string
	// PromptOnStdin pipes the prompt instead of passing it in argv.
	PromptOnStdin bool
	// EnvVar receives the credential when unset in the environment.
	EnvVar string
	// SecretKey selects the credential from the secrets accessor.
	SecretKey string
	// NewParser constructs the stream parser for this backend.
	NewParser func() Parser
}

var backends = map[string]Backend{
	"claude-code": {
		Name:          "claude-code",
		Executable:    "claude",
		BaseArgs:      []string{"-p", "--output-format", "stream-json", "--verbose"},
		ModelFlag:     "--model",
		PromptOnStdin: true,
		EnvVar:        "ANTHROPIC_API_KEY",
		SecretKey:     secrets.KeyAIAPIKey,
		NewParser:     func() Parser { return &claudeParser{} },
	},
	"codex": {
		Name:       "codex",
		Executable: "codex",
		BaseArgs:   []string{"exec", "--json"},
		ModelFlag:  "-m",
		EnvVar:     "OPENAI_API_KEY",
		SecretKey:  secrets.KeyAIAPIKey,
		NewParser:  func() Parser { return &codexParser{} },
	},
	"copilot": {
		Name:       "copilot",
		Executable: "copilot",
		BaseArgs:   []string{"-p"},
		ModelFlag:  "--model",
		EnvVar:     "GH_TOKEN",
		SecretKey:  secrets.KeyGitHubToken,
		NewParser:  func() Parser { return &genericParser{} },
	},
	"gemini": {
		Name:       "gemini",
		Executable: "gemini",
		BaseArgs:   []string{"-p"},
		ModelFlag:  "-m",
		EnvVar:     "GEMINI_API_KEY",
		SecretKey:  secrets.KeyAIAPIKey,
		NewParser:  func() Parser { return &genericParser{} },
	},
	"openrouter": {
		Name:          "openrouter",
		Executable:    "opencode",
		BaseArgs:      []string{"run"},
		ModelFlag:     "--model",
		PromptOnStdin: true,
		EnvVar:        "OPENROUTER_API_KEY",
		SecretKey:     secrets.KeyAIAPIKey,
		NewParser:     func() Parser { return &genericParser{} },
	},
}

// DefaultBackend is used when a task carries no agent type.
const DefaultBackend = "claude-code"

// BackendFor resolves a backend by agent type, falling back to the
// default for an empty name.
func BackendFor(agentType string) (Backend, error) {
	if agentType == "" {
		agentType = DefaultBackend
	}
	b, ok := backends[agentType]
	if !ok {
		return Backend{}, fmt.Errorf("unknown agent type %q", agentType)
	}
	return b, nil
}

// SupportedBackends lists the configured agent types.
func SupportedBackends() []string {
	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	return out
}

// buildCommand assembles the exec.Cmd for a backend, deciding between
// argv and stdin delivery. Long prompts are forced onto stdin on
// Windows, where cmd-wrapper argument limits bite.
func buildCommand(b Backend, workDir, model, prompt string) (cmd *exec.Cmd, viaStdin bool) {
	args := append([]string{}, b.BaseArgs...)
	if model != "" && b.ModelFlag != "" {
		args = append(args, b.ModelFlag, model)
	}

	viaStdin = b.PromptOnStdin
	if !viaStdin && runtime.GOOS == "windows" && len(prompt) > promptArgMax {
		viaStdin = true
	}
	if !viaStdin {
		args = append(args, prompt)
	}

	cmd = exec.Command(b.Executable, args...)
	cmd.Dir = workDir
	return cmd, viaStdin
}

// injectCredential adds the backend's credential env var from the
// secrets accessor, but never overrides an ambient value.
func injectCredential(cmd *exec.Cmd, b Backend, sec secrets.Accessor) {
	if b.EnvVar == "" || os.Getenv(b.EnvVar) != "" {
		return
	}
	val := sec.Get(b.SecretKey)
	if val == "" {
		return
	}
	cmd.Env = append(os.Environ(), b.EnvVar+"="+val)
}

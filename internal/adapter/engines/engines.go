package engines

import (
	"context"
	"log/slog"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/port/cache"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

// availabilityTTL bounds how long a PATH probe result is trusted.
const availabilityTTL = 30 * time.Second

// definition binds an engine id to its CLI binary and argument shape.
type definition struct {
	meta engine.Metadata
	bin  string
	// args builds the argv tail for one invocation. The prompt itself goes
	// to stdin unless promptArg is set.
	args func(req engine.ExecRequest) []string
	// promptArg appends the prompt as the final argument instead of stdin.
	promptArg bool
}

// definitions lists the supported engines. New engines are added here, not
// discovered at runtime: the set of agent CLIs an installation supports is a
// deploy-time decision.
var definitions = []definition{
	{
		meta: engine.Metadata{
			ID:           "opencode",
			DisplayName:  "OpenCode",
			Kind:         engine.KindCLI,
			Capabilities: []string{"plan", "execute", "review"},
		},
		bin: "opencode",
		args: func(req engine.ExecRequest) []string {
			args := []string{"run"}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			return args
		},
	},
	{
		meta: engine.Metadata{
			ID:           "claude_code",
			DisplayName:  "Claude Code",
			Kind:         engine.KindCLI,
			Capabilities: []string{"plan", "execute", "review"},
		},
		bin: "claude",
		args: func(req engine.ExecRequest) []string {
			args := []string{"-p"}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			return args
		},
	},
	{
		meta: engine.Metadata{
			ID:           "codex",
			DisplayName:  "Codex CLI",
			Kind:         engine.KindCLI,
			Capabilities: []string{"execute", "review"},
		},
		bin: "codex",
		args: func(req engine.ExecRequest) []string {
			args := []string{"exec"}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			args = append(args, "-")
			return args
		},
	},
	{
		meta: engine.Metadata{
			ID:           "gemini",
			DisplayName:  "Gemini CLI",
			Kind:         engine.KindCLI,
			Capabilities: []string{"plan", "execute"},
		},
		bin: "gemini",
		args: func(req engine.ExecRequest) []string {
			var args []string
			if req.Model != "" {
				args = append(args, "-m", req.Model)
			}
			return args
		},
	},
	{
		meta: engine.Metadata{
			ID:           "aider",
			DisplayName:  "Aider",
			Kind:         engine.KindCLI,
			Capabilities: []string{"execute"},
		},
		bin: "aider",
		args: func(req engine.ExecRequest) []string {
			args := []string{"--yes", "--message"}
			if req.Model != "" {
				args = append([]string{"--model", req.Model}, args...)
			}
			return args
		},
		promptArg: true,
	},
	{
		meta: engine.Metadata{
			ID:           "cursor",
			DisplayName:  "Cursor Agent",
			Kind:         engine.KindCLI,
			Capabilities: []string{"execute"},
		},
		bin: "cursor-agent",
		args: func(req engine.ExecRequest) []string {
			args := []string{"--print"}
			if req.Model != "" {
				args = append(args, "--model", req.Model)
			}
			return args
		},
		promptArg: true,
	},
}

// CLIEngine implements engine.Engine over the shared subprocess runner.
type CLIEngine struct {
	def    definition
	runner *Runner
	cache  cache.Cache
}

// NewCLIEngine builds an engine from its definition. The cache, when
// non-nil, memoizes availability probes.
func NewCLIEngine(def definition, runner *Runner, c cache.Cache) *CLIEngine {
	return &CLIEngine{def: def, runner: runner, cache: c}
}

// Metadata returns the engine's static description.
func (e *CLIEngine) Metadata() engine.Metadata {
	return e.def.meta
}

// CheckAvailability probes PATH for the engine binary, memoizing the result.
func (e *CLIEngine) CheckAvailability(ctx context.Context) bool {
	key := "engine:avail:" + e.def.meta.ID
	if e.cache != nil {
		if v, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			return string(v) == "1"
		}
	}

	_, err := e.runner.lookPath(e.def.bin)
	available := err == nil

	if e.cache != nil {
		v := []byte("0")
		if available {
			v = []byte("1")
		}
		if err := e.cache.Set(ctx, key, v, availabilityTTL); err != nil {
			slog.Debug("engine availability cache set failed", "engine", e.def.meta.ID, "error", err)
		}
	}
	return available
}

// Execute runs one prompt through the engine CLI.
func (e *CLIEngine) Execute(ctx context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	args := e.def.args(req)
	if e.def.promptArg {
		args = append(args, req.Prompt)
		req.Prompt = ""
	}
	return e.runner.Run(ctx, e.def.meta.ID, e.def.bin, args, req)
}

// RegisterAll constructs every defined engine and registers it. The cache,
// when non-nil, memoizes availability probes across engines.
func RegisterAll(c cache.Cache) {
	runner := NewRunner()
	for _, def := range definitions {
		engine.Register(NewCLIEngine(def, runner, c))
	}
}

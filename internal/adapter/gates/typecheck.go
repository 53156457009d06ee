package gates

import "github.com/devgodzilla/devgodzilla/internal/port/gate"

// NewTypeGate returns the gate that type-checks the workspace.
func NewTypeGate() gate.Gate {
	return &commandGate{
		id:       "typecheck",
		name:     "Type Check",
		blocking: true,
		commands: map[toolchain]command{
			toolchainGo:     {bin: "go", args: []string{"build", "./..."}},
			toolchainNode:   {bin: "npx", args: []string{"--no-install", "tsc", "--noEmit", "--pretty", "false"}},
			toolchainPython: {bin: "mypy", args: []string{"--no-error-summary", "."}},
		},
		classify: classifyDiagnostics,
	}
}

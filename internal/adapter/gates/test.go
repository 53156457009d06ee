package gates

import "github.com/devgodzilla/devgodzilla/internal/port/gate"

// NewTestGate returns the gate that runs the project's test suite.
func NewTestGate() gate.Gate {
	return &commandGate{
		id:       "tests",
		name:     "Test Suite",
		blocking: true,
		commands: map[toolchain]command{
			toolchainGo:     {bin: "go", args: []string{"test", "./..."}},
			toolchainNode:   {bin: "npm", args: []string{"test", "--silent"}},
			toolchainPython: {bin: "pytest", args: []string{"-q"}},
		},
		classify: classifyExit,
	}
}

// Package engine defines the agent engine port (interface) and metadata.
package engine

import (
	"context"
	"io"
	"time"
)

// Kind classifies how an engine is driven.
type Kind string

const (
	KindCLI Kind = "cli"
	KindIDE Kind = "ide"
	KindAPI Kind = "api"
)

// Metadata describes an engine statically; the registry keys engines by ID.
type Metadata struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Kind         Kind     `json:"kind"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the metadata lists the capability.
func (m Metadata) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ExecRequest carries one engine invocation. The prompt is supplied on the
// engine's standard input; WorkDir is the worktree (or project local path).
// Stdout/Stderr, when set, receive the streams as they are produced in
// addition to the capped copies returned in the result.
type ExecRequest struct {
	Prompt  string
	WorkDir string
	Model   string
	Timeout time.Duration
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecResult is the outcome of one engine invocation. TimedOut is set when
// the wall clock expired and the subprocess was terminated.
type ExecResult struct {
	EngineID string        `json:"engine_id"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Engine is the port interface for a coding agent engine.
type Engine interface {
	// Metadata returns the engine's static description.
	Metadata() Metadata

	// CheckAvailability reports whether the engine can execute right now
	// (binary on PATH, credentials present).
	CheckAvailability(ctx context.Context) bool

	// Execute runs one prompt to completion. Failures are classified via
	// the domain sentinel errors (ErrTimeout, ErrAgentUnavailable,
	// ErrTransient); a non-zero exit code alone is not an error.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// Package gate defines the quality gate port (interface) and the process
// registry that evaluates gates into verdicts.
package gate

import (
	"context"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
)

// Workspace describes what a gate may inspect. Gates read only files under
// Root and skip anything matching Excludes.
type Workspace struct {
	Root         string
	ProtocolRoot string
	Excludes     []string
}

// DefaultExcludes lists directories no gate should descend into.
var DefaultExcludes = []string{
	"node_modules", ".venv", "__pycache__", ".git", "dist", "build", ".tox", "vendor",
}

// ExcludeList returns the workspace's exclusion list, falling back to the
// defaults.
func (w *Workspace) ExcludeList() []string {
	if len(w.Excludes) > 0 {
		return w.Excludes
	}
	return DefaultExcludes
}

// Gate is one pluggable quality check. Run never returns an error: failures
// of the gate itself are reported as a result with the error verdict.
type Gate interface {
	// ID returns the unique gate identifier (e.g. "tests", "lint").
	ID() string

	// Name returns the human-readable gate name.
	Name() string

	// Enabled reports whether the gate should run; disabled gates yield skip.
	Enabled() bool

	// Blocking reports whether a failing result should block the step.
	Blocking() bool

	// Run evaluates the workspace and returns the gate's verdict and findings.
	Run(ctx context.Context, ws *Workspace) qa.GateResult
}

// Categories used by the default manifest.
const (
	CategoryCode      = "code"
	CategoryTests     = "tests"
	CategorySecurity  = "security"
	CategoryChecklist = "checklist"
	CategoryArticle   = "article"
)

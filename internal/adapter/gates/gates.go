package gates

import (
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// RegisterDefaults registers the default gate manifest with the process
// registry. Gates named in cfg.DisabledGates stay registered but report
// disabled, which the registry turns into skip results.
func RegisterDefaults(cfg config.QA) {
	disabled := make(map[string]bool, len(cfg.DisabledGates))
	for _, id := range cfg.DisabledGates {
		disabled[id] = true
	}

	manifest := []struct {
		g        gate.Gate
		category string
	}{
		{NewTestGate(), gate.CategoryTests},
		{NewCoverageGate(cfg.CoverageThreshold), gate.CategoryTests},
		{NewLintGate(), gate.CategoryCode},
		{NewTypeGate(), gate.CategoryCode},
		{NewFormatGate(), gate.CategoryCode},
		{NewChecklistGate(), gate.CategoryChecklist},
		{NewSecurityGate(), gate.CategorySecurity},
		{NewLibraryFirstGate(), gate.CategoryArticle},
		{NewSimplicityGate(), gate.CategoryArticle},
		{NewAntiAbstractionGate(), gate.CategoryArticle},
		{NewTestFirstGate(), gate.CategoryArticle},
	}
	for _, m := range manifest {
		g := m.g
		if disabled[g.ID()] {
			g = disabledGate{g}
		}
		gate.Register(g, m.category)
	}
}

// disabledGate forces Enabled to false, leaving the rest of the gate
// untouched.
type disabledGate struct{ gate.Gate }

func (disabledGate) Enabled() bool { return false }

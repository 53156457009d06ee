package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
)

type entry struct {
	gate     Gate
	category string
}

var (
	mu      sync.RWMutex
	ordered []entry // registration order; evaluation is deterministic
	byID    = make(map[string]int)
)

// Register adds a gate under a category. Duplicate ids are a programming
// error: gates are registered once at process start.
func Register(g Gate, category string) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := byID[g.ID()]; exists {
		panic(fmt.Sprintf("gate: duplicate registration for %q", g.ID()))
	}
	byID[g.ID()] = len(ordered)
	ordered = append(ordered, entry{gate: g, category: category})
}

// Unregister removes a gate by id. Unknown ids are ignored.
func Unregister(id string) {
	mu.Lock()
	defer mu.Unlock()

	idx, ok := byID[id]
	if !ok {
		return
	}
	ordered = append(ordered[:idx], ordered[idx+1:]...)
	delete(byID, id)
	for i := idx; i < len(ordered); i++ {
		byID[ordered[i].gate.ID()] = i
	}
}

// Get returns the gate registered under id.
func Get(id string) (Gate, bool) {
	mu.RLock()
	defer mu.RUnlock()
	idx, ok := byID[id]
	if !ok {
		return nil, false
	}
	return ordered[idx].gate, true
}

// ListByCategory returns the gates of one category in registration order.
func ListByCategory(category string) []Gate {
	mu.RLock()
	defer mu.RUnlock()

	var out []Gate
	for _, e := range ordered {
		if e.category == category {
			out = append(out, e.gate)
		}
	}
	return out
}

// Categories returns the distinct registered categories, sorted.
func Categories() []string {
	mu.RLock()
	defer mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range ordered {
		if !seen[e.category] {
			seen[e.category] = true
			out = append(out, e.category)
		}
	}
	sort.Strings(out)
	return out
}

// EvaluateAll runs every registered gate against the workspace.
func EvaluateAll(ctx context.Context, ws *Workspace) []qa.GateResult {
	return evaluate(ctx, ws, snapshot(""))
}

// EvaluateCategory runs the gates of one category.
func EvaluateCategory(ctx context.Context, ws *Workspace, category string) []qa.GateResult {
	return evaluate(ctx, ws, snapshot(category))
}

// EvaluateGates runs the named gates in the given order. Unknown ids yield
// an error result rather than aborting the pipeline.
func EvaluateGates(ctx context.Context, ws *Workspace, ids []string) []qa.GateResult {
	gates := make([]Gate, 0, len(ids))
	var missing []string
	mu.RLock()
	for _, id := range ids {
		if idx, ok := byID[id]; ok {
			gates = append(gates, ordered[idx].gate)
		} else {
			missing = append(missing, id)
		}
	}
	mu.RUnlock()

	results := evaluate(ctx, ws, gates)
	for _, id := range missing {
		results = append(results, qa.GateResult{
			GateID:  id,
			Verdict: qa.VerdictError,
			Findings: []qa.Finding{{
				GateID:   id,
				Severity: qa.SeverityError,
				Message:  fmt.Sprintf("gate %q is not registered", id),
			}},
		})
	}
	return results
}

// Reset clears the registry. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	ordered = nil
	byID = make(map[string]int)
}

func snapshot(category string) []Gate {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]Gate, 0, len(ordered))
	for _, e := range ordered {
		if category == "" || e.category == category {
			out = append(out, e.gate)
		}
	}
	return out
}

// evaluate runs gates sequentially. A disabled gate yields skip; a panicking
// gate yields an error result and never aborts the remaining gates.
func evaluate(ctx context.Context, ws *Workspace, gates []Gate) []qa.GateResult {
	results := make([]qa.GateResult, 0, len(gates))
	for _, g := range gates {
		if !g.Enabled() {
			results = append(results, qa.GateResult{
				GateID:   g.ID(),
				GateName: g.Name(),
				Verdict:  qa.VerdictSkip,
			})
			continue
		}
		results = append(results, runSafely(ctx, g, ws))
	}
	return results
}

func runSafely(ctx context.Context, g Gate, ws *Workspace) (res qa.GateResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gate panicked", "gate_id", g.ID(), "panic", r)
			res = qa.GateResult{
				GateID:   g.ID(),
				GateName: g.Name(),
				Verdict:  qa.VerdictError,
				Duration: time.Since(start),
				Findings: []qa.Finding{{
					GateID:   g.ID(),
					Severity: qa.SeverityError,
					Message:  fmt.Sprintf("gate panicked: %v", r),
				}},
			}
		}
	}()
	return g.Run(ctx, ws)
}

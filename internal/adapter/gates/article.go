package gates

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// rootSourceLimit is how many source files may sit at the repository root
// before the library-first article objects.
const rootSourceLimit = 5

// projectLimit is the simplicity article's manifest budget.
const projectLimit = 3

// testRatioFloor is the share of test files below which test-first warns.
const testRatioFloor = 0.1

// sourceExts are the file extensions counted as source code.
var sourceExts = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true,
	".js": true, ".jsx": true, ".rs": true, ".java": true,
}

// manifestNames are the per-project build manifests the simplicity article
// counts.
var manifestNames = map[string]bool{
	"go.mod": true, "package.json": true, "pyproject.toml": true,
	"setup.py": true, "Cargo.toml": true,
}

// census summarizes a workspace for the article gates.
type census struct {
	sourceFiles  int
	testFiles    int
	rootSources  int
	manifests    []string
	wrapperFiles []string
}

// takeCensus walks the workspace once and counts what the articles judge.
func takeCensus(ws *gate.Workspace) (*census, error) {
	c := &census{}
	err := walkFiles(ws.Root, ws.ExcludeList(), func(_, rel string, _ fs.DirEntry) error {
		base := filepath.Base(rel)
		if manifestNames[base] {
			c.manifests = append(c.manifests, rel)
		}
		if !sourceExts[filepath.Ext(base)] {
			return nil
		}
		c.sourceFiles++
		if isTestFile(rel) {
			c.testFiles++
		}
		if !strings.Contains(rel, "/") {
			c.rootSources++
		}
		if lower := strings.ToLower(base); strings.Contains(lower, "wrapper") || strings.Contains(lower, "abstraction") {
			c.wrapperFiles = append(c.wrapperFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(c.manifests)
	sort.Strings(c.wrapperFiles)
	return c, nil
}

// isTestFile reports whether rel names a test by suffix or directory.
func isTestFile(rel string) bool {
	base := filepath.Base(rel)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."):
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "tests" || part == "test" || part == "__tests__" {
			return true
		}
	}
	return false
}

// articleGate grades one constitution article against the census.
type articleGate struct {
	id       string
	name     string
	blocking bool
	check    func(c *census) (qa.Verdict, []qa.Finding, map[string]any)
}

func (g *articleGate) ID() string     { return g.id }
func (g *articleGate) Name() string   { return g.name }
func (g *articleGate) Enabled() bool  { return true }
func (g *articleGate) Blocking() bool { return g.blocking }

func (g *articleGate) Run(_ context.Context, ws *gate.Workspace) qa.GateResult {
	start := time.Now()
	result := qa.GateResult{GateID: g.id, GateName: g.name}

	c, err := takeCensus(ws)
	if err != nil {
		return errorResult(result, start, fmt.Errorf("census: %w", err))
	}
	if c.sourceFiles == 0 {
		return skipResult(result, start, "no source files")
	}

	verdict, findings, meta := g.check(c)
	result.Verdict = verdict
	result.Findings = findings
	result.Metadata = meta
	result.Duration = time.Since(start)
	return result
}

// NewLibraryFirstGate returns the article gate that wants feature code
// organized into packages instead of a flat repository root.
func NewLibraryFirstGate() gate.Gate {
	return &articleGate{
		id:   "library_first",
		name: "Article I: Library-First",
		check: func(c *census) (qa.Verdict, []qa.Finding, map[string]any) {
			meta := map[string]any{"root_source_files": c.rootSources, "source_files": c.sourceFiles}
			if c.rootSources <= rootSourceLimit {
				return qa.VerdictPass, nil, meta
			}
			return qa.VerdictWarn, []qa.Finding{{
				GateID:   "library_first",
				Severity: qa.SeverityWarning,
				Message:  fmt.Sprintf("%d source files sit at the repository root; move feature code into packages", c.rootSources),
				RuleID:   "article-i",
			}}, meta
		},
	}
}

// NewSimplicityGate returns the article gate that bounds how many projects
// one repository may contain.
func NewSimplicityGate() gate.Gate {
	return &articleGate{
		id:   "simplicity",
		name: "Article VII: Simplicity",
		check: func(c *census) (qa.Verdict, []qa.Finding, map[string]any) {
			meta := map[string]any{"manifests": len(c.manifests)}
			if len(c.manifests) <= projectLimit {
				return qa.VerdictPass, nil, meta
			}
			return qa.VerdictWarn, []qa.Finding{{
				GateID:   "simplicity",
				Severity: qa.SeverityWarning,
				Message:  fmt.Sprintf("%d project manifests exceed the budget of %d: %s", len(c.manifests), projectLimit, strings.Join(c.manifests, ", ")),
				RuleID:   "article-vii",
			}}, meta
		},
	}
}

// NewAntiAbstractionGate returns the article gate that flags wrapper layers.
func NewAntiAbstractionGate() gate.Gate {
	return &articleGate{
		id:   "anti_abstraction",
		name: "Article VIII: Anti-Abstraction",
		check: func(c *census) (qa.Verdict, []qa.Finding, map[string]any) {
			meta := map[string]any{"wrapper_files": len(c.wrapperFiles)}
			if len(c.wrapperFiles) == 0 {
				return qa.VerdictPass, nil, meta
			}
			var findings []qa.Finding
			for _, rel := range c.wrapperFiles {
				if len(findings) == maxFindings {
					meta["findings_truncated"] = true
					break
				}
				findings = append(findings, qa.Finding{
					GateID:   "anti_abstraction",
					Severity: qa.SeverityWarning,
					Message:  "wrapper layer suggests speculative abstraction; use the underlying framework directly",
					FilePath: rel,
					RuleID:   "article-viii",
				})
			}
			return qa.VerdictWarn, findings, meta
		},
	}
}

// NewTestFirstGate returns the article gate that refuses source trees
// without tests.
func NewTestFirstGate() gate.Gate {
	return &articleGate{
		id:       "test_first",
		name:     "Article III: Test-First",
		blocking: true,
		check: func(c *census) (qa.Verdict, []qa.Finding, map[string]any) {
			meta := map[string]any{"source_files": c.sourceFiles, "test_files": c.testFiles}
			ratio := float64(c.testFiles) / float64(c.sourceFiles)
			switch {
			case c.testFiles == 0:
				return qa.VerdictFail, []qa.Finding{{
					GateID:   "test_first",
					Severity: qa.SeverityError,
					Message:  fmt.Sprintf("no test files found alongside %d source files", c.sourceFiles),
					RuleID:   "article-iii",
				}}, meta
			case ratio < testRatioFloor:
				return qa.VerdictWarn, []qa.Finding{{
					GateID:   "test_first",
					Severity: qa.SeverityWarning,
					Message:  fmt.Sprintf("only %d test files cover %d source files", c.testFiles, c.sourceFiles),
					RuleID:   "article-iii",
				}}, meta
			}
			return qa.VerdictPass, nil, meta
		},
	}
}

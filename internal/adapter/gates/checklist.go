package gates

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// checkboxRe matches one markdown checklist item.
var checkboxRe = regexp.MustCompile(`^\s*[-*]\s*\[([ xX])\]\s*(.+)$`)

// checklistGate verifies that the protocol's checklist documents carry no
// unchecked items.
type checklistGate struct{}

// NewChecklistGate returns the checklist gate.
func NewChecklistGate() gate.Gate { return &checklistGate{} }

func (g *checklistGate) ID() string     { return "checklist" }
func (g *checklistGate) Name() string   { return "Checklist" }
func (g *checklistGate) Enabled() bool  { return true }
func (g *checklistGate) Blocking() bool { return false }

func (g *checklistGate) Run(_ context.Context, ws *gate.Workspace) qa.GateResult {
	start := time.Now()
	result := qa.GateResult{GateID: g.ID(), GateName: g.Name()}

	root := ws.ProtocolRoot
	if root == "" {
		return skipResult(result, start, "no protocol root")
	}
	if _, err := os.Stat(root); err != nil {
		return skipResult(result, start, "protocol root is not accessible")
	}

	var files []string
	err := walkFiles(root, ws.ExcludeList(), func(path, rel string, _ fs.DirEntry) error {
		base := strings.ToLower(filepath.Base(rel))
		if strings.HasSuffix(base, ".md") && (strings.Contains(base, "checklist") || base == "tasks.md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return errorResult(result, start, fmt.Errorf("scan %s: %w", root, err))
	}
	if len(files) == 0 {
		return skipResult(result, start, "no checklist documents")
	}

	items, checked := 0, 0
	var findings []qa.Finding
	for _, path := range files {
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			rel = path
		}
		fileItems, fileChecked, fileFindings, err := scanChecklist(g.ID(), path, filepath.ToSlash(rel))
		if err != nil {
			return errorResult(result, start, err)
		}
		items += fileItems
		checked += fileChecked
		findings = append(findings, fileFindings...)
	}
	if len(findings) > maxFindings {
		findings = findings[:maxFindings]
	}

	result.Metadata = map[string]any{"documents": len(files), "items": items, "checked": checked}
	result.Findings = findings
	result.Duration = time.Since(start)
	switch {
	case len(findings) > 0:
		result.Verdict = qa.VerdictWarn
	case items == 0:
		result.Verdict = qa.VerdictSkip
		result.Metadata["reason"] = "checklist documents carry no items"
	default:
		result.Verdict = qa.VerdictPass
	}
	return result
}

func scanChecklist(gateID, path, rel string) (items, checked int, findings []qa.Finding, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		m := checkboxRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		items++
		if m[1] != " " {
			checked++
			continue
		}
		findings = append(findings, qa.Finding{
			GateID:     gateID,
			Severity:   qa.SeverityWarning,
			Message:    fmt.Sprintf("unchecked item: %s", strings.TrimSpace(m[2])),
			FilePath:   rel,
			LineNumber: line,
			RuleID:     "unchecked-item",
		})
	}
	if err := sc.Err(); err != nil {
		return 0, 0, nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return items, checked, findings, nil
}

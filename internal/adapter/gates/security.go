package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// maxScanBytes bounds how much of a file the secret scan reads.
const maxScanBytes = 1 << 20

// secretPatterns are the credential shapes the scan refuses to ship.
var secretPatterns = []struct {
	ruleID string
	re     *regexp.Regexp
}{
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github-token", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{"hardcoded-credential", regexp.MustCompile(`(?i)(?:api[_-]?key|secret|password)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{16,}["']`)},
}

// securityGate scans for committed credentials and, where the toolchain
// ships one, runs its security analyzer.
type securityGate struct{}

// NewSecurityGate returns the security gate.
func NewSecurityGate() gate.Gate { return &securityGate{} }

func (g *securityGate) ID() string     { return "security" }
func (g *securityGate) Name() string   { return "Security Scan" }
func (g *securityGate) Enabled() bool  { return true }
func (g *securityGate) Blocking() bool { return true }

func (g *securityGate) Run(ctx context.Context, ws *gate.Workspace) qa.GateResult {
	start := time.Now()
	result := qa.GateResult{GateID: g.ID(), GateName: g.Name()}
	meta := map[string]any{}

	findings, scanned, err := g.scanSecrets(ws)
	if err != nil {
		return errorResult(result, start, err)
	}
	meta["files_scanned"] = scanned

	if tc, ok := detectToolchain(ws.Root); ok {
		toolFindings, note := g.runAnalyzer(ctx, ws.Root, tc)
		findings = append(findings, toolFindings...)
		if note != "" {
			meta["analyzer"] = note
		}
	}
	if len(findings) > maxFindings {
		meta["findings_truncated"] = true
		findings = findings[:maxFindings]
	}

	result.Findings = findings
	result.Metadata = meta
	result.Duration = time.Since(start)
	result.Verdict = verdictFromFindings(findings)
	return result
}

// verdictFromFindings grades by the worst severity present.
func verdictFromFindings(findings []qa.Finding) qa.Verdict {
	verdict := qa.VerdictPass
	for i := range findings {
		if findings[i].Blocking() {
			return qa.VerdictFail
		}
		verdict = qa.VerdictWarn
	}
	return verdict
}

func (g *securityGate) scanSecrets(ws *gate.Workspace) ([]qa.Finding, int, error) {
	var findings []qa.Finding
	scanned := 0
	err := walkFiles(ws.Root, ws.ExcludeList(), func(path, rel string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil || info.Size() > maxScanBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			// unreadable files are not the gate's concern
			return nil
		}
		if bytes.IndexByte(data[:min(len(data), 8192)], 0) >= 0 {
			// binary
			return nil
		}
		scanned++
		findings = append(findings, scanContent(g.ID(), rel, data)...)
		return nil
	})
	return findings, scanned, err
}

func scanContent(gateID, rel string, data []byte) []qa.Finding {
	var findings []qa.Finding
	for i, line := range strings.Split(string(data), "\n") {
		for _, p := range secretPatterns {
			if p.re.MatchString(line) {
				findings = append(findings, qa.Finding{
					GateID:     gateID,
					Severity:   qa.SeverityCritical,
					Message:    fmt.Sprintf("possible %s committed to the repository", strings.ReplaceAll(p.ruleID, "-", " ")),
					FilePath:   rel,
					LineNumber: i + 1,
					RuleID:     p.ruleID,
					Suggestion: "rotate the credential and move it to the secret store",
				})
			}
		}
	}
	return findings
}

// runAnalyzer shells out to bandit for Python trees and npm audit for Node
// trees. A missing or broken analyzer is recorded in metadata, never fatal.
func (g *securityGate) runAnalyzer(ctx context.Context, root string, tc toolchain) ([]qa.Finding, string) {
	switch tc {
	case toolchainPython:
		return g.runBandit(ctx, root)
	case toolchainNode:
		return g.runNPMAudit(ctx, root)
	}
	return nil, ""
}

func (g *securityGate) runBandit(ctx context.Context, root string) ([]qa.Finding, string) {
	if _, err := exec.LookPath("bandit"); err != nil {
		return nil, "bandit is not installed"
	}
	res, err := runCommand(ctx, root, command{bin: "bandit", args: []string{"-r", "-q", "-f", "json", "."}})
	if err != nil {
		return nil, fmt.Sprintf("bandit: %v", err)
	}

	var report struct {
		Results []struct {
			Filename      string `json:"filename"`
			LineNumber    int    `json:"line_number"`
			IssueSeverity string `json:"issue_severity"`
			IssueText     string `json:"issue_text"`
			TestID        string `json:"test_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &report); err != nil {
		return nil, fmt.Sprintf("bandit output: %v", err)
	}

	var findings []qa.Finding
	for _, r := range report.Results {
		findings = append(findings, qa.Finding{
			GateID:     g.ID(),
			Severity:   banditSeverity(r.IssueSeverity),
			Message:    r.IssueText,
			FilePath:   strings.TrimPrefix(r.Filename, "./"),
			LineNumber: r.LineNumber,
			RuleID:     r.TestID,
		})
	}
	return findings, "bandit"
}

func banditSeverity(s string) qa.Severity {
	switch strings.ToUpper(s) {
	case "HIGH":
		return qa.SeverityCritical
	case "MEDIUM":
		return qa.SeverityError
	default:
		return qa.SeverityWarning
	}
}

func (g *securityGate) runNPMAudit(ctx context.Context, root string) ([]qa.Finding, string) {
	if _, err := exec.LookPath("npm"); err != nil {
		return nil, "npm is not installed"
	}
	res, err := runCommand(ctx, root, command{bin: "npm", args: []string{"audit", "--json"}})
	if err != nil {
		return nil, fmt.Sprintf("npm audit: %v", err)
	}

	var report struct {
		Vulnerabilities map[string]struct {
			Severity string `json:"severity"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &report); err != nil {
		return nil, fmt.Sprintf("npm audit output: %v", err)
	}

	names := make([]string, 0, len(report.Vulnerabilities))
	for name := range report.Vulnerabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []qa.Finding
	for _, name := range names {
		sev := report.Vulnerabilities[name].Severity
		findings = append(findings, qa.Finding{
			GateID:   g.ID(),
			Severity: auditSeverity(sev),
			Message:  fmt.Sprintf("dependency %s has a known %s severity advisory", name, sev),
			RuleID:   "npm-audit",
		})
	}
	return findings, "npm-audit"
}

func auditSeverity(s string) qa.Severity {
	switch strings.ToLower(s) {
	case "critical":
		return qa.SeverityCritical
	case "high":
		return qa.SeverityError
	case "moderate":
		return qa.SeverityWarning
	default:
		return qa.SeverityInfo
	}
}

package gates

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// NewLintGate returns the gate that runs the toolchain's linter.
func NewLintGate() gate.Gate {
	return &commandGate{
		id:       "lint",
		name:     "Lint",
		blocking: true,
		commands: map[toolchain]command{
			toolchainGo:     {bin: "go", args: []string{"vet", "./..."}},
			toolchainNode:   {bin: "npx", args: []string{"--no-install", "eslint", "--format", "unix", "."}},
			toolchainPython: {bin: "ruff", args: []string{"check", "--output-format", "concise", "."}},
		},
		classify: classifyDiagnostics,
	}
}

// diagnosticRe matches file:line[:col]: message lines, the shared output
// shape of go vet, eslint --format unix, ruff, and mypy.
var diagnosticRe = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(.+)$`)

// ruleIDRe matches a leading diagnostic code such as F401 or E501.
var ruleIDRe = regexp.MustCompile(`^([A-Z]{1,4}\d{2,5})\b`)

// classifyDiagnostics turns diagnostic lines into findings. Lines that do
// not look like diagnostics are ignored; a failing tool with no parseable
// output still yields one finding carrying the raw tail.
func classifyDiagnostics(gateID string, tc toolchain, res execResult) (qa.Verdict, []qa.Finding, map[string]any) {
	meta := map[string]any{"toolchain": string(tc), "exit_code": res.exitCode}

	var findings []qa.Finding
	for _, line := range strings.Split(res.stdout+"\n"+res.stderr, "\n") {
		m := diagnosticRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if len(findings) == maxFindings {
			meta["findings_truncated"] = true
			break
		}
		f := qa.Finding{
			GateID:     gateID,
			Severity:   qa.SeverityError,
			Message:    m[4],
			FilePath:   strings.TrimPrefix(m[1], "./"),
			LineNumber: atoiSafe(m[2]),
		}
		if rm := ruleIDRe.FindStringSubmatch(m[4]); rm != nil {
			f.RuleID = rm[1]
		}
		findings = append(findings, f)
	}

	if res.exitCode == 0 && len(findings) == 0 {
		return qa.VerdictPass, nil, meta
	}
	if len(findings) == 0 {
		findings = []qa.Finding{{
			GateID:   gateID,
			Severity: qa.SeverityError,
			Message:  outputTail(res.output(), 4096),
		}}
	}
	return qa.VerdictFail, findings, meta
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

package gates

import (
	"fmt"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// NewFormatGate returns the gate that verifies formatting without rewriting
// anything.
func NewFormatGate() gate.Gate {
	return &commandGate{
		id:       "format",
		name:     "Format",
		blocking: true,
		commands: map[toolchain]command{
			toolchainGo:     {bin: "gofmt", args: []string{"-l", "."}},
			toolchainNode:   {bin: "npx", args: []string{"--no-install", "prettier", "--check", "."}},
			toolchainPython: {bin: "ruff", args: []string{"format", "--check", "."}},
		},
		classify: classifyFormat,
	}
}

// classifyFormat handles gofmt's convention of listing unformatted files on
// stdout with a zero exit; the other formatters signal through exit codes.
func classifyFormat(gateID string, tc toolchain, res execResult) (qa.Verdict, []qa.Finding, map[string]any) {
	if tc != toolchainGo {
		return classifyExit(gateID, tc, res)
	}

	meta := map[string]any{"toolchain": string(tc), "exit_code": res.exitCode}
	var findings []qa.Finding
	for _, line := range strings.Split(res.stdout, "\n") {
		file := strings.TrimSpace(line)
		if file == "" {
			continue
		}
		if len(findings) == maxFindings {
			meta["findings_truncated"] = true
			break
		}
		findings = append(findings, qa.Finding{
			GateID:     gateID,
			Severity:   qa.SeverityError,
			Message:    "file is not gofmt-formatted",
			FilePath:   strings.TrimPrefix(file, "./"),
			RuleID:     "gofmt",
			Suggestion: fmt.Sprintf("run gofmt -w %s", file),
		})
	}

	switch {
	case len(findings) > 0:
		return qa.VerdictFail, findings, meta
	case res.exitCode != 0:
		// gofmt exits non-zero only when it cannot parse a file
		return qa.VerdictFail, []qa.Finding{{
			GateID:   gateID,
			Severity: qa.SeverityError,
			Message:  outputTail(res.output(), 4096),
		}}, meta
	default:
		return qa.VerdictPass, nil, meta
	}
}

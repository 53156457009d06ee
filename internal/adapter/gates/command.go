// Package gates implements the default quality gate manifest. Command gates
// shell out to the detected toolchain's own tools and translate their output
// into findings; file-scanning gates read the workspace directly and honor
// its exclusion list.
package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// maxFindings bounds how many findings a single gate may attach to a result.
const maxFindings = 50

// toolchain identifies the project flavor detected in a workspace.
type toolchain string

const (
	toolchainGo     toolchain = "go"
	toolchainNode   toolchain = "node"
	toolchainPython toolchain = "python"
)

// toolchainProbes maps manifest files to toolchains, in detection order.
var toolchainProbes = []struct {
	file string
	tc   toolchain
}{
	{"go.mod", toolchainGo},
	{"package.json", toolchainNode},
	{"pyproject.toml", toolchainPython},
	{"setup.py", toolchainPython},
	{"requirements.txt", toolchainPython},
}

// detectToolchain probes well-known manifest files directly under root.
func detectToolchain(root string) (toolchain, bool) {
	for _, p := range toolchainProbes {
		if _, err := os.Stat(filepath.Join(root, p.file)); err == nil {
			return p.tc, true
		}
	}
	return "", false
}

// command is a single tool invocation.
type command struct {
	bin  string
	args []string
}

// execResult captures a finished tool run. A non-zero exit code is data,
// not an error: gates treat tool findings and tool breakage differently.
type execResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// output returns stdout, falling back to stderr when stdout is empty.
func (r execResult) output() string {
	if out := strings.TrimSpace(r.stdout); out != "" {
		return out
	}
	return strings.TrimSpace(r.stderr)
}

// runCommand executes c in dir and captures its output. Only spawn and
// context failures surface as errors.
func runCommand(ctx context.Context, dir string, c command) (execResult, error) {
	cmd := exec.CommandContext(ctx, c.bin, c.args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := execResult{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", c.bin, err)
	}
	return res, nil
}

// classifier folds a finished tool run into a verdict, findings, and
// metadata for the gate result.
type classifier func(gateID string, tc toolchain, res execResult) (qa.Verdict, []qa.Finding, map[string]any)

// commandGate runs one tool per detected toolchain. Tool-backed gates rely
// on each tool's own ignore handling rather than the workspace exclusion
// list.
type commandGate struct {
	id       string
	name     string
	blocking bool
	commands map[toolchain]command
	classify classifier
}

func (g *commandGate) ID() string     { return g.id }
func (g *commandGate) Name() string   { return g.name }
func (g *commandGate) Enabled() bool  { return true }
func (g *commandGate) Blocking() bool { return g.blocking }

func (g *commandGate) Run(ctx context.Context, ws *gate.Workspace) qa.GateResult {
	start := time.Now()
	result := qa.GateResult{GateID: g.id, GateName: g.name}

	tc, ok := detectToolchain(ws.Root)
	if !ok {
		return skipResult(result, start, "no supported toolchain detected")
	}
	cmd, ok := g.commands[tc]
	if !ok {
		return skipResult(result, start, fmt.Sprintf("no %s command for %s projects", g.id, tc))
	}
	if _, err := exec.LookPath(cmd.bin); err != nil {
		return skipResult(result, start, fmt.Sprintf("%s is not installed", cmd.bin))
	}

	res, err := runCommand(ctx, ws.Root, cmd)
	if err != nil {
		return errorResult(result, start, err)
	}

	verdict, findings, meta := g.classify(g.id, tc, res)
	result.Verdict = verdict
	result.Findings = findings
	result.Metadata = meta
	result.Duration = time.Since(start)
	return result
}

// skipResult finalizes a skip with the reason recorded in metadata.
func skipResult(result qa.GateResult, start time.Time, reason string) qa.GateResult {
	result.Verdict = qa.VerdictSkip
	result.Metadata = map[string]any{"reason": reason}
	result.Duration = time.Since(start)
	return result
}

// errorResult finalizes a gate breakage, as opposed to a gate failure.
func errorResult(result qa.GateResult, start time.Time, err error) qa.GateResult {
	result.Verdict = qa.VerdictError
	result.Findings = []qa.Finding{{
		GateID:   result.GateID,
		Severity: qa.SeverityError,
		Message:  err.Error(),
	}}
	result.Duration = time.Since(start)
	return result
}

// classifyExit maps a zero exit to pass and anything else to fail with the
// tool's trailing output attached as a single finding.
func classifyExit(gateID string, tc toolchain, res execResult) (qa.Verdict, []qa.Finding, map[string]any) {
	meta := map[string]any{"toolchain": string(tc), "exit_code": res.exitCode}
	if res.exitCode == 0 {
		return qa.VerdictPass, nil, meta
	}
	msg := outputTail(res.output(), 4096)
	if msg == "" {
		msg = fmt.Sprintf("tool exited with status %d", res.exitCode)
	}
	return qa.VerdictFail, []qa.Finding{{
		GateID:   gateID,
		Severity: qa.SeverityError,
		Message:  msg,
	}}, meta
}

// outputTail keeps the last max bytes of s, cutting at a line boundary.
func outputTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i+1 < len(s) {
		s = s[i+1:]
	}
	return s
}

package gates

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// coverageRe matches the per-package totals printed by go test -cover.
var coverageRe = regexp.MustCompile(`coverage: (\d+(?:\.\d+)?)% of statements`)

// NewCoverageGate returns the gate that measures statement coverage and
// enforces threshold when it is positive. A zero threshold reports without
// judging.
func NewCoverageGate(threshold float64) gate.Gate {
	return &commandGate{
		id:       "coverage",
		name:     "Coverage",
		blocking: false,
		commands: map[toolchain]command{
			toolchainGo: {bin: "go", args: []string{"test", "-cover", "./..."}},
		},
		classify: func(gateID string, tc toolchain, res execResult) (qa.Verdict, []qa.Finding, map[string]any) {
			return classifyCoverage(gateID, tc, res, threshold)
		},
	}
}

func classifyCoverage(gateID string, tc toolchain, res execResult, threshold float64) (qa.Verdict, []qa.Finding, map[string]any) {
	meta := map[string]any{"toolchain": string(tc), "exit_code": res.exitCode, "threshold_percent": threshold}

	if res.exitCode != 0 {
		return qa.VerdictFail, []qa.Finding{{
			GateID:   gateID,
			Severity: qa.SeverityError,
			Message:  outputTail(res.output(), 4096),
		}}, meta
	}

	matches := coverageRe.FindAllStringSubmatch(res.stdout, -1)
	if len(matches) == 0 {
		return qa.VerdictSkip, nil, map[string]any{"reason": "no packages report coverage"}
	}

	var total float64
	for _, m := range matches {
		pct, _ := strconv.ParseFloat(m[1], 64)
		total += pct
	}
	avg := total / float64(len(matches))
	meta["coverage_percent"] = avg
	meta["packages"] = len(matches)

	if threshold > 0 && avg < threshold {
		return qa.VerdictFail, []qa.Finding{{
			GateID:   gateID,
			Severity: qa.SeverityError,
			Message:  fmt.Sprintf("statement coverage %.1f%% is below the %.1f%% threshold", avg, threshold),
			RuleID:   "coverage-threshold",
		}}, meta
	}
	return qa.VerdictPass, nil, meta
}

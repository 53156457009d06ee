// Package qa defines verdicts, findings, gate results, and the aggregation
// rule that folds a set of gate results into a single step verdict.
package qa

import (
	"time"
)

// Verdict is the outcome of a gate or of a whole evaluation.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictFail  Verdict = "fail"
	VerdictSkip  Verdict = "skip"
	VerdictError Verdict = "error"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Finding is one issue reported by a gate.
type Finding struct {
	GateID     string         `json:"gate_id"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	FilePath   string         `json:"file_path,omitempty"`
	LineNumber int            `json:"line_number,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// GateResult is the outcome of one gate run.
type GateResult struct {
	GateID   string         `json:"gate_id"`
	GateName string         `json:"gate_name"`
	Verdict  Verdict        `json:"verdict"`
	Findings []Finding      `json:"findings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// QAResult is the immutable record of one evaluation.
type QAResult struct {
	ID            int64        `json:"id"`
	ProtocolRunID int64        `json:"protocol_run_id"`
	ProjectID     int64        `json:"project_id"`
	StepRunID     *int64       `json:"step_run_id,omitempty"`
	Verdict       Verdict      `json:"verdict"`
	GateResults   []GateResult `json:"gate_results,omitempty"`
	Findings      []Finding    `json:"findings,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Aggregate folds gate results into one verdict. The rule is ordered: any
// error fails the evaluation, then any fail, then any warn; at least one
// pass (or an all-skip set) passes; an empty set is a skip.
func Aggregate(results []GateResult) Verdict {
	if len(results) == 0 {
		return VerdictSkip
	}
	anyFail, anyWarn, anyPass := false, false, false
	for i := range results {
		switch results[i].Verdict {
		case VerdictError:
			return VerdictFail
		case VerdictFail:
			anyFail = true
		case VerdictWarn:
			anyWarn = true
		case VerdictPass:
			anyPass = true
		}
	}
	switch {
	case anyFail:
		return VerdictFail
	case anyWarn:
		return VerdictWarn
	case anyPass:
		return VerdictPass
	default:
		// all skipped
		return VerdictPass
	}
}

// StepPassed reports whether the verdict lets the step advance to completed.
func StepPassed(v Verdict) bool {
	switch v {
	case VerdictPass, VerdictWarn, VerdictSkip:
		return true
	}
	return false
}

// CollectFindings flattens gate results into a single finding list in gate
// order.
func CollectFindings(results []GateResult) []Finding {
	var all []Finding
	for i := range results {
		all = append(all, results[i].Findings...)
	}
	return all
}

// Blocking reports whether a finding should block completion on its own.
func (f *Finding) Blocking() bool {
	return f.Severity == SeverityError || f.Severity == SeverityCritical
}

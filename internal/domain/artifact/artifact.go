// Package artifact defines the Artifact domain entity: a pointer to a file
// produced by a job or step, immutable after write.
package artifact

import "time"

// Kind classifies artifact contents.
type Kind string

const (
	KindLog    Kind = "log"
	KindDiff   Kind = "diff"
	KindReport Kind = "report"
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindFile   Kind = "file"
)

// Artifact points at a file on the workspace. Artifact paths embed the step
// id so concurrent steps can never write the same path.
type Artifact struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	StepRunID *int64    `json:"step_run_id,omitempty"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

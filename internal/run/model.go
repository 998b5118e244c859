package run

import (
	"time"

	"github.com/linnemanlabs/useir/internal/seir"
)

// Status tracks where a run is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means the simulation is executing
	StatusInProgress Status = "in_progress"

	// StatusComplete means finished, either by burnout or at the step cap
	StatusComplete Status = "complete"

	// StatusFailed means rejected by the engine or aborted on a numerical violation
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions will happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Run is one simulation request and its outcome. The trajectory rows are
// stored separately and fetched through Store.Trajectory.
type Run struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	Status      Status       `json:"status"`
	Outcome     seir.Outcome `json:"outcome,omitempty"`
	Params      seir.Params  `json:"params"`
	Config      seir.Config  `json:"config"`
	Summary     seir.Summary `json:"summary,omitzero"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	Duration    float64      `json:"duration_seconds,omitempty"`
	Rows        int          `json:"rows"`
}

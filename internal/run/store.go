package run

import (
	"context"

	"github.com/linnemanlabs/useir/internal/seir"
)

// Store is the persistence interface for runs.
type Store interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Run, bool, error)
	Put(ctx context.Context, r *Run) error

	// PutTrajectory replaces the stored rows of a run.
	PutTrajectory(ctx context.Context, runID string, rows []seir.Row) error
	// Trajectory returns the stored rows of a run, ok=false if none were stored.
	Trajectory(ctx context.Context, runID string) ([]seir.Row, bool, error)
}

// Notifier is told about every run that reaches a terminal status.
type Notifier interface {
	Send(ctx context.Context, r *Run) error
}

// Package run is the business boundary for simulation runs. It defines the
// Service (validation, dedup, lifecycle, async dispatch), the Store interface
// (persistence of run metadata and trajectories) and the Run model. The
// numerics live in package seir; this package only schedules and records them.
package run

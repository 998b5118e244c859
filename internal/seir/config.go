package seir

import (
	"errors"
	"flag"
	"fmt"
	"math"
)

// Config holds the fixed numeric constants of a simulation. They rarely change
// between runs, unlike Params.
type Config struct {
	Eps               float64 `json:"eps"`                // step size in days
	Tol               float64 `json:"tol"`                // probability mass kept by each dwell-time discretization
	Population        float64 `json:"population"`         // N, the seed is 1/N
	ExposedMin        float64 `json:"exposed_min"`        // burnout threshold on total Exposed mass
	InfectedMin       float64 `json:"infected_min"`       // burnout threshold on total Infected mass
	MaxSteps          int     `json:"max_steps"`
	NegativeTolerance float64 `json:"negative_tolerance"` // how far below zero a compartment may drift before the run aborts
}

// DefaultConfig returns the standard constants.
func DefaultConfig() Config {
	return Config{
		Eps:               0.01,
		Tol:               0.9999,
		Population:        1e6,
		ExposedMin:        1e-10,
		InfectedMin:       1e-10,
		MaxSteps:          21000,
		NegativeTolerance: 1e-12,
	}
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultConfig()
	fs.Float64Var(&c.Eps, "eps", d.Eps, "simulation step size in days (>0)")
	fs.Float64Var(&c.Tol, "tol", d.Tol, "cumulative probability kept when discretizing dwell times (0..1 exclusive)")
	fs.Float64Var(&c.Population, "population", d.Population, "population scale N, the initial seed is 1/N (>1)")
	fs.Float64Var(&c.ExposedMin, "exposed-min", d.ExposedMin, "burnout threshold on total exposed fraction (>0)")
	fs.Float64Var(&c.InfectedMin, "infected-min", d.InfectedMin, "burnout threshold on total infected fraction (>0)")
	fs.IntVar(&c.MaxSteps, "max-steps", d.MaxSteps, "hard cap on simulation steps (>=1)")
	fs.Float64Var(&c.NegativeTolerance, "negative-tolerance", d.NegativeTolerance, "largest negative drift tolerated in a compartment (>=0)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if !finitePositive(c.Eps) {
		errs = append(errs, fmt.Errorf("invalid EPS %v (must be > 0)", c.Eps))
	}
	if !(c.Tol > 0 && c.Tol < 1) {
		errs = append(errs, fmt.Errorf("invalid TOL %v (must be in (0,1))", c.Tol))
	}
	if !(c.Population > 1) || math.IsInf(c.Population, 0) {
		errs = append(errs, fmt.Errorf("invalid POPULATION %v (must be > 1)", c.Population))
	}
	if !finitePositive(c.ExposedMin) {
		errs = append(errs, fmt.Errorf("invalid EXPOSED_MIN %v (must be > 0)", c.ExposedMin))
	}
	if !finitePositive(c.InfectedMin) {
		errs = append(errs, fmt.Errorf("invalid INFECTED_MIN %v (must be > 0)", c.InfectedMin))
	}
	if c.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_STEPS %d (must be >= 1)", c.MaxSteps))
	}
	if !(c.NegativeTolerance >= 0) || math.IsInf(c.NegativeTolerance, 0) {
		errs = append(errs, fmt.Errorf("invalid NEGATIVE_TOLERANCE %v (must be >= 0)", c.NegativeTolerance))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

package seir

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/linnemanlabs/useir/internal/dwell"
)

// maxPrealloc bounds the initial row capacity so a large MaxSteps does not
// allocate up front for runs that burn out early.
const maxPrealloc = 1 << 14

// Simulate runs the shift-and-inject recurrence from the 1/N seed until both
// active compartments fall below their thresholds or MaxSteps is exceeded.
//
// E[k] and I[k] hold the mass that leaves the stage in k more steps. Each
// step moves I[0] to R, ages I and E by one step, feeds the mass leaving E
// into I spread by infected.PD, and feeds new infections pn*sI*S into E
// spread by exposed.PD, where pn = R0/meanInfected*eps and sI is the
// infected total of the previous step.
//
// A capped run is not an error: the rows so far are returned with
// Converged=false. NaN, Inf or negative compartments abort with a
// *NumericalError.
func Simulate(exposed, infected dwell.Transition, r0, meanInfected float64, cfg Config) (*Trajectory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkTransition("exposed", exposed); err != nil {
		return nil, err
	}
	if err := checkTransition("infected", infected); err != nil {
		return nil, err
	}
	if !(r0 >= 0) || math.IsInf(r0, 0) {
		return nil, fmt.Errorf("%w: R0 %v must be >= 0", ErrInvalidParams, r0)
	}
	if !finitePositive(meanInfected) {
		return nil, fmt.Errorf("%w: mean infected dwell %v must be > 0", ErrInvalidParams, meanInfected)
	}

	pdE, pdI := exposed.PD, infected.PD
	nE, nI := len(pdE), len(pdI)
	pn := r0 / meanInfected * cfg.Eps

	E := make([]float64, nE)
	I := make([]float64, nI)
	seed := 1 / cfg.Population
	S := 1 - seed
	E[0] = seed
	var R, sI, sE float64

	tr := &Trajectory{
		Eps:  cfg.Eps,
		Rows: make([]Row, 0, min(cfg.MaxSteps+1, maxPrealloc)),
	}

	for n := 0; ; {
		R += I[0]

		// leaving E this step, read before E is aged below
		e0 := E[0]

		copy(I, I[1:])
		I[nI-1] = 0
		floats.AddScaled(I, e0, pdI)

		inflow := pn * sI * S
		copy(E, E[1:])
		E[nE-1] = 0
		floats.AddScaled(E, inflow, pdE)

		S -= inflow

		sI = floats.Sum(I)
		sE = floats.Sum(E)

		row := Row{T: float64(n) * cfg.Eps, S: S, E: sE, I: sI, R: R}
		if err := checkRow(n, row, cfg.NegativeTolerance); err != nil {
			return tr, err
		}
		tr.Rows = append(tr.Rows, row)

		n++
		if sE < cfg.ExposedMin && sI < cfg.InfectedMin {
			tr.Converged = true
			return tr, nil
		}
		if n > cfg.MaxSteps {
			return tr, nil
		}
	}
}

func checkTransition(stage string, t dwell.Transition) error {
	if len(t.PD) == 0 {
		return fmt.Errorf("%w: %s transition has no sub-compartments", ErrInvalidParams, stage)
	}
	if t.N != len(t.PD) {
		return fmt.Errorf("%w: %s transition N=%d but len(PD)=%d", ErrInvalidParams, stage, t.N, len(t.PD))
	}
	for k, p := range t.PD {
		if !(p >= 0) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: %s PD[%d] = %v", ErrInvalidParams, stage, k, p)
		}
	}
	return nil
}

// checkRow validates the aggregates of a step. Every E and I entry is a sum of
// products of non-negative terms with S, so the totals expose any bad entry.
func checkRow(step int, r Row, tol float64) error {
	for _, c := range []struct {
		name string
		v    float64
	}{{"S", r.S}, {"E", r.E}, {"I", r.I}, {"R", r.R}} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) || c.v < -tol {
			return &NumericalError{Step: step, T: r.T, Compartment: c.name, Value: c.v}
		}
	}
	return nil
}

package dwell

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxCompartments bounds N so a long law on a fine grid cannot exhaust memory.
const MaxCompartments = 1 << 22

// Transition is the discrete form of a dwell-time law: N sub-compartments and,
// for each elapsed step k, the probability PD[k] of leaving the stage after
// exactly k steps.
type Transition struct {
	N  int       `json:"n"`
	PD []float64 `json:"pd"`
}

// Mass is the total probability captured by PD, roughly the tolerance used to
// build it.
func (t Transition) Mass() float64 {
	return floats.Sum(t.PD)
}

// Discretize samples law's CDF at multiples of eps up to the tol quantile.
//
// N is Quantile(tol)/eps truncated toward zero and PD[i] is
// CDF(i*eps) - CDF((i-1)*eps) with CDF(-eps) = 0. PD is not renormalized:
// its sum is close to tol and the tail beyond step N is dropped.
//
// A law so short that N truncates to zero or one collapses to a single step
// carrying the whole covered mass, so the stage empties on the next step.
func Discretize(law Law, eps, tol float64) (Transition, error) {
	q, err := quantile(law, eps, tol)
	if err != nil {
		return Transition{}, err
	}

	n := int(q / eps)
	if n <= 1 {
		return Transition{N: 1, PD: []float64{law.CDF(q)}}, nil
	}

	pd := make([]float64, n)
	prev := 0.0
	for i := range pd {
		cur := law.CDF(float64(i) * eps)
		pd[i] = cur - prev
		prev = cur
	}
	return Transition{N: n, PD: pd}, nil
}

// Compartments returns the N that Discretize would produce without building
// PD, so callers can reject oversized runs up front.
func Compartments(law Law, eps, tol float64) (int, error) {
	q, err := quantile(law, eps, tol)
	if err != nil {
		return 0, err
	}
	return max(int(q/eps), 1), nil
}

func quantile(law Law, eps, tol float64) (float64, error) {
	if law == nil {
		return 0, fmt.Errorf("%w: nil law", ErrInvalidParams)
	}
	if !positive(eps) {
		return 0, fmt.Errorf("%w: eps=%v must be positive", ErrInvalidParams, eps)
	}
	if !(tol > 0 && tol < 1) {
		return 0, fmt.Errorf("%w: tol=%v must be in (0,1)", ErrInvalidParams, tol)
	}

	q := law.Quantile(tol)
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
		return 0, fmt.Errorf("%w: %s quantile(%v) = %v", ErrInvalidParams, law.Name(), tol, q)
	}
	if q/eps > MaxCompartments {
		return 0, fmt.Errorf("%w: %s needs %.0f compartments at eps=%v (max %d)", ErrInvalidParams, law.Name(), q/eps, eps, MaxCompartments)
	}
	return q, nil
}

// DiscretizeGamma is Discretize for a Gamma(shape, scale) dwell time.
func DiscretizeGamma(shape, scale, eps, tol float64) (Transition, error) {
	law, err := Gamma(shape, scale)
	if err != nil {
		return Transition{}, err
	}
	return Discretize(law, eps, tol)
}

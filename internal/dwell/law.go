package dwell

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidParams is returned for distribution or discretization parameters
// outside their domain.
var ErrInvalidParams = errors.New("dwell: invalid parameters")

// Law is a continuous dwell-time distribution on [0, inf).
type Law interface {
	Name() string
	CDF(x float64) float64
	Quantile(p float64) float64
	Mean() float64
}

// Family names a supported dwell-time distribution.
type Family string

const (
	FamilyGamma       Family = "gamma"
	FamilyExponential Family = "exponential"
	FamilyWeibull     Family = "weibull"
	FamilyLogNormal   Family = "lognormal"
)

// Families lists the supported families in a stable order.
var Families = []Family{FamilyGamma, FamilyExponential, FamilyWeibull, FamilyLogNormal}

// ParseFamily maps a case-insensitive name onto a Family. Empty means gamma.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FamilyGamma, nil
	case FamilyGamma, FamilyExponential, FamilyWeibull, FamilyLogNormal:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown family %q", ErrInvalidParams, s)
	}
}

type gammaLaw struct {
	shape, scale float64
	d            distuv.Gamma
}

// Gamma returns the Gamma law with the given shape and scale (mean shape*scale).
func Gamma(shape, scale float64) (Law, error) {
	if !positive(shape) || !positive(scale) {
		return nil, fmt.Errorf("%w: gamma shape=%v scale=%v must be positive", ErrInvalidParams, shape, scale)
	}
	// distuv parameterizes by rate
	return gammaLaw{shape: shape, scale: scale, d: distuv.Gamma{Alpha: shape, Beta: 1 / scale}}, nil
}

func (g gammaLaw) Name() string               { return string(FamilyGamma) }
func (g gammaLaw) CDF(x float64) float64      { return g.d.CDF(x) }
func (g gammaLaw) Quantile(p float64) float64 { return g.d.Quantile(p) }
func (g gammaLaw) Mean() float64              { return g.shape * g.scale }

type exponentialLaw struct{ d distuv.Exponential }

// Exponential returns the exponential law with the given rate (mean 1/rate).
func Exponential(rate float64) (Law, error) {
	if !positive(rate) {
		return nil, fmt.Errorf("%w: exponential rate=%v must be positive", ErrInvalidParams, rate)
	}
	return exponentialLaw{d: distuv.Exponential{Rate: rate}}, nil
}

func (e exponentialLaw) Name() string               { return string(FamilyExponential) }
func (e exponentialLaw) CDF(x float64) float64      { return e.d.CDF(x) }
func (e exponentialLaw) Quantile(p float64) float64 { return e.d.Quantile(p) }
func (e exponentialLaw) Mean() float64              { return e.d.Mean() }

type weibullLaw struct{ d distuv.Weibull }

// Weibull returns the Weibull law with shape k and scale lambda.
func Weibull(shape, scale float64) (Law, error) {
	if !positive(shape) || !positive(scale) {
		return nil, fmt.Errorf("%w: weibull shape=%v scale=%v must be positive", ErrInvalidParams, shape, scale)
	}
	return weibullLaw{d: distuv.Weibull{K: shape, Lambda: scale}}, nil
}

func (w weibullLaw) Name() string               { return string(FamilyWeibull) }
func (w weibullLaw) CDF(x float64) float64      { return w.d.CDF(x) }
func (w weibullLaw) Quantile(p float64) float64 { return w.d.Quantile(p) }
func (w weibullLaw) Mean() float64              { return w.d.Mean() }

type logNormalLaw struct{ d distuv.LogNormal }

// LogNormal returns the log-normal law whose logarithm has mean mu and
// standard deviation sigma.
func LogNormal(mu, sigma float64) (Law, error) {
	if math.IsNaN(mu) || math.IsInf(mu, 0) || !positive(sigma) {
		return nil, fmt.Errorf("%w: lognormal mu=%v sigma=%v", ErrInvalidParams, mu, sigma)
	}
	return logNormalLaw{d: distuv.LogNormal{Mu: mu, Sigma: sigma}}, nil
}

func (l logNormalLaw) Name() string               { return string(FamilyLogNormal) }
func (l logNormalLaw) CDF(x float64) float64      { return l.d.CDF(x) }
func (l logNormalLaw) Quantile(p float64) float64 { return l.d.Quantile(p) }
func (l logNormalLaw) Mean() float64              { return l.d.Mean() }

// Spec is the serializable description of a stage's dwell-time law. Only the
// fields relevant to Family are read: shape/scale for gamma and weibull, rate
// for exponential, mu/sigma for lognormal.
type Spec struct {
	Family Family  `json:"family"`
	Shape  float64 `json:"shape,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Mu     float64 `json:"mu,omitempty"`
	Sigma  float64 `json:"sigma,omitempty"`
}

// GammaSpec is shorthand for a gamma Spec.
func GammaSpec(shape, scale float64) Spec {
	return Spec{Family: FamilyGamma, Shape: shape, Scale: scale}
}

// Law builds the distribution described by s.
func (s Spec) Law() (Law, error) {
	f, err := ParseFamily(string(s.Family))
	if err != nil {
		return nil, err
	}
	switch f {
	case FamilyExponential:
		return Exponential(s.Rate)
	case FamilyWeibull:
		return Weibull(s.Shape, s.Scale)
	case FamilyLogNormal:
		return LogNormal(s.Mu, s.Sigma)
	default:
		return Gamma(s.Shape, s.Scale)
	}
}

// Normalized returns s with the family resolved and irrelevant fields zeroed,
// so equal laws compare and hash equally.
func (s Spec) Normalized() (Spec, error) {
	f, err := ParseFamily(string(s.Family))
	if err != nil {
		return Spec{}, err
	}
	out := Spec{Family: f}
	switch f {
	case FamilyExponential:
		out.Rate = s.Rate
	case FamilyLogNormal:
		out.Mu, out.Sigma = s.Mu, s.Sigma
	default:
		out.Shape, out.Scale = s.Shape, s.Scale
	}
	return out, nil
}

// String renders s for logs.
func (s Spec) String() string {
	switch s.Family {
	case FamilyExponential:
		return fmt.Sprintf("exponential(rate=%g)", s.Rate)
	case FamilyLogNormal:
		return fmt.Sprintf("lognormal(mu=%g, sigma=%g)", s.Mu, s.Sigma)
	case FamilyWeibull:
		return fmt.Sprintf("weibull(shape=%g, scale=%g)", s.Shape, s.Scale)
	default:
		return fmt.Sprintf("gamma(shape=%g, scale=%g)", s.Shape, s.Scale)
	}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

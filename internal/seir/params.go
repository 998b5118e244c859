package seir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"

	"github.com/linnemanlabs/useir/internal/dwell"
)

// Params is the per-run input: one dwell-time law per active stage and R0.
type Params struct {
	Exposed  dwell.Spec `json:"exposed"`
	Infected dwell.Spec `json:"infected"`
	R0       float64    `json:"r0"`
}

// DefaultParams returns the reference scenario: Gamma(5.5, 1) incubation,
// Gamma(6.5, 1) infectious period and R0 = 3.5.
func DefaultParams() Params {
	return Params{
		Exposed:  dwell.GammaSpec(5.5, 1),
		Infected: dwell.GammaSpec(6.5, 1),
		R0:       3.5,
	}
}

// RegisterFlags binds the five scalar parameters and the optional family
// selectors to fs.
func (p *Params) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultParams()
	*p = d
	registerStage(fs, &p.Exposed, "exposed", "ti")
	registerStage(fs, &p.Infected, "infected", "tr")
	fs.Float64Var(&p.R0, "r0", d.R0, "basic reproduction number (>=0)")
}

func registerStage(fs *flag.FlagSet, s *dwell.Spec, stage, short string) {
	fs.Func(stage+"-family", fmt.Sprintf("%s dwell-time family (gamma, exponential, weibull, lognormal)", stage), func(v string) error {
		f, err := dwell.ParseFamily(v)
		if err != nil {
			return err
		}
		s.Family = f
		return nil
	})
	fs.Float64Var(&s.Shape, short+"-shape", s.Shape, stage+" dwell-time shape (gamma, weibull)")
	fs.Float64Var(&s.Scale, short+"-scale", s.Scale, stage+" dwell-time scale (gamma, weibull)")
	fs.Float64Var(&s.Rate, stage+"-rate", s.Rate, stage+" dwell-time rate (exponential)")
	fs.Float64Var(&s.Mu, stage+"-mu", s.Mu, stage+" dwell-time log-mean (lognormal)")
	fs.Float64Var(&s.Sigma, stage+"-sigma", s.Sigma, stage+" dwell-time log-sd (lognormal)")
}

// Normalized resolves families and clears fields the families ignore.
func (p Params) Normalized() (Params, error) {
	e, err := p.Exposed.Normalized()
	if err != nil {
		return Params{}, fmt.Errorf("%w: exposed: %w", ErrInvalidParams, err)
	}
	i, err := p.Infected.Normalized()
	if err != nil {
		return Params{}, fmt.Errorf("%w: infected: %w", ErrInvalidParams, err)
	}
	return Params{Exposed: e, Infected: i, R0: p.R0}, nil
}

// Validate checks that both laws can be built and R0 is a finite non-negative number.
func (p Params) Validate() error {
	var errs []error
	if _, err := p.Exposed.Law(); err != nil {
		errs = append(errs, fmt.Errorf("exposed: %w", err))
	}
	if _, err := p.Infected.Law(); err != nil {
		errs = append(errs, fmt.Errorf("infected: %w", err))
	}
	if !(p.R0 >= 0) || math.IsInf(p.R0, 0) {
		errs = append(errs, fmt.Errorf("invalid R0 %v (must be >= 0)", p.R0))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return nil
}

// ValidateFor is Validate plus a check that both stages discretize within
// dwell.MaxCompartments at cfg's step and tolerance.
func (p Params) ValidateFor(cfg Config) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, st := range []struct {
		name string
		spec dwell.Spec
	}{{"exposed", p.Exposed}, {"infected", p.Infected}} {
		law, err := st.spec.Law()
		if err == nil {
			_, err = dwell.Compartments(law, cfg.Eps, cfg.Tol)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return nil
}

// Fingerprint identifies a (Params, Config) pair. Runs are deterministic, so
// equal fingerprints produce identical trajectories.
func Fingerprint(p Params, cfg Config) (string, error) {
	np, err := p.Normalized()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(struct {
		Params Params `json:"params"`
		Config Config `json:"config"`
	}{np, cfg})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

package seir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/useir/internal/dwell"
)

var tracer = otel.Tracer("github.com/linnemanlabs/useir/internal/seir")

// Outcome labels how a run ended.
type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeCapped    Outcome = "capped"
	OutcomeFailed    Outcome = "failed"
)

// CompleteEvent is passed to EngineHooks.OnComplete once per run.
type CompleteEvent struct {
	Outcome  Outcome
	Steps    int
	Duration float64 // wall-clock seconds
}

// EngineHooks are optional callbacks, used by main to feed metrics.
type EngineHooks struct {
	OnDiscretize func(stage string, n int, mass float64)
	OnComplete   func(e *CompleteEvent)
}

// Result is the output of Engine.Run.
type Result struct {
	Trajectory *Trajectory
	Summary    Summary
	Exposed    dwell.Transition
	Infected   dwell.Transition
}

// Engine discretizes both stages and runs the propagator. It holds no run
// state and is safe for concurrent use.
type Engine struct {
	logger log.Logger
	hooks  EngineHooks
}

// NewEngine creates an Engine. A nil logger is replaced with a no-op one.
func NewEngine(logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{logger: logger, hooks: hooks}
}

// Discretize builds the transition vector of one stage.
func (e *Engine) Discretize(stage string, spec dwell.Spec, cfg Config) (dwell.Transition, dwell.Law, error) {
	law, err := spec.Law()
	if err != nil {
		return dwell.Transition{}, nil, fmt.Errorf("%w: %s: %w", ErrInvalidParams, stage, err)
	}
	tr, err := dwell.Discretize(law, cfg.Eps, cfg.Tol)
	if err != nil {
		return dwell.Transition{}, nil, fmt.Errorf("%w: %s: %w", ErrInvalidParams, stage, err)
	}
	if e.hooks.OnDiscretize != nil {
		e.hooks.OnDiscretize(stage, tr.N, tr.Mass())
	}
	return tr, law, nil
}

// Run validates p and cfg, discretizes both stages and simulates. On a
// numerical failure the partial trajectory is returned alongside the error.
func (e *Engine) Run(ctx context.Context, p Params, cfg Config) (*Result, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "seir.simulate", trace.WithAttributes(
		attribute.Float64("useir.r0", p.R0),
		attribute.Float64("useir.eps", cfg.Eps),
		attribute.Float64("useir.tol", cfg.Tol),
		attribute.String("useir.exposed.law", p.Exposed.String()),
		attribute.String("useir.infected.law", p.Infected.String()),
	))
	defer span.End()

	res, err := e.run(ctx, p, cfg)

	ev := &CompleteEvent{Duration: time.Since(start).Seconds()}
	switch {
	case err != nil:
		ev.Outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Trajectory.Converged:
		ev.Outcome = OutcomeConverged
	default:
		ev.Outcome = OutcomeCapped
	}
	if res != nil && res.Trajectory != nil {
		ev.Steps = len(res.Trajectory.Rows)
	}
	span.SetAttributes(
		attribute.String("useir.outcome", string(ev.Outcome)),
		attribute.Int("useir.steps", ev.Steps),
	)
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(ev)
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, p Params, cfg Config) (*Result, error) {
	if err := errors.Join(cfg.Validate(), p.Validate()); err != nil {
		return nil, err
	}

	exposed, exposedLaw, err := e.Discretize("exposed", p.Exposed, cfg)
	if err != nil {
		return nil, err
	}
	infected, infectedLaw, err := e.Discretize("infected", p.Infected, cfg)
	if err != nil {
		return nil, err
	}

	meanInfected := infectedLaw.Mean()
	contactRate := p.R0 / meanInfected
	stepProb := contactRate * cfg.Eps

	L := e.logger.With("r0", p.R0, "eps", cfg.Eps)
	L.Info(ctx, "discretized dwell times",
		"tol", cfg.Tol,
		"exposed_law", p.Exposed.String(),
		"exposed_mean_days", exposedLaw.Mean(),
		"exposed_compartments", exposed.N,
		"infected_law", p.Infected.String(),
		"infected_mean_days", meanInfected,
		"infected_compartments", infected.N,
	)
	L.Info(ctx, "transmission",
		"contact_rate", contactRate,
		"step_prob", stepProb,
	)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("useir.exposed.n", exposed.N),
		attribute.Int("useir.infected.n", infected.N),
	)

	tr, err := Simulate(exposed, infected, p.R0, meanInfected, cfg)
	res := &Result{Trajectory: tr, Exposed: exposed, Infected: infected}
	if tr != nil {
		res.Summary = tr.Summary()
		res.Summary.ExposedN = exposed.N
		res.Summary.InfectedN = infected.N
		res.Summary.R0 = p.R0
		res.Summary.StepProb = stepProb
	}
	if err != nil {
		var ne *NumericalError
		if errors.As(err, &ne) {
			L.Error(ctx, err, "simulation aborted",
				"step", ne.Step,
				"t", ne.T,
				"compartment", ne.Compartment,
				"value", ne.Value,
			)
		}
		return res, err
	}

	if !tr.Converged {
		L.Warn(ctx, "simulation hit step cap before burnout",
			"max_steps", cfg.MaxSteps,
			"exposed_total", tr.Rows[len(tr.Rows)-1].E,
			"infected_total", tr.Rows[len(tr.Rows)-1].I,
		)
	}

	L.Info(ctx, "simulation complete",
		"steps", res.Summary.Steps,
		"days", res.Summary.Days,
		"converged", tr.Converged,
		"peak_i", res.Summary.PeakI,
		"peak_i_t", res.Summary.PeakIT,
		"final_r", res.Summary.FinalR,
		"mass_loss", res.Summary.MassLoss,
	)
	return res, nil
}

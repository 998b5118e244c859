package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/useir/internal/seir"
)

// ErrNotFinished is returned by Trajectory while a run is pending or in progress.
var ErrNotFinished = errors.New("run not finished")

// SubmitResult is the outcome of submitting a parameter set.
type SubmitResult struct {
	ID     string
	Status Status
	// Existing is true when an identical run was reused instead of started.
	Existing bool
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// Config holds the numeric constants applied to every run.
	Config seir.Config
	// MaxConcurrent bounds the number of simulations executing at once.
	MaxConcurrent int64
	// RunContext decorates the detached context each run executes under,
	// for example to label its database queries.
	RunContext func(context.Context) context.Context
}

const defaultMaxConcurrent = 4

// Service is the business boundary for run operations.
type Service struct {
	store    Store
	engine   *seir.Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier

	cfg    seir.Config
	sem    *semaphore.Weighted
	runCtx func(context.Context) context.Context

	// submitMu guards the dedup check, the insert and active
	submitMu sync.Mutex
	active   map[string]struct{} // IDs of runs this process is executing
	wg       sync.WaitGroup
}

// NewService creates a run service. metrics and notifier may be nil.
func NewService(store Store, engine *seir.Engine, logger log.Logger, metrics *Metrics, notifier Notifier, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("run store is required"))
	}
	if engine == nil {
		panic(xerrors.New("seir engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Config == (seir.Config{}) {
		opts.Config = seir.DefaultConfig()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		cfg:      opts.Config,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		runCtx:   opts.RunContext,
		active:   make(map[string]struct{}),
	}
}

// Config returns the numeric constants applied to submitted runs.
func (s *Service) Config() seir.Config {
	return s.cfg
}

// Submit validates p and schedules a simulation. A complete run with the same
// fingerprint, or a pending or running one this process is executing, is
// returned instead of starting a new one. Failed runs are retried, as are
// unfinished runs nobody is executing (a lost status write or a restart).
func (s *Service) Submit(ctx context.Context, p seir.Params) (*SubmitResult, error) {
	np, err := p.Normalized()
	if err == nil {
		err = np.ValidateFor(s.cfg)
	}
	if err != nil {
		s.observeSubmit("invalid")
		return nil, err
	}

	fp, err := seir.Fingerprint(np, s.cfg)
	if err != nil {
		s.observeSubmit("invalid")
		return nil, err
	}

	// serialize dedup check and insert so concurrent identical submits share one run
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		s.observeSubmit("error")
		return nil, err
	} else if ok && s.reusable(existing) {
		s.observeSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Status: existing.Status, Existing: true}, nil
	} else if ok && existing.Status != StatusFailed {
		s.logger.Warn(ctx, "replacing stale run", "run_id", existing.ID, "status", existing.Status)
	}

	id := ulid.Make().String()
	r := &Run{
		ID:          id,
		Fingerprint: fp,
		Status:      StatusPending,
		Params:      np,
		Config:      s.cfg,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Put(ctx, r); err != nil {
		s.observeSubmit("error")
		return nil, err
	}

	// the goroutine gets its own copy, r is not shared with the caller
	runCtx := context.WithoutCancel(ctx)
	if s.runCtx != nil {
		runCtx = s.runCtx(runCtx)
	}
	s.active[id] = struct{}{}
	s.wg.Add(1)
	go s.execute(runCtx, *r)

	s.observeSubmit("accepted")
	return &SubmitResult{ID: id, Status: StatusPending}, nil
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// Trajectory returns a run and its stored rows. It returns ErrNotFinished
// while the run has not reached a terminal status.
func (s *Service) Trajectory(ctx context.Context, id string) (*Run, []seir.Row, bool, error) {
	r, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	if !r.Status.Terminal() {
		return r, nil, true, ErrNotFinished
	}
	rows, _, err := s.store.Trajectory(ctx, id)
	if err != nil {
		return nil, nil, false, err
	}
	return r, rows, true, nil
}

// Wait blocks until every dispatched run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

// reusable reports whether a stored run with a matching fingerprint will
// produce (or has produced) a result. Caller holds submitMu.
func (s *Service) reusable(r *Run) bool {
	switch r.Status {
	case StatusComplete:
		return true
	case StatusPending, StatusInProgress:
		_, ok := s.active[r.ID]
		return ok
	default:
		return false
	}
}

func (s *Service) execute(ctx context.Context, r Run) {
	defer s.wg.Done()
	defer func() {
		s.submitMu.Lock()
		delete(s.active, r.ID)
		s.submitMu.Unlock()
	}()

	L := s.logger.With("run_id", r.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.fail(ctx, L, &r, fmt.Errorf("acquire run slot: %w", err))
		return
	}
	defer s.sem.Release(1)

	if s.metrics != nil {
		s.metrics.RunsInFlight.Inc()
		defer s.metrics.RunsInFlight.Dec()
	}

	r.Status = StatusInProgress
	r.StartedAt = time.Now().UTC()
	if err := s.store.Put(ctx, &r); err != nil {
		s.fail(ctx, L, &r, fmt.Errorf("update status to in_progress: %w", err))
		return
	}

	res, runErr := s.engine.Run(ctx, r.Params, r.Config)

	r.CompletedAt = time.Now().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt).Seconds()

	// partial rows from a numerical failure are kept for inspection
	if res != nil && res.Trajectory != nil {
		r.Summary = res.Summary
		if err := s.store.PutTrajectory(ctx, r.ID, res.Trajectory.Rows); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("persist trajectory: %w", err))
		} else {
			r.Rows = len(res.Trajectory.Rows)
		}
	}

	switch {
	case runErr != nil:
		r.Status = StatusFailed
		r.Outcome = seir.OutcomeFailed
		r.Error = runErr.Error()
	case res.Trajectory.Converged:
		r.Status = StatusComplete
		r.Outcome = seir.OutcomeConverged
	default:
		r.Status = StatusComplete
		r.Outcome = seir.OutcomeCapped
	}

	if err := s.store.Put(ctx, &r); err != nil {
		s.fail(ctx, L, &r, fmt.Errorf("persist run result: %w", err))
		return
	}

	s.notify(ctx, L, &r)

	L.Info(ctx, "run finished",
		"status", r.Status,
		"outcome", r.Outcome,
		"duration", r.Duration,
		"rows", r.Rows,
	)
}

// fail records err on r and makes one attempt to store it as failed. If that
// write is lost too, the run is no longer active and Submit replaces it.
func (s *Service) fail(ctx context.Context, L log.Logger, r *Run, err error) {
	L.Error(ctx, err, "run failed before completion")

	r.Status = StatusFailed
	r.Outcome = seir.OutcomeFailed
	r.Error = err.Error()
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	if perr := s.store.Put(ctx, r); perr != nil {
		L.Error(ctx, perr, "failed to mark run failed")
		return
	}
	s.notify(ctx, L, r)
}

func (s *Service) notify(ctx context.Context, L log.Logger, r *Run) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, r); err != nil {
		L.Warn(ctx, "failed to send run notification", "error", err)
	}
}

func (s *Service) observeSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

package run

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/useir/internal/dwell"
	"github.com/linnemanlabs/useir/internal/seir"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu      sync.Mutex
	runs    map[string]*Run
	seen    map[string]string
	rows    map[string][]seir.Row
	putErr  error
	getErr  error
	rowsErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs: make(map[string]*Run),
		seen: make(map[string]string),
		rows: make(map[string][]seir.Row),
	}
}

func (m *mockStore) Get(_ context.Context, id string) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *mockStore) GetByFingerprint(_ context.Context, fp string) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	id, ok := m.seen[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *m.runs[id]
	return &cp, true, nil
}

func (m *mockStore) Put(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := *r
	m.runs[r.ID] = &cp
	m.seen[r.Fingerprint] = r.ID
	return nil
}

func (m *mockStore) PutTrajectory(_ context.Context, id string, rows []seir.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rowsErr != nil {
		return m.rowsErr
	}
	m.rows[id] = append([]seir.Row(nil), rows...)
	return nil
}

func (m *mockStore) Trajectory(_ context.Context, id string) ([]seir.Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.rows[id]
	return rows, ok, nil
}

// mockNotifier records every run it is sent.
type mockNotifier struct {
	mu   sync.Mutex
	runs []Run
	err  error
}

func (n *mockNotifier) Send(_ context.Context, r *Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, *r)
	return n.err
}

func (n *mockNotifier) sent() []Run {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Run(nil), n.runs...)
}

func fastConfig() seir.Config {
	cfg := seir.DefaultConfig()
	cfg.Eps = 0.1
	cfg.MaxSteps = 2100
	return cfg
}

func quietParams() seir.Params {
	p := seir.DefaultParams()
	p.R0 = 0
	return p
}

func newTestService(t *testing.T, store Store, m *Metrics, n Notifier, cfg seir.Config) *Service {
	t.Helper()
	var engineHooks seir.EngineHooks
	if m != nil {
		engineHooks = m.Hooks()
	}
	return NewService(store, seir.NewEngine(log.Nop(), engineHooks), log.Nop(), m, n, Options{Config: cfg, MaxConcurrent: 2})
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(t, store, nil, notifier, fastConfig())

	sr, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.ID == "" || sr.Existing || sr.Status != StatusPending {
		t.Fatalf("SubmitResult = %+v, want new pending run", sr)
	}
	waitIdle(t, svc)

	r, ok, err := svc.Get(context.Background(), sr.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if r.Status != StatusComplete {
		t.Errorf("Status = %q, want %q", r.Status, StatusComplete)
	}
	if r.Outcome != seir.OutcomeConverged {
		t.Errorf("Outcome = %q, want %q", r.Outcome, seir.OutcomeConverged)
	}
	if r.StartedAt.IsZero() || r.CompletedAt.Before(r.StartedAt) {
		t.Errorf("timestamps started=%v completed=%v", r.StartedAt, r.CompletedAt)
	}
	if r.Summary.Steps != r.Rows || r.Rows == 0 {
		t.Errorf("Summary.Steps = %d, Rows = %d, want equal and non-zero", r.Summary.Steps, r.Rows)
	}

	got, rows, ok, err := svc.Trajectory(context.Background(), sr.ID)
	if err != nil || !ok {
		t.Fatalf("Trajectory: ok=%v err=%v", ok, err)
	}
	if got.ID != sr.ID || len(rows) != r.Rows {
		t.Errorf("Trajectory rows = %d, want %d", len(rows), r.Rows)
	}

	sent := notifier.sent()
	if len(sent) != 1 || sent[0].ID != sr.ID || sent[0].Status != StatusComplete {
		t.Errorf("notifications = %+v, want one complete run", sent)
	}
}

func TestSubmit_InvalidParams(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, nil, nil, fastConfig())

	p := seir.DefaultParams()
	p.R0 = -1
	if _, err := svc.Submit(context.Background(), p); !errors.Is(err, seir.ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}

	p = seir.DefaultParams()
	p.Exposed.Family = "cauchy"
	if _, err := svc.Submit(context.Background(), p); !errors.Is(err, seir.ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}

	// too many sub-compartments at the service's step size
	p = seir.DefaultParams()
	p.Infected = dwell.GammaSpec(1e6, 1)
	if _, err := svc.Submit(context.Background(), p); !errors.Is(err, seir.ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}

	if len(store.runs) != 0 {
		t.Errorf("stored runs = %d, want 0", len(store.runs))
	}
}

func TestSubmit_DedupReusesRun(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, nil, nil, fastConfig())

	first, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// same law spelled differently
	p := quietParams()
	p.Exposed.Family = "Gamma"
	second, err := svc.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !second.Existing || second.ID != first.ID {
		t.Errorf("second submit = %+v, want reuse of %s", second, first.ID)
	}

	waitIdle(t, svc)

	third, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !third.Existing || third.ID != first.ID || third.Status != StatusComplete {
		t.Errorf("submit after completion = %+v, want complete %s", third, first.ID)
	}
}

func TestSubmit_RetriesFailedRun(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	cfg := fastConfig()
	fp, err := seir.Fingerprint(quietParams(), cfg)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	store.runs["old"] = &Run{ID: "old", Fingerprint: fp, Status: StatusFailed}
	store.seen[fp] = "old"

	svc := newTestService(t, store, nil, nil, cfg)
	sr, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Existing || sr.ID == "old" {
		t.Errorf("SubmitResult = %+v, want a fresh run", sr)
	}
	waitIdle(t, svc)
}

func TestSubmit_CappedRunIsComplete(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxSteps = 10
	store := newMockStore()
	svc := newTestService(t, store, nil, nil, cfg)

	sr, err := svc.Submit(context.Background(), seir.DefaultParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, svc)

	r, _, _ := svc.Get(context.Background(), sr.ID)
	if r.Status != StatusComplete || r.Outcome != seir.OutcomeCapped {
		t.Errorf("status/outcome = %s/%s, want complete/capped", r.Status, r.Outcome)
	}
	if r.Rows != cfg.MaxSteps+1 {
		t.Errorf("Rows = %d, want %d", r.Rows, cfg.MaxSteps+1)
	}
	if r.Summary.Converged {
		t.Error("Summary.Converged = true, want false")
	}
}

func TestSubmit_NumericalFailureKeepsPartialRows(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(t, store, nil, notifier, fastConfig())

	p := seir.DefaultParams()
	p.R0 = 1e9
	sr, err := svc.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, svc)

	r, rows, ok, err := svc.Trajectory(context.Background(), sr.ID)
	if err != nil || !ok {
		t.Fatalf("Trajectory: ok=%v err=%v", ok, err)
	}
	if r.Status != StatusFailed || r.Outcome != seir.OutcomeFailed {
		t.Errorf("status/outcome = %s/%s, want failed/failed", r.Status, r.Outcome)
	}
	if !strings.Contains(r.Error, "compartment S") {
		t.Errorf("Error = %q, want the violating compartment", r.Error)
	}
	if len(rows) != 1 || r.Rows != 1 {
		t.Errorf("rows = %d (Run.Rows %d), want 1 partial row", len(rows), r.Rows)
	}
	if sent := notifier.sent(); len(sent) != 1 || sent[0].Status != StatusFailed {
		t.Errorf("notifications = %+v, want one failed run", sent)
	}
}

func TestSubmit_TrajectoryPersistFailureFailsRun(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.rowsErr = errors.New("disk full")
	svc := newTestService(t, store, nil, nil, fastConfig())

	sr, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, svc)

	r, _, _ := svc.Get(context.Background(), sr.ID)
	if r.Status != StatusFailed || !strings.Contains(r.Error, "disk full") {
		t.Errorf("run = %s %q, want failed with persist error", r.Status, r.Error)
	}
	if r.Rows != 0 {
		t.Errorf("Rows = %d, want 0", r.Rows)
	}
}

func TestSubmit_StoreErrors(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.putErr = errors.New("db down")
	svc := newTestService(t, store, nil, nil, fastConfig())
	if _, err := svc.Submit(context.Background(), quietParams()); err == nil {
		t.Error("expected error when Put fails")
	}

	store = newMockStore()
	store.getErr = errors.New("db down")
	svc = newTestService(t, store, nil, nil, fastConfig())
	if _, err := svc.Submit(context.Background(), quietParams()); err == nil {
		t.Error("expected error when GetByFingerprint fails")
	}
}

func TestTrajectory_NotFinished(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.runs["p"] = &Run{ID: "p", Status: StatusPending}
	svc := newTestService(t, store, nil, nil, fastConfig())

	_, _, ok, err := svc.Trajectory(context.Background(), "p")
	if !ok || !errors.Is(err, ErrNotFinished) {
		t.Errorf("ok=%v err=%v, want ok and ErrNotFinished", ok, err)
	}

	_, _, ok, err = svc.Trajectory(context.Background(), "missing")
	if ok || err != nil {
		t.Errorf("ok=%v err=%v, want not found", ok, err)
	}
}

func TestService_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc := newTestService(t, newMockStore(), m, nil, fastConfig())

	if _, err := svc.Submit(context.Background(), quietParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), quietParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	bad := seir.DefaultParams()
	bad.R0 = -1
	_, _ = svc.Submit(context.Background(), bad)
	waitIdle(t, svc)

	for result, want := range map[string]float64{"accepted": 1, "duplicate": 1, "invalid": 1} {
		if got := testutil.ToFloat64(m.SubmitsTotal.WithLabelValues(result)); got != want {
			t.Errorf("submits{result=%q} = %v, want %v", result, got, want)
		}
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(string(seir.OutcomeConverged))); got != 1 {
		t.Errorf("runs{status=converged} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsInFlight); got != 0 {
		t.Errorf("runs_in_flight = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.Subcompartments); n != 2 {
		t.Errorf("subcompartment series = %d, want 2", n)
	}
}

func TestNewService_PanicsWithoutStore(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil store")
		}
	}()
	NewService(nil, seir.NewEngine(nil, seir.EngineHooks{}), nil, nil, nil, Options{})
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := map[Status]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusComplete:   true,
		StatusFailed:     true,
	}
	for s, want := range tests {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

type runCtxKey struct{}

// ctxNotifier records a value from the context runs are notified under.
type ctxNotifier struct {
	mu  sync.Mutex
	got []any
}

func (n *ctxNotifier) Send(ctx context.Context, _ *Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, ctx.Value(runCtxKey{}))
	return nil
}

func TestSubmit_RunContextDecoratesExecution(t *testing.T) {
	t.Parallel()

	n := &ctxNotifier{}
	svc := NewService(newMockStore(), seir.NewEngine(log.Nop(), seir.EngineHooks{}), log.Nop(), nil, n, Options{
		Config: fastConfig(),
		RunContext: func(ctx context.Context) context.Context {
			return context.WithValue(ctx, runCtxKey{}, "runner")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Submit(ctx, quietParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// the run must outlive the submitting request
	cancel()
	waitIdle(t, svc)

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.got) != 1 || n.got[0] != "runner" {
		t.Errorf("notifier saw context values %v, want [runner]", n.got)
	}
}

// statusFailStore fails the next n Puts of a given status.
type statusFailStore struct {
	*mockStore
	failMu sync.Mutex
	fail   map[Status]int
}

func (f *statusFailStore) Put(ctx context.Context, r *Run) error {
	f.failMu.Lock()
	if f.fail[r.Status] > 0 {
		f.fail[r.Status]--
		f.failMu.Unlock()
		return errors.New("connection reset")
	}
	f.failMu.Unlock()
	return f.mockStore.Put(ctx, r)
}

func TestExecute_LostInProgressWriteMarksFailed(t *testing.T) {
	t.Parallel()

	store := &statusFailStore{mockStore: newMockStore(), fail: map[Status]int{StatusInProgress: 1}}
	notifier := &mockNotifier{}
	svc := newTestService(t, store, nil, notifier, fastConfig())

	first, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, svc)

	r, ok, _ := svc.Get(context.Background(), first.ID)
	if !ok || r.Status != StatusFailed || r.Outcome != seir.OutcomeFailed {
		t.Fatalf("run = %+v, want failed", r)
	}
	if !strings.Contains(r.Error, "in_progress") {
		t.Errorf("Error = %q, want the failed status write", r.Error)
	}
	if sent := notifier.sent(); len(sent) != 1 || sent[0].Status != StatusFailed {
		t.Errorf("notifications = %+v, want one failed run", sent)
	}

	second, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if second.Existing || second.ID == first.ID {
		t.Errorf("resubmit = %+v, want a fresh run", second)
	}
	waitIdle(t, svc)

	if r, _, _ := svc.Get(context.Background(), second.ID); r.Status != StatusComplete {
		t.Errorf("retried run status = %s, want complete", r.Status)
	}
}

func TestSubmit_ReplacesStaleRuns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail map[Status]int
	}{
		// every write after the insert is lost, the store keeps pending
		{"stuck pending", map[Status]int{StatusInProgress: 1, StatusFailed: 1}},
		// the result and the failure marker are lost, the store keeps in_progress
		{"stuck in progress", map[Status]int{StatusComplete: 1, StatusFailed: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &statusFailStore{mockStore: newMockStore(), fail: tt.fail}
			svc := newTestService(t, store, nil, nil, fastConfig())

			first, err := svc.Submit(context.Background(), quietParams())
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitIdle(t, svc)

			if r, _, _ := svc.Get(context.Background(), first.ID); r.Status.Terminal() {
				t.Fatalf("status = %s, want a stuck non-terminal run", r.Status)
			}

			second, err := svc.Submit(context.Background(), quietParams())
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if second.Existing || second.ID == first.ID {
				t.Errorf("resubmit = %+v, want a fresh run", second)
			}
			waitIdle(t, svc)

			if r, _, _ := svc.Get(context.Background(), second.ID); r.Status != StatusComplete {
				t.Errorf("new run status = %s, want complete", r.Status)
			}
		})
	}
}

func TestSubmit_ReplacesRunLeftByPreviousProcess(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	fp, err := seir.Fingerprint(quietParams(), cfg)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	store := newMockStore()
	store.runs["orphan"] = &Run{ID: "orphan", Fingerprint: fp, Status: StatusInProgress}
	store.seen[fp] = "orphan"

	svc := newTestService(t, store, nil, nil, cfg)
	sr, err := svc.Submit(context.Background(), quietParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sr.Existing || sr.ID == "orphan" {
		t.Errorf("SubmitResult = %+v, want a fresh run", sr)
	}
	waitIdle(t, svc)
}

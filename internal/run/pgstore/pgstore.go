// Package pgstore provides a PostgreSQL implementation of run.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

var tracer = otel.Tracer("github.com/linnemanlabs/useir/internal/run/pgstore")

//go:embed schema.sql
var schema string

// Store persists runs and trajectories in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool and closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `id, fingerprint, status, outcome, params, config, summary, error,
	created_at, started_at, completed_at, duration_s, row_count`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*run.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetByFingerprint retrieves the most recent run for a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*run.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM runs WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or updates a run.
func (s *Store) Put(ctx context.Context, r *run.Run) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	params, err := json.Marshal(r.Params)
	if err != nil {
		return fail(span, fmt.Errorf("marshal params: %w", err))
	}
	config, err := json.Marshal(r.Config)
	if err != nil {
		return fail(span, fmt.Errorf("marshal config: %w", err))
	}
	var summary []byte
	if r.Summary != (seir.Summary{}) {
		if summary, err = json.Marshal(r.Summary); err != nil {
			return fail(span, fmt.Errorf("marshal summary: %w", err))
		}
	}

	query := `INSERT INTO runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
		fingerprint  = EXCLUDED.fingerprint,
		status       = EXCLUDED.status,
		outcome      = EXCLUDED.outcome,
		params       = EXCLUDED.params,
		config       = EXCLUDED.config,
		summary      = EXCLUDED.summary,
		error        = EXCLUDED.error,
		started_at   = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		duration_s   = EXCLUDED.duration_s,
		row_count    = EXCLUDED.row_count`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.Fingerprint, string(r.Status), string(r.Outcome), params, config, summary, r.Error,
		r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt), r.Duration, r.Rows,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// PutTrajectory replaces the stored rows of a run in one transaction, using
// COPY for the bulk insert.
func (s *Store) PutTrajectory(ctx context.Context, runID string, rows []seir.Row) error {
	ctx, span := startSpan(ctx, "pgstore.PutTrajectory", "COPY")
	defer span.End()
	span.SetAttributes(attribute.Int("useir.rows", len(rows)))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM run_rows WHERE run_id = $1`, runID); err != nil {
		return fail(span, fmt.Errorf("delete rows: %w", err))
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"run_rows"},
		[]string{"run_id", "step", "t", "s", "e", "i", "r"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{runID, i, r.T, r.S, r.E, r.I, r.R}, nil
		}),
	)
	if err != nil {
		return fail(span, fmt.Errorf("copy rows: %w", err))
	}
	if n != int64(len(rows)) {
		return fail(span, fmt.Errorf("copy rows: wrote %d of %d", n, len(rows)))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Trajectory returns the stored rows of a run ordered by step.
func (s *Store) Trajectory(ctx context.Context, runID string) ([]seir.Row, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Trajectory", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT t, s, e, i, r FROM run_rows WHERE run_id = $1 ORDER BY step`, runID)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("query rows: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (seir.Row, error) {
		var r seir.Row
		err := row.Scan(&r.T, &r.S, &r.E, &r.I, &r.R)
		return r, err
	})
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("scan rows: %w", err))
	}
	span.SetAttributes(attribute.Int("useir.rows", len(out)))
	return out, len(out) > 0, nil
}

// scanRun scans a single row into a run.Run. Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r           run.Run
		status      string
		outcome     string
		params      []byte
		config      []byte
		summary     []byte
		startedAt   *time.Time
		completedAt *time.Time
	)

	err := row.Scan(
		&r.ID, &r.Fingerprint, &status, &outcome, &params, &config, &summary, &r.Error,
		&r.CreatedAt, &startedAt, &completedAt, &r.Duration, &r.Rows,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = run.Status(status)
	r.Outcome = seir.Outcome(outcome)
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal(config, &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &r.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return &r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

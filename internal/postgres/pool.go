// Package postgres builds the instrumented connection pool shared by the
// Postgres-backed stores, and exposes per-query metrics and request stats.
package postgres

import (
	"context"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

// NewPool parses databaseURL, installs the otelpgx tracer wrapped with query
// logging and metrics, and returns a pool that has answered a ping.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(otelpgx.WithIncludeQueryParameters()))

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		log.FromContext(ctx).Warn(ctx, "pool stats not recorded", "error", err)
	}
	return pool, nil
}

// Middleware tags queries with the request method and logs the request's
// database totals once the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithOrigin(r.Context(), r.Method)
		ctx = NewReqDBStatsContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))

		s, _ := ReqDBStatsFromContext(ctx)
		queries, total, errs, copied := s.Snapshot()
		if queries == 0 {
			return
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.queries", queries,
			"db.duration", total.Seconds(),
			"db.errors", errs,
			"db.copied_rows", copied,
		)
	})
}

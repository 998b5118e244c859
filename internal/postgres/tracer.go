package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

// context keys for query metadata.
type ctxKey string

const (
	ctxKeySQL     ctxKey = "pgx.sql"
	ctxKeyArgs    ctxKey = "pgx.args"
	ctxKeyStart   ctxKey = "pgx.start"
	ctxKeyCaller  ctxKey = "db.caller"
	ctxKeyHandler ctxKey = "db.handler"
	ctxKeyOrigin  ctxKey = "db.origin"
)

// OriginRunner labels queries issued by background simulation runs.
const OriginRunner = "runner"

// maxLoggedArgs bounds the args attached to a query log line.
const maxLoggedArgs = 16

type dbStatsKey struct{}

type queryObserverHolder struct{ QueryObserver }

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
	CopiedRows    int64
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration) {
	f(ctx, origin, route, outcome, dur)
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// AddCopy records a bulk COPY and the rows it wrote.
func (s *ReqDBStats) AddCopy(dur time.Duration, rows int64, err error) {
	s.AddQuery(dur, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CopiedRows += rows
}

// Snapshot returns the current counters.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int, copied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount, s.CopiedRows
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

// WithOrigin labels queries issued under ctx: the HTTP method for request
// handlers or OriginRunner for background runs.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOrigin).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// loggingTracer wraps otelpgx and adds a structured log line, per-request
// stats and the query observer to every query and COPY.
type loggingTracer struct {
	inner pgx.QueryTracer
}

var (
	_ pgx.QueryTracer    = loggingTracer{}
	_ pgx.CopyFromTracer = loggingTracer{}
)

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer) loggingTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeySQL, data.SQL)
	ctx = context.WithValue(ctx, ctxKeyArgs, data.Args)
	return annotateStart(ctx)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span ends with the query
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	dur := sinceStart(ctx)
	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	observe(ctx, dur, data.Err)

	sql, _ := ctx.Value(ctxKeySQL).(string)
	args, _ := ctx.Value(ctxKeyArgs).([]any)
	if len(args) > maxLoggedArgs {
		args = args[:maxLoggedArgs]
	}
	fields := []any{
		"db.statement", sql,
		"db.args", args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	logEnd(ctx, "db query", data.Err, fields)
}

func (t loggingTracer) TraceCopyFromStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceCopyFromStartData) context.Context {
	if ct, ok := t.inner.(pgx.CopyFromTracer); ok {
		ctx = ct.TraceCopyFromStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeySQL, "COPY "+data.TableName.Sanitize()+" ("+strings.Join(data.ColumnNames, ", ")+")")
	return annotateStart(ctx)
}

func (t loggingTracer) TraceCopyFromEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceCopyFromEndData) {
	if ct, ok := t.inner.(pgx.CopyFromTracer); ok {
		ct.TraceCopyFromEnd(ctx, conn, data)
	}

	dur := sinceStart(ctx)
	rows := data.CommandTag.RowsAffected()
	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddCopy(dur, rows, data.Err)
	}
	observe(ctx, dur, data.Err)

	sql, _ := ctx.Value(ctxKeySQL).(string)
	logEnd(ctx, "db copy", data.Err, []any{
		"db.statement", sql,
		"db.operation.name", "COPY",
		"db.duration", dur.Seconds(),
		"db.rows", rows,
	})
}

// annotateStart records the start time and the app frames issuing the query,
// and copies them onto the span the inner tracer opened.
func annotateStart(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, ctxKeyStart, time.Now())

	caller, handler := findDBCallerAndHandler()
	attrs := make([]attribute.KeyValue, 0, 2)
	if caller != "" {
		ctx = context.WithValue(ctx, ctxKeyCaller, caller)
		attrs = append(attrs, attribute.String("db.caller", caller))
	}
	if handler != "" {
		ctx = context.WithValue(ctx, ctxKeyHandler, handler)
		attrs = append(attrs, attribute.String("db.handler", handler))
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx
}

func sinceStart(ctx context.Context) time.Duration {
	start, _ := ctx.Value(ctxKeyStart).(time.Time)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// observe feeds the query observer for every statement, logged or not.
func observe(ctx context.Context, dur time.Duration, err error) {
	obs := getQueryObserver()
	if obs == nil || dur <= 0 {
		return
	}
	origin := originFromContext(ctx)
	if origin == "" {
		origin = "unknown"
	}
	route := routePatternFromContext(ctx)
	if route == "" {
		route = "none"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveQuery(ctx, origin, route, outcome, dur)
}

func logEnd(ctx context.Context, msg string, err error, fields []any) {
	if caller, _ := ctx.Value(ctxKeyCaller).(string); caller != "" {
		fields = append(fields, "db.caller", caller)
	}
	if handler, _ := ctx.Value(ctxKeyHandler).(string); handler != "" {
		fields = append(fields, "db.handler", handler)
	}
	if origin := originFromContext(ctx); origin != "" {
		fields = append(fields, "db.origin", origin)
	}

	L := log.FromContext(ctx)
	if err == nil {
		L.Info(ctx, msg, fields...)
		return
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	L.Error(ctx, err, msg+" failed", fields...)
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store function actually issuing the query
//   - handler: the next meaningful frame above it (service, runner or handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	gotCaller := false
	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/jackc/puddle"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "internal/postgres."):
			// pgx, otelpgx and this package are noise
		case !gotCaller:
			caller = shortenFuncName(fn)
			gotCaller = true
		case strings.Contains(fn, "internal/run/pgstore."):
			// store helpers above the issuing frame
		default:
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}

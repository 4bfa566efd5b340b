package postgres

import (
	"context"
	"errors"
	"strings"
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

type queryObserverHolder struct{ QueryObserver }

// context keys for query labelling.
type ctxKey string

const (
	ctxKeyHTTPMethod ctxKey = "http.method"
	ctxKeyStage      ctxKey = "pipeline.stage"
)

// startKey carries the in-flight query from TraceQueryStart to TraceQueryEnd.
type startKey struct{}

type inflight struct {
	sql   string
	args  []any
	start time.Time
}

// Labels used when a query carries no HTTP method or origin.
const (
	workerMethod  = "WORKER"
	unknownOrigin = "unknown"
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// origin is the chi route pattern for API queries or the pipeline stage for
// queries issued by a worker.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, origin, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, origin, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, origin, outcome string, dur time.Duration) {
	f(ctx, method, origin, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

// WithStage tags the context with the pipeline stage issuing queries.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyStage, stage)
}

func stageFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyStage).(string)
	return v
}

// labels returns the method and origin a query is observed under. The chi
// route pattern wins over the pipeline stage.
func labels(ctx context.Context) (method, origin string) {
	method, _ = ctx.Value(ctxKeyHTTPMethod).(string)
	if method == "" {
		method = workerMethod
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		origin = rc.RoutePattern()
	}
	if origin == "" {
		origin = stageFromContext(ctx)
	}
	if origin == "" {
		origin = unknownOrigin
	}
	return method, origin
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line and an observer call for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	start := time.Now()
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if stage := stageFromContext(ctx); stage != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("opsflow.stage", stage))
		}
	}
	return context.WithValue(ctx, startKey{}, &inflight{sql: data.SQL, args: data.Args, start: start})
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span ends with the query
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(startKey{}).(*inflight)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if obs := getQueryObserver(); obs != nil {
		method, origin := labels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, origin, outcome, dur)
	}

	fields := queryFields(ctx, q, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(ctx context.Context, q *inflight, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", redactArgs(q.args),
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields,
			"db.operation.name", strings.ToUpper(strings.Fields(tag)[0]),
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if stage := stageFromContext(ctx); stage != "" {
		fields = append(fields, "pipeline.stage", stage)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// maxLoggedArgLen bounds each logged query argument. Incident rows carry raw
// alert payloads and retrieved context as JSONB arguments.
const maxLoggedArgLen = 256

func redactArgs(args []any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []byte:
			out[i] = truncateArg(string(v))
		case string:
			out[i] = truncateArg(v)
		default:
			out[i] = a
		}
	}
	return out
}

func truncateArg(s string) string {
	if len(s) <= maxLoggedArgLen {
		return s
	}
	return s[:maxLoggedArgLen] + "...(truncated)"
}

package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	if got, _ := labels(ctx); got != "POST" {
		t.Errorf("method = %q, want %q", got, "POST")
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "")
	if got, _ := labels(ctx); got != "WORKER" {
		t.Errorf("method = %q, want WORKER", got)
	}
}

// Tests that set the global observer do not run in parallel.

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestWithStage_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithStage(context.Background(), "detect")
	if got := stageFromContext(ctx); got != "detect" {
		t.Errorf("stageFromContext = %q, want %q", got, "detect")
	}
	if got := stageFromContext(WithStage(context.Background(), "")); got != "" {
		t.Errorf("stageFromContext = %q, want empty", got)
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()

	routed := func(pattern string) context.Context {
		rc := chi.NewRouteContext()
		rc.RoutePatterns = []string{pattern}
		return context.WithValue(context.Background(), chi.RouteCtxKey, rc)
	}

	tests := []struct {
		name       string
		ctx        context.Context
		wantMethod string
		wantOrigin string
	}{
		{"bare context", context.Background(), "WORKER", "unknown"},
		{"stage", WithStage(context.Background(), "plan"), "WORKER", "plan"},
		{"route wins over stage", WithStage(WithHTTPMethod(routed("/api/v1/incidents/{id}"), "GET"), "plan"), "GET", "/api/v1/incidents/{id}"},
		{"empty route falls back", WithStage(routed(""), "detect"), "WORKER", "detect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method, origin := labels(tt.ctx)
			if method != tt.wantMethod || origin != tt.wantOrigin {
				t.Errorf("labels() = %q, %q; want %q, %q", method, origin, tt.wantMethod, tt.wantOrigin)
			}
		})
	}
}

type observed struct {
	method, origin, outcome string
}

func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	var got []observed
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, origin, outcome string, _ time.Duration) {
		got = append(got, observed{method, origin, outcome})
	}))

	tr := wrapQueryTracer(nil)
	ctx := WithStage(context.Background(), "retrieve")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE incidents SET error = $2 WHERE id = $1", Args: []any{"inc-1", "x"}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("conn closed")})

	// An end without a matching start is ignored.
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	want := []observed{
		{"WORKER", "retrieve", "ok"},
		{"WORKER", "retrieve", "error"},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(observed{})); diff != "" {
		t.Errorf("observed queries mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryFields(t *testing.T) {
	t.Parallel()

	q := &inflight{sql: "UPDATE incidents SET status = $2 WHERE id = $1", args: []any{"inc-1", "DETECTED"}}
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "incidents_pkey"}
	fields := queryFields(WithStage(context.Background(), "detect"), q, time.Millisecond, pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("UPDATE 0"),
		Err:        pgErr,
	})

	kv := map[string]any{}
	for i := 0; i+1 < len(fields); i += 2 {
		kv[fields[i].(string)] = fields[i+1]
	}
	checks := map[string]any{
		"db.operation.name":   "UPDATE",
		"db.rows":             int64(0),
		"pipeline.stage":      "detect",
		"db.error_code":       "23505",
		"db.error_constraint": "incidents_pkey",
	}
	for k, want := range checks {
		if kv[k] != want {
			t.Errorf("%s = %v, want %v", k, kv[k], want)
		}
	}
}

func TestRedactArgs(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxLoggedArgLen+10)
	args := []any{"inc-1", []byte(long), 42}
	got := redactArgs(args)

	if got[0] != "inc-1" {
		t.Errorf("arg 0 = %v, want inc-1", got[0])
	}
	s, ok := got[1].(string)
	if !ok || !strings.HasSuffix(s, "...(truncated)") || len(s) != maxLoggedArgLen+len("...(truncated)") {
		t.Errorf("arg 1 = %q, want truncated", s)
	}
	if got[2] != 42 {
		t.Errorf("arg 2 = %v, want 42", got[2])
	}
	if args[1].([]byte)[0] != 'x' {
		t.Error("input args mutated")
	}
}

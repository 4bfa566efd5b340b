// OpsFlow is an automated incident-response pipeline: alerts are normalized,
// scored, enriched with runbook context and turned into remediation plans.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/opsflow/internal/actions"
	"github.com/linnemanlabs/opsflow/internal/alertapi"
	"github.com/linnemanlabs/opsflow/internal/authmw"
	oc "github.com/linnemanlabs/opsflow/internal/cfg"
	"github.com/linnemanlabs/opsflow/internal/coordinator"
	"github.com/linnemanlabs/opsflow/internal/detect"
	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/incident/memstore"
	"github.com/linnemanlabs/opsflow/internal/incident/pgstore"
	"github.com/linnemanlabs/opsflow/internal/ingest"
	"github.com/linnemanlabs/opsflow/internal/llm/claude"
	"github.com/linnemanlabs/opsflow/internal/llm/embedding"
	"github.com/linnemanlabs/opsflow/internal/normalize"
	"github.com/linnemanlabs/opsflow/internal/notify/slack"
	"github.com/linnemanlabs/opsflow/internal/pipeline"
	"github.com/linnemanlabs/opsflow/internal/planner"
	"github.com/linnemanlabs/opsflow/internal/postgres"
	"github.com/linnemanlabs/opsflow/internal/queue/memqueue"
	"github.com/linnemanlabs/opsflow/internal/retrieve"
)

const appName = "opsflow"
const component = "server"

// store is what the stages and the coordinator need from persistence.
type store interface {
	incident.Store
	incident.Feed
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    oc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix OPSFLOW_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "OPSFLOW_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"claude_model", appCfg.ClaudeModel,
		"embedding_endpoint", appCfg.EmbeddingEndpoint,
		"scoring_endpoint", appCfg.ScoringEndpoint,
		"corpus_dir", appCfg.CorpusDir,
		"queue_workers", appCfg.QueueWorkers,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to profiles so a slow stage span jumps straight to its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	pm := pipeline.NewMetrics(m.Registry())
	postgres.SetQueryObserver(pm.QueryObserver())

	// Initialize the incident store
	var incidents store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool, L)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		incidents = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		incidents = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	q := memqueue.New(L, memqueue.Options{
		Workers:         appCfg.QueueWorkers,
		MaxReceives:     appCfg.QueueMaxReceives,
		RedeliveryDelay: time.Second,
		Hooks:           pm.QueueHooks(),
	})

	scorer, err := newScorer(appCfg)
	if err != nil {
		return err
	}
	embedder := newEmbedder(appCfg)

	index := retrieve.NewIndex(os.DirFS(appCfg.CorpusDir), retrieve.DefaultCorpusDirs, embedder)
	// Warm the index; a failure here is retried on the first retrieval.
	if chunks, err := index.Chunks(ctx); err != nil {
		L.Warn(ctx, "corpus index not built at startup", "error", err, "corpus_dir", appCfg.CorpusDir)
	} else {
		L.Info(ctx, "corpus index built", "chunks", len(chunks))
	}

	completer := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, pm.ClaudeHooks())
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	var notifier planner.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	registry := actions.NewRegistry()
	if appCfg.GitHubToken != "" {
		rollback := actions.NewRollbackWorkflow(appCfg.GitHubAPIURL, appCfg.GitHubToken)
		registry.Register(rollback)
		L.Info(ctx, "registered action", "name", rollback.Name(), "endpoint", appCfg.GitHubAPIURL)
	}
	executor := actions.NewExecutor(registry, L)

	pipe := pipeline.New(q, pipeline.Stages{
		Ingestor:  ingest.New(incidents, q, L, pm.IngestHooks()),
		Detector:  detect.New(incidents, scorer, appCfg.AnomalyThreshold, L, pm.DetectHooks()),
		Retriever: retrieve.New(incidents, index, embedder, retrieve.Options{TopK: appCfg.RetrievalTopK, SnippetLen: appCfg.SnippetLength}, L, pm.RetrieveHooks()),
		Planner: planner.New(incidents, completer, notifier, planner.Options{
			MaxTokens:   appCfg.ClaudeMaxTokens,
			MaxAttempts: appCfg.PlannerMaxAttempts,
			BaseDelay:   appCfg.PlannerBaseDelay,
			RateLimit:   appCfg.PlannerRateLimit,
		}, L, pm.PlannerHooks()),
		Coordinator: coordinator.New(incidents, q, coordinator.Options{}, L, pm.CoordinatorHooks()),
	}, L)

	// Workers outlive the signal context so queued work keeps draining while
	// the HTTP listener drains; they are stopped with the other components.
	workCtx, stopWork := context.WithCancel(log.WithContext(context.Background(), L))
	defer stopWork()
	var pipeErr error
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipeErr = pipe.Run(workCtx)
	}()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// 64KB covers gateway-wrapped alert payloads with room to spare
	r.Use(httpmw.MaxBody(1024 * 64))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind bearer auth
	api := alertapi.New(L, q, incidents, executor, normalize.Normalize)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.APITokens()...))
		api.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or for a pipeline worker to give up
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case <-pipeDone:
		L.Error(context.Background(), pipeErr, "pipeline stopped unexpectedly")
	}

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"pipeline workers", func(ctx context.Context) error {
			stopWork()
			select {
			case <-pipeDone:
				return pipeErr
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if n := q.Pending(); n > 0 {
		L.Warn(context.Background(), "queue not empty at shutdown", "pending", n)
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return pipeErr
}

// newScorer picks the remote scorer when an endpoint is configured and the
// tiered rule scorer otherwise.
func newScorer(c oc.Config) (detect.Scorer, error) {
	if c.ScoringEndpoint != "" {
		return detect.NewHTTPScorer(c.ScoringEndpoint, 0), nil
	}
	tiers := detect.DefaultTiers()
	if c.ScoringTiersFile != "" {
		t, err := detect.LoadTiers(c.ScoringTiersFile)
		if err != nil {
			return nil, fmt.Errorf("scoring tiers: %w", err)
		}
		tiers = t
	}
	return detect.NewRuleScorer(tiers), nil
}

// newEmbedder picks the remote embedder when an endpoint is configured and
// the local hashing embedder otherwise.
func newEmbedder(c oc.Config) embedding.Embedder {
	if c.EmbeddingEndpoint != "" {
		return embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			Endpoint:   c.EmbeddingEndpoint,
			Model:      c.EmbeddingModel,
			APIKey:     c.EmbeddingAPIKey,
			Dimensions: c.EmbeddingDimensions,
		})
	}
	return embedding.NewHashEmbedder(c.EmbeddingDimensions)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}

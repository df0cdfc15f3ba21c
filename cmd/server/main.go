// Sentinel watches inbound sources, runs each event through retrieval and
// Claude, and pushes alerts, digests and deadline reminders.
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
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinel/internal/alerting"
	"github.com/linnemanlabs/sentinel/internal/api"
	sc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/deadline"
	deadlinemem "github.com/linnemanlabs/sentinel/internal/deadline/memstore"
	deadlinepg "github.com/linnemanlabs/sentinel/internal/deadline/pgstore"
	"github.com/linnemanlabs/sentinel/internal/llm/claude"
	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/notify/telegram"
	"github.com/linnemanlabs/sentinel/internal/pipeline"
	pipelinemem "github.com/linnemanlabs/sentinel/internal/pipeline/memstore"
	pipelinepg "github.com/linnemanlabs/sentinel/internal/pipeline/pgstore"
	"github.com/linnemanlabs/sentinel/internal/postgres"
	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/retrieve/memindex"
	"github.com/linnemanlabs/sentinel/internal/retrieve/qdrant"
	"github.com/linnemanlabs/sentinel/internal/retrieve/voyage"
	"github.com/linnemanlabs/sentinel/internal/scheduler"
	"github.com/linnemanlabs/sentinel/internal/source/rss"
	"github.com/linnemanlabs/sentinel/internal/state"
	statemem "github.com/linnemanlabs/sentinel/internal/state/memstore"
	statepg "github.com/linnemanlabs/sentinel/internal/state/pgstore"
	"github.com/linnemanlabs/sentinel/internal/state/sqlitestore"
	"github.com/linnemanlabs/sentinel/internal/tokens"
)

const appName = "sentinel"
const component = "server"

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
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

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

	// Fill in config values from environment variables with prefix SENTINEL_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SENTINEL_", func(format string, args ...any) {
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

	registry, err := sc.LoadRegistry(appCfg.RegistryFile)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
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
		"claude_model", appCfg.ClaudeModel,
		"timezone", appCfg.Timezone,
		"collections", len(registry.Collections),
		"vips", len(registry.VIPs),
		"feeds", len(registry.Feeds),
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

	// Link spans to profiles so a slow pipeline run opens its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Durable stores: postgres when configured, else sqlite for the state
	// tracker and memory for the rest.
	var (
		pool          *pgxpool.Pool
		stateBackend  state.Backend
		pipelineStore pipeline.Store
		deadlineStore deadline.Store
	)
	if appCfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()

		if stateBackend, err = statepg.New(ctx, pool); err != nil {
			return fmt.Errorf("state pgstore init: %w", err)
		}
		if pipelineStore, err = pipelinepg.New(ctx, pool); err != nil {
			return fmt.Errorf("pipeline pgstore init: %w", err)
		}
		if deadlineStore, err = deadlinepg.New(ctx, pool); err != nil {
			return fmt.Errorf("deadline pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
	} else {
		if appCfg.StatePath != "" {
			sqlite, err := sqlitestore.Open(appCfg.StatePath)
			if err != nil {
				return fmt.Errorf("sqlite state store: %w", err)
			}
			defer func() { _ = sqlite.Close() }()
			stateBackend = sqlite
			L.Info(ctx, "using sqlite state store", "path", appCfg.StatePath)
		} else {
			stateBackend = statemem.New()
		}
		pipelineStore = pipelinemem.New()
		deadlineStore = deadlinemem.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}
	tracker := state.NewTracker(stateBackend, clock.Real(), L)

	// Token estimation
	var est tokens.Estimator = tokens.Chars{}
	if tk, err := tokens.NewTiktoken("cl100k_base"); err != nil {
		L.Warn(ctx, "tokenizer unavailable, estimating by characters", "error", err)
	} else {
		est = tk
	}

	// Retrieval
	var (
		embedder retrieve.Embedder
		searcher retrieve.VectorSearcher
	)
	if appCfg.VoyageAPIKey != "" {
		embedder = voyage.New(appCfg.VoyageAPIKey, appCfg.VoyageModel)
		if appCfg.QdrantURL != "" {
			searcher = qdrant.New(appCfg.QdrantURL, appCfg.QdrantAPIKey)
			L.Info(ctx, "semantic retrieval enabled", "vector_store", "qdrant", "endpoint", appCfg.QdrantURL)
		} else {
			searcher = memindex.New()
			L.Info(ctx, "semantic retrieval enabled", "vector_store", "memory")
		}
	} else {
		L.Info(ctx, "semantic retrieval disabled (no voyage-api-key configured)")
	}
	retriever := retrieve.New(embedder, searcher, pipeline.NewLookups(pipelineStore), est, retrieve.Config{
		Collections: registry.Collections,
		Prefix:      registry.CollectionPrefix,
	}, L)

	// Delivery channels
	var targets []notify.Deliverer
	if appCfg.SlackWebhookURL != "" {
		targets = append(targets, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.TelegramBotToken != "" {
		tg, err := telegram.New(appCfg.TelegramBotToken, appCfg.TelegramChatID, L)
		if err != nil {
			L.Error(ctx, err, "telegram notifier disabled")
		} else {
			targets = append(targets, tg)
			L.Info(ctx, "notifier enabled", "type", "telegram")
		}
	}
	var deliverer notify.Deliverer = notify.NewFanout(L, targets...)
	if len(targets) == 0 {
		deliverer = notify.LogDeliverer{Logger: L}
		L.Warn(ctx, "no delivery channel configured, alerts go to the log")
	}

	alerts := alerting.New(deliverer,
		alerting.WithRateLimiter(alerting.NewRateLimiter(appCfg.AlertRateCap, time.Hour)),
		alerting.WithLogger(L),
		alerting.WithHooks(alerting.NewMetrics(m.Registry()).Hooks()),
	)

	// Generation
	pipelineMetrics := pipeline.NewMetrics(m.Registry())
	gen := pipelineMetrics.Instrument(claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel))
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	deadlines := deadline.New(deadlineStore,
		deadline.WithGenerator(gen, appCfg.ClaudeModel),
		deadline.WithAlerts(alerts),
		deadline.WithPrincipal(registry.Principal),
		deadline.WithLogger(L),
		deadline.WithHooks(deadline.NewMetrics(m.Registry()).Hooks()),
	)
	if err := deadlines.SeedVIPs(ctx, registry.VIPs); err != nil {
		L.Warn(ctx, "failed to seed vips", "error", err)
	}

	orch := pipeline.New(gen, tracker,
		pipeline.WithRetriever(retriever),
		pipeline.WithStore(pipelineStore),
		pipeline.WithAlerts(alerts),
		pipeline.WithDeadlines(deadlines),
		pipeline.WithModel(appCfg.ClaudeModel),
		pipeline.WithLogger(L),
		pipeline.WithHooks(pipelineMetrics.Hooks()),
	)

	poller := rss.New(registry.Feeds, tracker, orch,
		rss.WithIndex(retriever, registry.DocumentsCollection),
		rss.WithLogger(L),
		rss.WithHooks(rss.NewMetrics(m.Registry()).Hooks()),
	)

	// Periodic jobs
	sched := scheduler.New(L,
		scheduler.WithLocation(appCfg.Location()),
		scheduler.WithHooks(scheduler.NewMetrics(m.Registry()).Hooks()),
	)
	dbJob := func(name string, fn scheduler.Job) scheduler.Job { return withDBUsage(L, name, fn) }
	if err := errors.Join(
		sched.Every("rss_poll", appCfg.RSSInterval, dbJob("rss_poll", func(ctx context.Context) error {
			if len(registry.Feeds) == 0 {
				return nil
			}
			poller.Poll(ctx)
			return nil
		})),
		sched.Add("deadline_cadence", "@hourly", dbJob("deadline_cadence", func(ctx context.Context) error {
			rep := deadlines.CadenceCheck(ctx)
			if rep.Errors > 0 {
				return fmt.Errorf("deadline cadence: %d errors", rep.Errors)
			}
			return nil
		})),
		sched.Every("digest_flush", appCfg.DigestInterval, dbJob("digest_flush", func(ctx context.Context) error {
			alerts.Flush(ctx)
			return nil
		})),
		sched.Every("overflow_flush", 5*time.Minute, dbJob("overflow_flush", func(ctx context.Context) error {
			alerts.FlushOverflow(ctx)
			return nil
		})),
		sched.Add("daily_briefing", appCfg.BriefingSchedule, dbJob("daily_briefing", func(ctx context.Context) error {
			_, err := orch.Brief(ctx)
			return err
		})),
	); err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	sched.Start(ctx)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

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

	// events can carry full email bodies and transcripts
	r.Use(httpmw.MaxBody(1024 * 512))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api.New(L, appCfg.APIToken, orch, pipelineStore, deadlines, alerts).RegisterRoutes(r)

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
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

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
	// The scheduler goes first so no job starts against a closed store.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"scheduler", sched.Stop},
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	// Pending digest items would otherwise be lost with the process
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	alerts.Flush(flushCtx)
	flushCancel()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// withDBUsage tags fn's queries with the job name for the db metrics and
// logs what the run cost.
func withDBUsage(logger log.Logger, name string, fn scheduler.Job) scheduler.Job {
	return func(ctx context.Context) error {
		ctx, stats := postgres.WithOpStats(postgres.WithJob(ctx, name))
		err := fn(ctx)
		if queries, errs, total := stats.Snapshot(); queries > 0 {
			logger.Info(ctx, "job db usage", "job", name, "db_queries", queries, "db_errors", errs, "db_seconds", total.Seconds())
		}
		return err
	}
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

// Beacon is an emergency alert intake and response planning service.
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
	"sync"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/beacon/internal/aggregate"
	"github.com/linnemanlabs/beacon/internal/alertapi"
	vc "github.com/linnemanlabs/beacon/internal/cfg"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/kafka"
	"github.com/linnemanlabs/beacon/internal/notify/slack"
	"github.com/linnemanlabs/beacon/internal/postgres"
)

const appName = "beacon"
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

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    vc.Config
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

	// precedence: flags, then the environment, then the .env file
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	envFile, err := loadEnvFile()
	if err != nil {
		return err
	}
	cfg.FillFromEnv(flag.CommandLine, "BEACON_", func(format string, args ...any) {
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
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting beacon",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"env_file", envFile,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"plan_provider", appCfg.PlanProvider,
		"plan_timeout", appCfg.PlanTimeout,
		"plan_retries", appCfg.PlanRetries,
		"dedupe_window", appCfg.DedupeWindow,
		"geocode_timeout", appCfg.GeocodeTimeout,
		"sweep_schedule", appCfg.SweepSchedule,
		"operator_auth", appCfg.APIToken != "",
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	// span ids become profile labels, linking a planner span to its CPU profile
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)
	incidentMetrics := incident.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	alertStore, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	generator, generatorName := newPlanGenerator(&appCfg)
	fallback, err := incident.DefaultFallback()
	if err != nil {
		return fmt.Errorf("fallback plans: %w", err)
	}
	planner := incident.NewPlanner(generator, fallback, appCfg.Planner(), L)
	planner.SetHooks(incidentMetrics.PlannerHooks())

	geocoder, geocoderNames, err := newGeocoder(&appCfg)
	if err != nil {
		return err
	}
	L.Info(ctx, "pipeline configured", "generator", generatorName, "geocoders", geocoderNames)

	svcOpts := []incident.Option{
		incident.WithGeocoder(geocoder),
		incident.WithHooks(incidentMetrics.Hooks()),
	}
	if appCfg.SlackWebhookURL != "" {
		svcOpts = append(svcOpts, incident.WithNotifier(slack.New(appCfg.SlackWebhookURL)))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// the aggregator is both the service's live index and the API's read model
	agg := aggregate.New()
	alertSvc := incident.NewService(alertStore, agg, planner, appCfg.Incident(), L, svcOpts...)

	resumed, err := alertSvc.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume alerts: %w", err)
	}
	incidentMetrics.SetActive(agg.Stats().BySeverity)
	L.Info(ctx, "resumed live alerts", "live", agg.Len(), "restarted", resumed)

	stopSweep, err := startSweep(appCfg.SweepSchedule, &sweeper{
		svc:     alertSvc,
		agg:     agg,
		metrics: incidentMetrics,
		stale:   appCfg.SweepStale,
		timeout: 30 * time.Second,
		logger:  L,
	}, L)
	if err != nil {
		return err
	}
	stopKafka := startKafka(ctx, appCfg.Kafka(), alertSvc, agg, L)

	// readiness fails once draining starts so the load balancer stops routing here
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
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

	var apiOpts []alertapi.Option
	if appCfg.APIToken != "" {
		apiOpts = append(apiOpts, alertapi.WithOperatorToken(appCfg.APIToken))
	}
	h := publicHandler(L, alertapi.New(L, alertSvc, agg, apiOpts...),
		health.HealthzHandler(liveness), health.ReadyzHandler(readiness),
		func(next http.Handler) http.Handler { return m.Middleware(next) },
		httpmwCfg.TrustedProxyHops)

	serverOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, serverOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "draining", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Intake stops first so no new work reaches the service, then background
	// analysis finishes, then the ops listener and exporters go.
	stopFns := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"api http server", apiHTTPStop},
		{"kafka", stopKafka},
		{"sweep", stopSweep},
		{"alert service", func(ctx context.Context) error { return closeService(ctx, alertSvc) }},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
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
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// startKafka runs the report consumer and event publisher when configured.
// The returned func stops both and waits for them to exit.
func startKafka(ctx context.Context, kc kafka.Config, svc kafka.Submitter, agg *aggregate.Aggregator, L log.Logger) func(context.Context) error {
	if !kc.Enabled() {
		return func(context.Context) error { return nil }
	}
	kctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	if kc.ReportTopic != "" {
		c := kafka.NewConsumer(kafka.NewReader(kc), svc, L.With("kafka", "consumer"))
		wg.Go(func() { _ = c.Run(kctx) })
		L.Info(ctx, "kafka consumer started", "brokers", kc.Brokers, "topic", kc.ReportTopic, "group_id", kc.GroupID)
	}
	if kc.EventTopic != "" {
		sub := agg.Subscribe(256)
		p := kafka.NewPublisher(kafka.NewWriter(kc), L.With("kafka", "publisher"))
		wg.Go(func() {
			defer sub.Close()
			_ = p.Run(kctx, sub)
		})
		L.Info(ctx, "kafka publisher started", "brokers", kc.Brokers, "topic", kc.EventTopic)
	}
	return func(sctx context.Context) error {
		cancel()
		return waitGroup(sctx, &wg)
	}
}

// closeService stops background analysis, bounded by ctx.
func closeService(ctx context.Context, svc *incident.Service) error {
	var wg sync.WaitGroup
	wg.Go(svc.Close)
	return waitGroup(ctx, &wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
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

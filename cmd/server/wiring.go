package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/beacon/internal/aggregate"
	vc "github.com/linnemanlabs/beacon/internal/cfg"
	"github.com/linnemanlabs/beacon/internal/geo"
	"github.com/linnemanlabs/beacon/internal/geo/citytable"
	"github.com/linnemanlabs/beacon/internal/geo/googlemaps"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/incident/memstore"
	"github.com/linnemanlabs/beacon/internal/incident/pgstore"
	"github.com/linnemanlabs/beacon/internal/incident/sqlitestore"
	"github.com/linnemanlabs/beacon/internal/llm/claude"
	"github.com/linnemanlabs/beacon/internal/llm/openai"
	"github.com/linnemanlabs/beacon/internal/postgres"
)

// loadEnvFile loads BEACON_ENV_FILE (default .env) into the environment.
// Variables already set win, and a missing file is not an error.
func loadEnvFile() (string, error) {
	path := os.Getenv("BEACON_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return path, fmt.Errorf("load env file %s: %w", path, err)
	}
	return path, nil
}

// openStore picks the alert store: postgres when a database URL is set, then
// sqlite, then memory. The returned func releases it.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (incident.Store, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, pool.Close, nil
	case c.SQLitePath != "":
		st, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return st, func() { _ = st.Close() }, nil
	default:
		L.Info(ctx, "using in-memory store, alerts do not survive a restart")
		return memstore.New(), func() {}, nil
	}
}

// newPlanGenerator returns the configured generator and a name for logs.
// The fallback provider returns a nil generator, so every plan comes from the
// fallback table.
func newPlanGenerator(c *vc.Config) (incident.PlanGenerator, string) {
	switch c.PlanProvider {
	case vc.ProviderClaude:
		g := claude.New(c.ClaudeAPIKey, c.ClaudeModel)
		return g, "claude:" + g.Model()
	case vc.ProviderOpenAI:
		var opts []openai.Option
		if c.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.OpenAIBaseURL))
		}
		g := openai.New(c.OpenAIAPIKey, c.OpenAIModel, opts...)
		return g, "openai:" + g.Model()
	default:
		return nil, vc.ProviderFallback
	}
}

// newGeocoder builds the resolver chain: literal coordinates first, then
// Google when keyed, then the built-in city table.
func newGeocoder(c *vc.Config) (geo.Chain, []string, error) {
	chain := geo.Chain{geo.Coordinates{}}
	names := []string{"coordinates"}
	if c.GoogleMapsAPIKey != "" {
		gm, err := googlemaps.New(c.GoogleMapsAPIKey, googlemaps.WithRegion(c.GeocodeRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("googlemaps: %w", err)
		}
		chain = append(chain, gm)
		names = append(names, googlemaps.Source)
	}
	chain = append(chain, citytable.Default())
	names = append(names, citytable.Source)
	return chain, names, nil
}

// sweeper is the periodic maintenance job: it restarts stranded alerts and
// refreshes the live gauges.
type sweeper struct {
	svc     *incident.Service
	agg     *aggregate.Aggregator
	metrics *incident.Metrics
	stale   time.Duration
	timeout time.Duration
	logger  log.Logger
}

func (s *sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.svc.Sweep(ctx, s.stale); err != nil {
		s.logger.Error(ctx, err, "sweep failed")
	}
	s.metrics.SetActive(s.agg.Stats().BySeverity)
	s.metrics.FeedDropped.Set(float64(s.agg.Dropped()))
}

// startSweep schedules the sweeper. Overlapping runs are skipped.
func startSweep(schedule string, job cron.Job, logger log.Logger) (func(context.Context) error, error) {
	cl := cronLogger{logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddJob(schedule, job); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	return func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

// cronLogger adapts log.Logger to cron. Routine scheduler chatter is dropped.
type cronLogger struct{ L log.Logger }

func (cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.L.Error(context.Background(), err, "cron: "+msg, kv...)
}

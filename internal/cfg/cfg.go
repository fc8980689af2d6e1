package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/kafka"
)

// Plan providers.
const (
	ProviderClaude   = "claude"
	ProviderOpenAI   = "openai"
	ProviderFallback = "fallback"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	SQLitePath  string

	DedupeWindow   time.Duration
	GeocodeTimeout time.Duration
	PlanTimeout    time.Duration
	PlanRetries    int
	PlanBackoff    time.Duration
	PlanProvider   string

	ClaudeAPIKey  string
	ClaudeModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	GoogleMapsAPIKey string
	GeocodeRegion    string

	SlackWebhookURL string

	KafkaBrokers     string
	KafkaReportTopic string
	KafkaEventTopic  string
	KafkaGroupID     string

	SweepSchedule string
	SweepStale    time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required for operator actions (empty = actions are open)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when no database URL is set; both empty = in-memory store)")

	fs.DurationVar(&c.DedupeWindow, "dedupe-window", 30*time.Minute, "how long a live alert absorbs duplicate reports")
	fs.DurationVar(&c.GeocodeTimeout, "geocode-timeout", 3*time.Second, "hard deadline for one geocoder call")
	fs.DurationVar(&c.PlanTimeout, "plan-timeout", 10*time.Second, "hard deadline for one plan generator call")
	fs.IntVar(&c.PlanRetries, "plan-retries", 2, "retries after the first plan generator call (0..5)")
	fs.DurationVar(&c.PlanBackoff, "plan-backoff", time.Second, "base backoff between plan generator retries")
	fs.StringVar(&c.PlanProvider, "plan-provider", ProviderClaude, "plan generator: claude, openai or fallback")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude plan generator")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI plan generator")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI model to use")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI-compatible API root (empty = api.openai.com)")

	fs.StringVar(&c.GoogleMapsAPIKey, "google-maps-api-key", "", "Google Geocoding API key (empty = coordinates and city table only)")
	fs.StringVar(&c.GeocodeRegion, "geocode-region", "in", "ccTLD region bias for Google geocoding")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers (empty = Kafka disabled)")
	fs.StringVar(&c.KafkaReportTopic, "kafka-report-topic", "", "topic to consume JSON reports from")
	fs.StringVar(&c.KafkaEventTopic, "kafka-event-topic", "", "topic to publish alert events to")
	fs.StringVar(&c.KafkaGroupID, "kafka-group-id", "beacon", "consumer group for the report topic")

	fs.StringVar(&c.SweepSchedule, "sweep-schedule", "@every 1m", "cron schedule for the stranded-alert sweep")
	fs.DurationVar(&c.SweepStale, "sweep-stale", 2*time.Minute, "idle time before the sweep restarts an alert's analysis")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	// Pipeline timing
	errs = appendRange(errs, "DEDUPE_WINDOW", c.DedupeWindow, time.Second, 24*time.Hour)
	errs = appendRange(errs, "GEOCODE_TIMEOUT", c.GeocodeTimeout, 100*time.Millisecond, 30*time.Second)
	errs = appendRange(errs, "PLAN_TIMEOUT", c.PlanTimeout, 100*time.Millisecond, 2*time.Minute)
	errs = appendRange(errs, "PLAN_BACKOFF", c.PlanBackoff, time.Millisecond, time.Minute)
	if c.PlanRetries < 0 || c.PlanRetries > 5 {
		errs = append(errs, fmt.Errorf("invalid PLAN_RETRIES %d (must be 0..5)", c.PlanRetries))
	}

	// Plan provider credentials
	switch c.PlanProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude plan provider"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude plan provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai plan provider"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required for the openai plan provider"))
		}
	case ProviderFallback:
	default:
		errs = append(errs, fmt.Errorf("invalid PLAN_PROVIDER %q (must be claude, openai or fallback)", c.PlanProvider))
	}

	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
	}
	if c.SweepStale <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_STALE %s (must be positive)", c.SweepStale))
	}

	if err := c.Kafka().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func appendRange(errs []error, name string, d, lo, hi time.Duration) []error {
	if d < lo || d > hi {
		return append(errs, fmt.Errorf("invalid %s %s (must be %s..%s)", name, d, lo, hi))
	}
	return errs
}

// Incident returns the service tuning.
func (c *Config) Incident() incident.Config {
	return incident.Config{DedupeWindow: c.DedupeWindow, GeocodeTimeout: c.GeocodeTimeout}
}

// Planner returns the plan generator bounds.
func (c *Config) Planner() incident.PlannerConfig {
	return incident.PlannerConfig{Timeout: c.PlanTimeout, MaxRetries: c.PlanRetries, Backoff: c.PlanBackoff}
}

// Kafka returns the broker settings.
func (c *Config) Kafka() kafka.Config {
	return kafka.Config{
		Brokers:     kafka.SplitBrokers(c.KafkaBrokers),
		ReportTopic: c.KafkaReportTopic,
		EventTopic:  c.KafkaEventTopic,
		GroupID:     c.KafkaGroupID,
	}
}

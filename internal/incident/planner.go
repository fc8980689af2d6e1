package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/beacon/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/incident")

// PlannerConfig bounds calls to the plan generator.
type PlannerConfig struct {
	// Timeout is the hard deadline for a single generator call.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff is the base delay; retry n waits Backoff*2^(n-1).
	Backoff time.Duration
}

// DefaultPlannerConfig returns a 10s timeout, 2 retries and a 1s backoff base.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{Timeout: 10 * time.Second, MaxRetries: 2, Backoff: time.Second}
}

// Budget is the overall deadline for every attempt and backoff combined.
func (c PlannerConfig) Budget() time.Duration {
	return c.Timeout * time.Duration(c.MaxRetries+1)
}

// PlannerHooks receives planner events. Nil funcs are skipped.
type PlannerHooks struct {
	// OnAttempt fires after each generator call with outcome
	// "success", "transient" or "error".
	OnAttempt func(outcome string, duration float64)

	// OnFallback fires when a degraded plan is used.
	OnFallback func(t alert.Type)
}

// PlanOutcome is the result of a planning run.
type PlanOutcome struct {
	Plan     *alert.ResponsePlan
	Attempts int

	// LastErr is the generator error that caused a fallback, if any.
	LastErr error
}

// Degraded reports whether the plan came from the fallback table.
func (o *PlanOutcome) Degraded() bool {
	return o.Plan != nil && o.Plan.Confidence == alert.ConfidenceDegraded
}

// Planner calls the plan generator under a retry policy and falls back to
// static plans when the generator cannot deliver.
type Planner struct {
	gen      PlanGenerator
	fallback *FallbackTable
	cfg      PlannerConfig
	hooks    PlannerHooks
	logger   log.Logger
	now      func() time.Time
}

// NewPlanner creates a planner. A nil generator always uses the fallback.
func NewPlanner(gen PlanGenerator, fallback *FallbackTable, cfg PlannerConfig, logger log.Logger) *Planner {
	if fallback == nil {
		panic(xerrors.New("fallback table is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Planner{
		gen:      gen,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetHooks installs metric callbacks.
func (p *Planner) SetHooks(h PlannerHooks) { p.hooks = h }

// Plan produces a plan for the alert snapshot. It returns an error only when
// ctx is canceled (the result is no longer wanted) or when no fallback plan
// exists for the alert's type, which wraps ErrFatal.
func (p *Planner) Plan(ctx context.Context, a *alert.Alert) (*PlanOutcome, error) {
	ctx, span := tracer.Start(ctx, "planner.Plan", trace.WithAttributes(
		attribute.String("beacon.alert.id", a.ID),
		attribute.String("beacon.alert.type", string(a.Type)),
	))
	defer span.End()

	L := p.logger.With("alert_id", a.ID)
	out := &PlanOutcome{}

	if p.gen != nil {
		plan, attempts, err := p.generate(ctx, a)
		out.Attempts = attempts
		if err == nil {
			out.Plan = plan
			span.SetAttributes(
				attribute.Int("beacon.plan.attempts", attempts),
				attribute.String("beacon.plan.confidence", string(plan.Confidence)),
			)
			return out, nil
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		}
		out.LastErr = err
		L.Warn(ctx, "plan generator unavailable, using fallback",
			"attempts", attempts,
			"error", err.Error(),
		)
	}

	plan, err := p.fallback.Plan(a, p.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if p.hooks.OnFallback != nil {
		p.hooks.OnFallback(a.Type)
	}
	out.Plan = plan
	span.SetAttributes(
		attribute.Int("beacon.plan.attempts", out.Attempts),
		attribute.String("beacon.plan.confidence", string(plan.Confidence)),
	)
	return out, nil
}

// generate runs the attempt loop inside the overall budget.
func (p *Planner) generate(ctx context.Context, a *alert.Alert) (*alert.ResponsePlan, int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget())
	defer cancel()

	var lastErr error
	attempts := 0
	for n := 0; n <= p.cfg.MaxRetries; n++ {
		if n > 0 {
			if err := sleep(ctx, p.cfg.Backoff<<(n-1)); err != nil {
				break
			}
		}
		attempts++
		plan, err := p.attempt(ctx, a, n)
		if err == nil {
			return plan, attempts, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, attempts, lastErr
}

func (p *Planner) attempt(ctx context.Context, a *alert.Alert, n int) (*alert.ResponsePlan, error) {
	ctx, span := tracer.Start(ctx, "planner.attempt", trace.WithAttributes(
		attribute.String("beacon.alert.id", a.ID),
		attribute.Int("beacon.plan.attempt", n+1),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	snap := a.Clone()
	plan, err := callBounded(ctx, func(ctx context.Context) (*alert.ResponsePlan, error) {
		return p.gen.Generate(ctx, snap)
	})
	if err == nil && plan == nil {
		err = errors.New("generator returned no plan")
	}
	if err == nil {
		if verr := validatePlan(plan); verr != nil {
			err = verr
		}
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		// the generator may report its own error when its deadline expires
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}

	outcome := "success"
	switch {
	case err != nil && IsTransient(err):
		outcome = "transient"
	case err != nil:
		outcome = "error"
	}
	if p.hooks.OnAttempt != nil {
		p.hooks.OnAttempt(outcome, time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.String("beacon.plan.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	plan = plan.Clone()
	plan.Confidence = alert.ConfidenceFull
	if plan.GeneratedAt.IsZero() {
		plan.GeneratedAt = p.now()
	}
	return plan, nil
}

// validatePlan rejects generator output the lifecycle cannot use.
func validatePlan(p *alert.ResponsePlan) error {
	if len(p.Instructions) == 0 && len(p.EvacuationRoutes) == 0 {
		return errors.New("generated plan has no instructions or routes")
	}
	if p.EstimatedResponseTimeMinutes <= 0 {
		return fmt.Errorf("generated plan has invalid response time %d", p.EstimatedResponseTimeMinutes)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

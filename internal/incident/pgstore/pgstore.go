// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident/alertrow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts in PostgreSQL. The pool is owned by the caller.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + alertrow.Columns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// FindLive returns the newest unresolved alert for the dedupe key created at
// or after since.
func (s *Store) FindLive(ctx context.Context, key string, since time.Time) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindLive", "SELECT")
	defer span.End()

	query := `SELECT ` + alertrow.Columns + ` FROM alerts
		WHERE dedupe_key = $1 AND state <> $2 AND created_at >= $3
		ORDER BY created_at DESC, id DESC LIMIT 1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, key, string(alert.StateResolved), since))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// Put inserts or replaces an alert.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("beacon.alert.id", a.ID),
		attribute.String("beacon.alert.state", string(a.State)),
	)

	row, err := alertrow.Encode(a)
	if err != nil {
		return fail(span, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsert(ctx, tx, row); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListActive returns every unresolved alert, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActive", "SELECT")
	defer span.End()

	query := `SELECT ` + alertrow.Columns + ` FROM alerts
		WHERE state <> $1 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, string(alert.StateResolved))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func upsert(ctx context.Context, tx pgx.Tx, r *alertrow.Row) error {
	query := `INSERT INTO alerts (` + alertrow.Columns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	ON CONFLICT (id) DO UPDATE SET
		estimated_affected = EXCLUDED.estimated_affected,
		threats            = EXCLUDED.threats,
		notes              = EXCLUDED.notes,
		resolved_location  = EXCLUDED.resolved_location,
		priority_score     = EXCLUDED.priority_score,
		plan               = EXCLUDED.plan,
		state              = EXCLUDED.state,
		attempts           = EXCLUDED.attempts,
		merge_count        = EXCLUDED.merge_count,
		failure_reason     = EXCLUDED.failure_reason,
		updated_at         = EXCLUDED.updated_at`

	_, err := tx.Exec(ctx, query,
		r.ID, r.DedupeKey, r.Type, r.LocationText, r.Description, r.ReportedSeverity,
		r.EstimatedAffected, r.Threats, r.Notes, alertrow.Nullable(r.Reporter),
		alertrow.Nullable(r.ResolvedLocation), r.PriorityScore, alertrow.Nullable(r.Plan),
		r.State, r.Attempts, r.MergeCount, r.FailureReason, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// scanAlert scans a single row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var r alertrow.Row
	err := row.Scan(
		&r.ID, &r.DedupeKey, &r.Type, &r.LocationText, &r.Description, &r.ReportedSeverity,
		&r.EstimatedAffected, &r.Threats, &r.Notes, &r.Reporter, &r.ResolvedLocation,
		&r.PriorityScore, &r.Plan, &r.State, &r.Attempts, &r.MergeCount, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	return r.Decode()
}

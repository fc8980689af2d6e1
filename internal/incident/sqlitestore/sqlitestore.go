// Package sqlitestore provides an embedded single-file implementation of
// incident.Store on the pure Go SQLite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident/alertrow"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id                 TEXT PRIMARY KEY,
		dedupe_key         TEXT NOT NULL,
		type               TEXT NOT NULL,
		location_text      TEXT NOT NULL,
		description        TEXT NOT NULL,
		reported_severity  TEXT NOT NULL,
		estimated_affected INTEGER NOT NULL DEFAULT 0,
		threats            TEXT NOT NULL DEFAULT '[]',
		notes              TEXT NOT NULL DEFAULT '[]',
		reporter           TEXT,
		resolved_location  TEXT,
		priority_score     INTEGER,
		plan               TEXT,
		state              TEXT NOT NULL,
		attempts           INTEGER NOT NULL DEFAULT 0,
		merge_count        INTEGER NOT NULL DEFAULT 0,
		failure_reason     TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_dedupe ON alerts(dedupe_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_state_created ON alerts(state, created_at)`,
}

// Store persists alerts in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertrow.Columns+` FROM alerts WHERE id = ?`, id))
	if err != nil {
		return nil, false, err
	}
	return a, a != nil, nil
}

// FindLive returns the newest unresolved alert for the dedupe key created at
// or after since.
func (s *Store) FindLive(ctx context.Context, key string, since time.Time) (*alert.Alert, bool, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertrow.Columns+` FROM alerts
		WHERE dedupe_key = ? AND state <> ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		key, string(alert.StateResolved), since.UnixNano()))
	if err != nil {
		return nil, false, err
	}
	return a, a != nil, nil
}

// Put inserts or replaces an alert.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	r, err := alertrow.Encode(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertrow.Columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			estimated_affected = excluded.estimated_affected,
			threats            = excluded.threats,
			notes              = excluded.notes,
			resolved_location  = excluded.resolved_location,
			priority_score     = excluded.priority_score,
			plan               = excluded.plan,
			state              = excluded.state,
			attempts           = excluded.attempts,
			merge_count        = excluded.merge_count,
			failure_reason     = excluded.failure_reason,
			updated_at         = excluded.updated_at`,
		r.ID, r.DedupeKey, r.Type, r.LocationText, r.Description, r.ReportedSeverity,
		r.EstimatedAffected, string(r.Threats), string(r.Notes), text(r.Reporter),
		text(r.ResolvedLocation), r.PriorityScore, text(r.Plan),
		r.State, r.Attempts, r.MergeCount, r.FailureReason,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ListActive returns every unresolved alert, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertrow.Columns+` FROM alerts WHERE state <> ? ORDER BY created_at, id`,
		string(alert.StateResolved))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanAlert scans a single row. Returns (nil, nil) when no row is found.
func scanAlert(row scanner) (*alert.Alert, error) {
	var (
		r                        alertrow.Row
		threats, notes           string
		reporter, location, plan sql.NullString
		score                    sql.NullInt64
		created, updated         int64
	)
	err := row.Scan(
		&r.ID, &r.DedupeKey, &r.Type, &r.LocationText, &r.Description, &r.ReportedSeverity,
		&r.EstimatedAffected, &threats, &notes, &reporter, &location,
		&score, &plan, &r.State, &r.Attempts, &r.MergeCount, &r.FailureReason,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Threats = []byte(threats)
	r.Notes = []byte(notes)
	r.Reporter = nullBytes(reporter)
	r.ResolvedLocation = nullBytes(location)
	r.Plan = nullBytes(plan)
	if score.Valid {
		v := int(score.Int64)
		r.PriorityScore = &v
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r.Decode()
}

// text binds a JSON document as TEXT, or NULL when absent.
func text(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// This file implements a PostgreSQL-backed run history store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, rec *models.RunRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRun
	}
	row, err := encodeRun(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (id, outcome, supplement_type, failed_operation, error,
		candidate_count, ranked_count, input_json, answers_json, result_json, started_at, finished_at, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome, failed_operation = EXCLUDED.failed_operation,
		error = EXCLUDED.error, candidate_count = EXCLUDED.candidate_count, ranked_count = EXCLUDED.ranked_count,
		answers_json = EXCLUDED.answers_json, result_json = EXCLUDED.result_json, finished_at = EXCLUDED.finished_at,
		elapsed_ms = EXCLUDED.elapsed_ms`,
		rec.ID, string(rec.Outcome), rec.Input.SupplementType, nilIfEmpty(string(rec.FailedOperation)), nilIfEmpty(rec.Error),
		rec.CandidateCount, rec.RankedCount, row.inputJSON, row.answersJSON, row.resultJSON,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), row.elapsedMS)
	if err != nil {
		slog.Error("PostgresStore SaveRun failed", "error", err, "run_id", rec.ID)
		return fmt.Errorf("failed to save run %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore SaveRun succeeded", "run_id", rec.ID, "outcome", rec.Outcome)
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetRun failed", "error", err, "run_id", id)
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY finished_at DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			slog.Error("PostgresStore ListRuns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < $1`, cutoff.UTC())
	if err != nil {
		slog.Error("PostgresStore PruneRuns failed", "error", err)
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

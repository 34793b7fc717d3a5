package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN. The pool is
// built once per process and shared by every repository.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the jobs, doctor_corrections and exports tables if
// needed. Existing tables are left alone, so an older jobs table without the
// extended columns keeps working; see DetectCapabilities.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	doctor_id TEXT,
	file_name TEXT,
	file_path TEXT,
	result_path TEXT,
	state TEXT NOT NULL,
	failed_state TEXT,
	duration_seconds DOUBLE PRECISION,
	error_reason TEXT,
	processed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);

CREATE TABLE IF NOT EXISTS doctor_corrections (
	id BIGSERIAL PRIMARY KEY,
	doctor_id TEXT NOT NULL,
	before_text TEXT NOT NULL,
	after_text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_doctor_corrections_doctor ON doctor_corrections(doctor_id);

CREATE TABLE IF NOT EXISTS exports (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ExtendedColumns are the optional jobs columns written on failure and
// completion.
var ExtendedColumns = []string{"failed_state", "error_reason", "processed_at"}

// Capabilities describes optional schema features.
type Capabilities struct {
	// Extended is true when every ExtendedColumns entry exists on jobs.
	Extended bool
}

// DetectCapabilities resolves the extended-columns flag once at startup.
// mode "true" or "false" forces the flag; "auto" inspects information_schema.
func DetectCapabilities(ctx context.Context, pool *pgxpool.Pool, mode string) (Capabilities, error) {
	switch mode {
	case "true":
		return Capabilities{Extended: true}, nil
	case "false":
		return Capabilities{Extended: false}, nil
	}
	var found int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'jobs' AND column_name = ANY($1)
	`, ExtendedColumns).Scan(&found)
	if err != nil {
		return Capabilities{}, fmt.Errorf("detect capabilities: %w", err)
	}
	return Capabilities{Extended: found == len(ExtendedColumns)}, nil
}

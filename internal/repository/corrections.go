package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
)

// CorrectionRepository reads doctor correction rules. Rule CRUD belongs to
// the doctor-profile service; AddRule exists for operator seeding.
type CorrectionRepository struct {
	pool *pgxpool.Pool
}

// NewCorrectionRepository constructs a repository.
func NewCorrectionRepository(pool *pgxpool.Pool) *CorrectionRepository {
	return &CorrectionRepository{pool: pool}
}

// ListRules returns the doctor's rules in creation order. An empty doctor id
// has no rules.
func (r *CorrectionRepository) ListRules(ctx context.Context, doctorID string) ([]corrections.Rule, error) {
	if doctorID == "" {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT before_text, after_text FROM doctor_corrections
		WHERE doctor_id = $1 ORDER BY created_at, id
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()
	var out []corrections.Rule
	for rows.Next() {
		var rule corrections.Rule
		if err := rows.Scan(&rule.Before, &rule.After); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	return out, nil
}

// AddRule appends a rule for doctorID.
func (r *CorrectionRepository) AddRule(ctx context.Context, doctorID string, rule corrections.Rule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doctor_corrections (doctor_id, before_text, after_text) VALUES ($1, $2, $3)
	`, doctorID, rule.Before, rule.After)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

// ExportRepository writes the result-access audit.
type ExportRepository struct {
	pool *pgxpool.Pool
}

// NewExportRepository constructs a repository.
func NewExportRepository(pool *pgxpool.Pool) *ExportRepository {
	return &ExportRepository{pool: pool}
}

// RecordExport inserts one audit row.
func (r *ExportRepository) RecordExport(ctx context.Context, jobID string) error {
	if _, err := r.pool.Exec(ctx, `INSERT INTO exports (job_id) VALUES ($1)`, jobID); err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

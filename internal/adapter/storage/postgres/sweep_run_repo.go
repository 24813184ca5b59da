package postgres

import (
	"context"
	"errors"
	"fmt"

	"meter-recharge/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// SweepRunRepo implements ports.SweepRunRepository.
type SweepRunRepo struct {
	pool Pool
}

// NewSweepRunRepo creates a new SweepRunRepo.
func NewSweepRunRepo(pool Pool) *SweepRunRepo {
	return &SweepRunRepo{pool: pool}
}

// Create records the start of a sweep.
func (r *SweepRunRepo) Create(ctx context.Context, run *domain.SweepRun) error {
	query := `INSERT INTO sweep_runs (id, trigger, since, until, dry_run, candidates, credited, failed,
		skipped, errors, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		run.ID, run.Trigger, run.Since, run.Until, run.DryRun, run.Candidates, run.Credited,
		run.Failed, run.Skipped, run.Errors, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sweep run: %w", err)
	}
	return nil
}

// Finish stores the final counts.
func (r *SweepRunRepo) Finish(ctx context.Context, run *domain.SweepRun) error {
	query := `UPDATE sweep_runs
		SET candidates = $1, credited = $2, failed = $3, skipped = $4, errors = $5, finished_at = $6
		WHERE id = $7`

	tag, err := r.pool.Exec(ctx, query,
		run.Candidates, run.Credited, run.Failed, run.Skipped, run.Errors, run.FinishedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish sweep run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sweep run not found: %s", run.ID)
	}
	return nil
}

// Latest returns the most recently started sweep; (nil, nil) if none.
func (r *SweepRunRepo) Latest(ctx context.Context) (*domain.SweepRun, error) {
	query := `SELECT id, trigger, since, until, dry_run, candidates, credited, failed, skipped, errors,
		started_at, finished_at
		FROM sweep_runs ORDER BY started_at DESC LIMIT 1`

	run := &domain.SweepRun{}
	err := r.pool.QueryRow(ctx, query).Scan(
		&run.ID, &run.Trigger, &run.Since, &run.Until, &run.DryRun, &run.Candidates, &run.Credited,
		&run.Failed, &run.Skipped, &run.Errors, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest sweep run: %w", err)
	}
	return run, nil
}

package postgres

import (
	"context"
	"testing"
	"time"

	"meter-recharge/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sweepColumns() []string {
	return []string{"id", "trigger", "since", "until", "dry_run", "candidates", "credited", "failed",
		"skipped", "errors", "started_at", "finished_at"}
}

func TestSweepRunRepo_CreateAndFinish(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSweepRunRepo(mock)
	started := time.Now().UTC()
	run := &domain.SweepRun{ID: uuid.New(), Trigger: domain.TriggerAdmin, StartedAt: started}

	mock.ExpectExec("INSERT INTO sweep_runs").
		WithArgs(run.ID, run.Trigger, run.Since, run.Until, false, 0, 0, 0, 0, 0, started, run.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Create(context.Background(), run))

	finished := started.Add(time.Second)
	run.Candidates, run.Credited, run.Failed, run.FinishedAt = 3, 2, 1, &finished

	mock.ExpectExec("UPDATE sweep_runs").
		WithArgs(3, 2, 1, 0, 0, &finished, run.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Finish(context.Background(), run))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepRunRepo_Finish_Missing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE sweep_runs").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewSweepRunRepo(mock).Finish(context.Background(), &domain.SweepRun{ID: uuid.New()})
	assert.ErrorContains(t, err, "not found")
}

func TestSweepRunRepo_Latest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	started := time.Now().UTC()
	finished := started.Add(2 * time.Second)
	since := started.Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT .+ FROM sweep_runs ORDER BY started_at DESC LIMIT 1").
		WillReturnRows(pgxmock.NewRows(sweepColumns()).AddRow(
			id, domain.TriggerCron, &since, (*time.Time)(nil), false, 5, 3, 1, 1, 0, started, &finished,
		))

	run, err := NewSweepRunRepo(mock).Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, 3, run.Credited)
	assert.Nil(t, run.Until)
	assert.Equal(t, finished, *run.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepRunRepo_Latest_None(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM sweep_runs").WillReturnError(pgx.ErrNoRows)

	run, err := NewSweepRunRepo(mock).Latest(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, run)
}

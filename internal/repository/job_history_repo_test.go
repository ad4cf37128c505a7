package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/database"
	"github.com/kestrelmedia/upscaled/internal/models"
)

func newTestRepo(t *testing.T) JobHistoryRepository {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.New(config.DatabaseConfig{DSN: ":memory:"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJobHistoryRepository(db.DB)
}

func terminalJob(status models.JobStatus) *models.Job {
	job := models.NewJob("/videos/in.mkv", "/videos/out.mkv")
	job.Status = status
	job.FrameCount = 500
	job.FrameRate = 23.976
	job.CompletedBatches = 10
	return job
}

func TestRecordAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := terminalJob(models.JobStatusCompleted)

	require.NoError(t, repo.Record(ctx, job))

	got, err := repo.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 500, got.FrameCount)
	assert.InDelta(t, 23.976, got.FrameRate, 1e-6)
	assert.NotNil(t, got.FinishedAt)
}

func TestGetByJobIDMissing(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetByJobID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListAndFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, terminalJob(models.JobStatusCompleted)))
	require.NoError(t, repo.Record(ctx, terminalJob(models.JobStatusCompleted)))
	require.NoError(t, repo.Record(ctx, terminalJob(models.JobStatusFailed)))

	all, err := repo.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := repo.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	failed, err := repo.ListByStatus(ctx, models.JobStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.JobStatusFailed, failed[0].Status)
}

func TestDeleteOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, terminalJob(models.JobStatusCompleted)))
	require.NoError(t, repo.Record(ctx, terminalJob(models.JobStatusCancelled)))

	// Nothing predates a cutoff in the past.
	n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	remaining, err := repo.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

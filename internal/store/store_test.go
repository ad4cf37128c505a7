package store

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/upscaled/internal/models"
)

func newTestStore() *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func frameFiles(start, end int) []string {
	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		names = append(names, fmt.Sprintf("frame_%06d.png", i))
	}
	return names
}

// seedJob creates a processing job with n sequential batches of ten
// frames each.
func seedJob(t *testing.T, s *Store, n int) (*models.Job, []*models.Batch) {
	t.Helper()
	job := s.CreateJob("/in.mkv", "/out.mkv", "/work/job")
	require.NoError(t, s.SetJobStatus(job.ID, models.JobStatusProcessing))

	batches := make([]*models.Batch, 0, n)
	for i := 0; i < n; i++ {
		start := i*10 + 1
		end := start + 9
		b, err := s.CreateBatch(job.ID, start, end, frameFiles(start, end), "/work/job/batches")
		require.NoError(t, err)
		batches = append(batches, b)
	}
	return job, batches
}

func seedWorker(s *Store, id string) *models.Worker {
	return s.RegisterWorker(id, "10.0.0.1:1", models.Capabilities{Hostname: id})
}

func TestCreateBatchValidatesRange(t *testing.T) {
	s := newTestStore()
	job := s.CreateJob("/in.mkv", "/out.mkv", "/work")

	_, err := s.CreateBatch(job.ID, 1, 10, frameFiles(1, 5), "/dir")
	assert.Error(t, err)

	_, err = s.CreateBatch(models.NewULID(), 1, 10, frameFiles(1, 10), "/dir")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestClaimPendingBatchOldestFirst(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 3)
	seedWorker(s, "w-1")

	claimed, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, batches[0].ID, claimed.ID)
	assert.Equal(t, models.BatchStatusAssigned, claimed.Status)
	assert.Equal(t, "w-1", claimed.WorkerID)

	// The worker now holds a batch and cannot claim another.
	_, err = s.ClaimPendingBatch("w-1")
	assert.ErrorIs(t, err, models.ErrWorkerUnavailable)
}

func TestClaimPendingBatchSkipsPausedJobs(t *testing.T) {
	s := newTestStore()
	job, _ := seedJob(t, s, 1)
	require.NoError(t, s.SetJobStatus(job.ID, models.JobStatusPaused))
	seedWorker(s, "w-1")

	claimed, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteBatch(t *testing.T) {
	s := newTestStore()
	job, batches := seedJob(t, s, 2)
	seedWorker(s, "w-1")
	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))

	res, err := s.CompleteBatch(batches[0].ID, "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, res.Batch.Status)
	assert.False(t, res.JobComplete)
	assert.Empty(t, res.CancelledPeers)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedBatches)

	w, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.BatchesCompleted)
	assert.True(t, w.CurrentBatchID.IsZero())
	assert.Equal(t, models.WorkerStatusIdle, w.Status)

	// Second completion of the same batch is a settled no-op.
	_, err = s.CompleteBatch(batches[0].ID, "w-1")
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
}

func TestCompleteBatchCancelsRacingDuplicate(t *testing.T) {
	s := newTestStore()
	job, batches := seedJob(t, s, 1)
	seedWorker(s, "w-1")
	seedWorker(s, "w-2")

	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))
	dup, err := s.DuplicateBatch(batches[0].ID)
	require.NoError(t, err)
	require.NoError(t, s.AssignBatch(dup.ID, "w-2"))

	// The duplicate wins the race.
	res, err := s.CompleteBatch(dup.ID, "w-2")
	require.NoError(t, err)
	require.Len(t, res.CancelledPeers, 1)
	assert.Equal(t, batches[0].ID, res.CancelledPeers[0].ID)
	assert.Equal(t, "w-1", res.CancelledPeers[0].WorkerID)
	assert.True(t, res.JobComplete)

	// The original's late result is discarded.
	_, err = s.CompleteBatch(batches[0].ID, "w-1")
	assert.ErrorIs(t, err, models.ErrAlreadySettled)

	// The losing worker's statistics are untouched.
	w1, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.Zero(t, w1.BatchesCompleted)
	assert.Zero(t, w1.BatchesFailed)
	assert.True(t, w1.CurrentBatchID.IsZero())

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedBatches)
}

func TestFailBatchRequeuesUntilExhausted(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 1)
	id := batches[0].ID

	for attempt := 1; attempt <= models.DefaultMaxRetries; attempt++ {
		worker := fmt.Sprintf("w-%d", attempt)
		seedWorker(s, worker)
		require.NoError(t, s.AssignBatch(id, worker))

		failed, err := s.FailBatch(id, worker, "upscaler crashed")
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusPending, failed.Status)
		assert.Equal(t, attempt, failed.RetryCount)
	}

	seedWorker(s, "w-final")
	require.NoError(t, s.AssignBatch(id, "w-final"))
	failed, err := s.FailBatch(id, "w-final", "upscaler crashed")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, failed.Status)
	assert.True(t, failed.IsTerminal())
}

func TestTimeoutBatch(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 1)
	seedWorker(s, "w-1")
	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))

	timed, err := s.TimeoutBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, timed.Status)
	assert.Equal(t, 1, timed.RetryCount)

	w, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ConsecutiveFailures)
	assert.True(t, w.CurrentBatchID.IsZero())

	// A settled batch cannot time out.
	_, err = s.TimeoutBatch(batches[0].ID)
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
}

func TestReleaseBatchDoesNotChargeRetry(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 1)
	seedWorker(s, "w-1")
	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))

	require.NoError(t, s.ReleaseBatch(batches[0].ID))

	got, err := s.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	w, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.Zero(t, w.ConsecutiveFailures)
	assert.True(t, w.CurrentBatchID.IsZero())
}

func TestWorkerBanBlocksAssignment(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, models.MaxConsecutiveFailures+1)
	seedWorker(s, "w-1")

	for i := 0; i < models.MaxConsecutiveFailures; i++ {
		require.NoError(t, s.AssignBatch(batches[i].ID, "w-1"))
		_, err := s.FailBatch(batches[i].ID, "w-1", "boom")
		require.NoError(t, err)
	}

	w, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.True(t, w.IsBanned(time.Now()))

	err = s.AssignBatch(batches[models.MaxConsecutiveFailures].ID, "w-1")
	assert.ErrorIs(t, err, models.ErrWorkerUnavailable)
	assert.Empty(t, s.ListAvailableWorkers())
}

func TestDuplicateRequiresInFlight(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 1)

	_, err := s.DuplicateBatch(batches[0].ID)
	assert.Error(t, err)
}

func TestJobProgressCountsGroupsOnce(t *testing.T) {
	s := newTestStore()
	job, batches := seedJob(t, s, 2)
	seedWorker(s, "w-1")
	seedWorker(s, "w-2")

	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))
	dup, err := s.DuplicateBatch(batches[0].ID)
	require.NoError(t, err)
	require.NoError(t, s.AssignBatch(dup.ID, "w-2"))

	_, err = s.CompleteBatch(dup.ID, "w-2")
	require.NoError(t, err)

	progress, err := s.JobProgress(job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, progress, 1e-9)
}

func TestCancelJob(t *testing.T) {
	s := newTestStore()
	job, batches := seedJob(t, s, 3)
	seedWorker(s, "w-1")
	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))
	_, err := s.CompleteBatch(batches[0].ID, "w-1")
	require.NoError(t, err)
	require.NoError(t, s.AssignBatch(batches[1].ID, "w-1"))

	released, err := s.CancelJob(job.ID)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, batches[1].ID, released[0].ID)
	assert.Equal(t, "w-1", released[0].WorkerID)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	// Completed batches stay completed, the rest are cancelled.
	b0, _ := s.GetBatch(batches[0].ID)
	assert.Equal(t, models.BatchStatusCompleted, b0.Status)
	b2, _ := s.GetBatch(batches[2].ID)
	assert.Equal(t, models.BatchStatusCancelled, b2.Status)

	_, err = s.CancelJob(job.ID)
	assert.Error(t, err)
}

func TestDeleteJobRemovesBatches(t *testing.T) {
	s := newTestStore()
	job, batches := seedJob(t, s, 2)

	require.NoError(t, s.DeleteJob(job.ID))
	_, err := s.GetJob(job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = s.GetBatch(batches[0].ID)
	assert.ErrorIs(t, err, models.ErrBatchNotFound)
}

func TestListAvailableWorkersOrder(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 4)

	// w-good and w-slow each settle one success. w-bad is 1 of 2.
	seedWorker(s, "w-good")
	seedWorker(s, "w-slow")
	seedWorker(s, "w-bad")

	complete := func(batchID models.ULID, worker string) {
		require.NoError(t, s.AssignBatch(batchID, worker))
		_, err := s.CompleteBatch(batchID, worker)
		require.NoError(t, err)
	}
	complete(batches[0].ID, "w-good")
	complete(batches[1].ID, "w-slow")
	require.NoError(t, s.AssignBatch(batches[2].ID, "w-bad"))
	_, err := s.FailBatch(batches[2].ID, "w-bad", "boom")
	require.NoError(t, err)
	complete(batches[2].ID, "w-bad")

	available := s.ListAvailableWorkers()
	require.Len(t, available, 3)
	// Perfect success rates come first, the failure-tainted worker last.
	assert.Equal(t, "w-bad", available[2].ID)
}

func TestDisconnectWorkerKeepsRecord(t *testing.T) {
	s := newTestStore()
	_, batches := seedJob(t, s, 1)
	seedWorker(s, "w-1")
	require.NoError(t, s.AssignBatch(batches[0].ID, "w-1"))

	held, err := s.DisconnectWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, batches[0].ID, held)

	w, err := s.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDisconnected, w.Status)

	// Reconnect revives the record with statistics intact.
	revived := s.RegisterWorker("w-1", "10.0.0.2:1", models.Capabilities{})
	assert.Equal(t, models.WorkerStatusConnected, revived.Status)
}

func TestStaleWorkers(t *testing.T) {
	s := newTestStore()
	seedWorker(s, "w-1")

	assert.Empty(t, s.StaleWorkers(time.Now().Add(-time.Minute)))
	assert.Len(t, s.StaleWorkers(time.Now().Add(time.Minute)), 1)

	require.NoError(t, s.TouchWorker("w-1"))
	assert.Empty(t, s.StaleWorkers(time.Now().Add(-time.Second)))
}

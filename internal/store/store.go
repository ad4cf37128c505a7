// Package store is the single source of truth for job, batch and
// worker state. All mutators are atomic with respect to concurrent
// callers: one exclusive region guards each top-level operation, and
// every other component reads through it.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// Store holds the authoritative in-memory state.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[models.ULID]*models.Job
	batches map[models.ULID]*models.Batch
	workers map[string]*models.Worker
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:  logger,
		jobs:    make(map[models.ULID]*models.Job),
		batches: make(map[models.ULID]*models.Batch),
		workers: make(map[string]*models.Worker),
	}
}

// CreateJob registers a new submission in the created state.
func (s *Store) CreateJob(sourcePath, outputPath, workDir string) *models.Job {
	job := models.NewJob(sourcePath, outputPath)
	job.WorkDir = workDir

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return cloneJob(job)
}

// GetJob returns a snapshot of the job.
func (s *Store) GetJob(id models.ULID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns snapshots of all jobs, newest first.
func (s *Store) ListJobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ID.Compare(jobs[j].ID) > 0
	})
	return jobs
}

// SetJobStatus transitions a job's status.
func (s *Store) SetJobStatus(id models.ULID, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = status
	return nil
}

// SetJobWorkDir records the job's on-disk directory.
func (s *Store) SetJobWorkDir(id models.ULID, workDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.WorkDir = workDir
	return nil
}

// SetJobError marks a job failed with the given message.
func (s *Store) SetJobError(id models.ULID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.MarkFailed(msg)
	return nil
}

// AddJobWarning records a non-fatal problem on a job.
func (s *Store) AddJobWarning(id models.ULID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.AddWarning(msg)
	return nil
}

// SetJobFrames records the extraction result on a job.
func (s *Store) SetJobFrames(id models.ULID, frameCount int, frameRate float64, audio, subs []models.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.FrameCount = frameCount
	job.FrameRate = frameRate
	job.AudioTracks = append([]models.MediaTrack(nil), audio...)
	job.SubtitleTracks = append([]models.MediaTrack(nil), subs...)
	return nil
}

// CreateBatch creates a pending batch for the job's frame range
// [start,end]. The filename list length must equal the range size.
func (s *Store) CreateBatch(jobID models.ULID, start, end int, frameFiles []string, inputDir string) (*models.Batch, error) {
	if want := end - start + 1; len(frameFiles) != want {
		return nil, fmt.Errorf("batch [%d,%d] needs %d frame files, got %d", start, end, want, len(frameFiles))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}

	batch := models.NewBatch(jobID, start, end, frameFiles, inputDir)
	s.batches[batch.ID] = batch
	job.BatchIDs = append(job.BatchIDs, batch.ID)

	return cloneBatch(batch), nil
}

// SetBatchMaxRetries overrides the retry ceiling for a batch.
func (s *Store) SetBatchMaxRetries(id models.ULID, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return models.ErrBatchNotFound
	}
	batch.MaxRetries = maxRetries
	return nil
}

// GetBatch returns a snapshot of the batch.
func (s *Store) GetBatch(id models.ULID) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	return cloneBatch(batch), nil
}

// ListPending returns pending batches ordered by creation time, oldest
// first.
func (s *Store) ListPending() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.Batch
	for _, batch := range s.batches {
		if batch.Status == models.BatchStatusPending {
			pending = append(pending, cloneBatch(batch))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// ListInFlight returns assigned or processing batches, oldest
// assignment first.
func (s *Store) ListInFlight() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inflight []*models.Batch
	for _, batch := range s.batches {
		if batch.InFlight() {
			inflight = append(inflight, cloneBatch(batch))
		}
	}
	sort.Slice(inflight, func(i, j int) bool {
		return inflight[i].CreatedAt.Before(inflight[j].CreatedAt)
	})
	return inflight
}

// ClaimPendingBatch atomically selects the oldest pending batch and
// transitions it to assigned for the given worker. Returns nil with no
// error when no pending work exists.
func (s *Store) ClaimPendingBatch(workerID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[workerID]
	if !ok {
		return nil, models.ErrWorkerNotFound
	}
	worker.LiftBanIfExpired(time.Now())
	if !worker.Available(time.Now()) {
		return nil, models.ErrWorkerUnavailable
	}

	var oldest *models.Batch
	for _, batch := range s.batches {
		if batch.Status != models.BatchStatusPending {
			continue
		}
		if job, ok := s.jobs[batch.JobID]; ok && job.Status == models.JobStatusPaused {
			continue
		}
		if oldest == nil || batch.CreatedAt.Before(oldest.CreatedAt) {
			oldest = batch
		}
	}
	if oldest == nil {
		return nil, nil
	}

	s.assignLocked(oldest, worker)
	return cloneBatch(oldest), nil
}

// AssignBatch transitions a specific pending or duplicate batch to
// assigned for the given worker. Used by the scheduler's greedy
// pairing.
func (s *Store) AssignBatch(batchID models.ULID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return models.ErrBatchNotFound
	}
	if batch.Status != models.BatchStatusPending && batch.Status != models.BatchStatusDuplicate {
		return fmt.Errorf("batch %s is %s, not assignable", batchID, batch.Status)
	}

	worker, ok := s.workers[workerID]
	if !ok {
		return models.ErrWorkerNotFound
	}
	worker.LiftBanIfExpired(time.Now())
	if !worker.Available(time.Now()) {
		return models.ErrWorkerUnavailable
	}

	s.assignLocked(batch, worker)
	return nil
}

// assignLocked performs the batch/worker pairing. Caller holds the
// lock.
func (s *Store) assignLocked(batch *models.Batch, worker *models.Worker) {
	batch.MarkAssigned(worker.ID)
	worker.CurrentBatchID = batch.ID
	worker.Status = models.WorkerStatusProcessing
}

// StartBatch records that the assigned worker confirmed execution.
func (s *Store) StartBatch(batchID models.ULID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return models.ErrBatchNotFound
	}
	if batch.WorkerID != workerID {
		return fmt.Errorf("batch %s is assigned to %s, not %s", batchID, batch.WorkerID, workerID)
	}
	if batch.Status != models.BatchStatusAssigned {
		return fmt.Errorf("batch %s is %s, cannot start", batchID, batch.Status)
	}
	batch.MarkProcessing()
	return nil
}

// SetBatchProgress updates the progress percentage reported by the
// worker.
func (s *Store) SetBatchProgress(batchID models.ULID, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch, ok := s.batches[batchID]; ok && batch.InFlight() {
		batch.Progress = progress
	}
}

// CompleteResult describes the outcome of CompleteBatch.
type CompleteResult struct {
	Batch *models.Batch

	// CancelledPeers are racing originals/duplicates cancelled by this
	// win, with the workers that held them.
	CancelledPeers []*models.Batch

	// JobComplete is true when every batch of the owning job has
	// settled completed.
	JobComplete bool
}

// CompleteBatch settles a batch as completed. If the batch's original
// or any duplicate already completed, the late result is discarded
// with ErrAlreadySettled. The first win cancels all racing peers and
// returns their workers to idle.
func (s *Store) CompleteBatch(batchID models.ULID, workerID string) (*CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, models.ErrBatchNotFound
	}

	peers := s.peersLocked(batch)
	for _, peer := range peers {
		if peer.Status == models.BatchStatusCompleted {
			return nil, models.ErrAlreadySettled
		}
	}
	if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusCancelled {
		return nil, models.ErrAlreadySettled
	}
	if batch.WorkerID != workerID {
		return nil, fmt.Errorf("batch %s is assigned to %q, not %q", batchID, batch.WorkerID, workerID)
	}

	var elapsed time.Duration
	if batch.AssignedAt != nil {
		elapsed = time.Since(*batch.AssignedAt)
	}

	batch.MarkCompleted()

	if worker, ok := s.workers[workerID]; ok {
		worker.RecordSuccess(batch.FrameCount(), elapsed)
		worker.CurrentBatchID = models.ULID{}
		if worker.Status == models.WorkerStatusProcessing {
			worker.Status = models.WorkerStatusIdle
		}
	}

	result := &CompleteResult{Batch: cloneBatch(batch)}

	// First win cancels the racing copies. Losing workers keep their
	// statistics untouched: discarded work is neither a success nor a
	// failure.
	for _, peer := range peers {
		if peer.ID == batch.ID || peer.IsTerminal() {
			continue
		}
		holder := peer.WorkerID
		peer.MarkCancelled()
		if holder != "" {
			if worker, ok := s.workers[holder]; ok && worker.CurrentBatchID == peer.ID {
				worker.CurrentBatchID = models.ULID{}
				if worker.Status == models.WorkerStatusProcessing {
					worker.Status = models.WorkerStatusIdle
				}
			}
		}
		snapshot := cloneBatch(peer)
		snapshot.WorkerID = holder
		result.CancelledPeers = append(result.CancelledPeers, snapshot)
	}

	if job, ok := s.jobs[batch.JobID]; ok {
		job.CompletedBatches++
		result.JobComplete = s.jobBatchesCompleteLocked(job)
	}

	return result, nil
}

// jobBatchesCompleteLocked reports whether every batch group of the
// job has a completed member. Caller holds the lock.
func (s *Store) jobBatchesCompleteLocked(job *models.Job) bool {
	for _, id := range job.BatchIDs {
		batch, ok := s.batches[id]
		if !ok {
			return false
		}
		if batch.IsDuplicate() {
			continue
		}
		if !s.groupCompletedLocked(batch) {
			return false
		}
	}
	return len(job.BatchIDs) > 0
}

// groupCompletedLocked reports whether the batch or any duplicate of
// it completed.
func (s *Store) groupCompletedLocked(batch *models.Batch) bool {
	for _, peer := range s.peersLocked(batch) {
		if peer.Status == models.BatchStatusCompleted {
			return true
		}
	}
	return false
}

// peersLocked returns the batch group: the original plus every
// duplicate, including the batch itself.
func (s *Store) peersLocked(batch *models.Batch) []*models.Batch {
	groupID := batch.ID
	if batch.IsDuplicate() {
		groupID = batch.OriginalID
	}

	var peers []*models.Batch
	for _, b := range s.batches {
		if b.ID == groupID || b.OriginalID == groupID {
			peers = append(peers, b)
		}
	}
	return peers
}

// FailBatch settles a failed attempt: the batch returns to pending
// while retries remain, else becomes terminally failed. The worker's
// consecutive-failure counter is bumped, banning it after three in a
// row.
func (s *Store) FailBatch(batchID models.ULID, workerID string, errMsg string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	if batch.IsTerminal() || s.groupCompletedLocked(batch) {
		return nil, models.ErrAlreadySettled
	}

	s.releaseWorkerLocked(workerID, batchID)
	if worker, ok := s.workers[workerID]; ok {
		worker.RecordFailure(time.Now())
	}

	batch.Error = errMsg
	if batch.CanRetry() {
		batch.Requeue()
	} else {
		batch.Status = models.BatchStatusFailed
		batch.WorkerID = ""
		if job, ok := s.jobs[batch.JobID]; ok {
			job.FailedBatches++
			job.AddWarning(fmt.Sprintf("batch %s failed after %d retries: %s", batchID, batch.RetryCount, errMsg))
		}
	}
	return cloneBatch(batch), nil
}

// TimeoutBatch settles a wall-clock timeout: the assignment is
// cleared, the worker's consecutive-failure counter increments, and
// the batch returns to pending while retries remain.
func (s *Store) TimeoutBatch(batchID models.ULID) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	if !batch.InFlight() {
		return nil, models.ErrAlreadySettled
	}

	workerID := batch.WorkerID
	s.releaseWorkerLocked(workerID, batchID)
	if worker, ok := s.workers[workerID]; ok {
		worker.RecordFailure(time.Now())
	}

	batch.Error = "batch timed out"
	batch.Status = models.BatchStatusTimeout
	if batch.CanRetry() {
		batch.Requeue()
	} else {
		batch.Status = models.BatchStatusFailed
		batch.WorkerID = ""
		if job, ok := s.jobs[batch.JobID]; ok {
			job.FailedBatches++
			job.AddWarning(fmt.Sprintf("batch %s timed out after %d retries", batchID, batch.RetryCount))
		}
	}
	return cloneBatch(batch), nil
}

// ReleaseBatch returns an in-flight batch to pending without counting
// a retry. Used for transient faults: connection drops and heartbeat
// misses.
func (s *Store) ReleaseBatch(batchID models.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return models.ErrBatchNotFound
	}
	if !batch.InFlight() {
		return nil
	}

	s.releaseWorkerLocked(batch.WorkerID, batchID)
	batch.Status = models.BatchStatusPending
	batch.WorkerID = ""
	batch.AssignedAt = nil
	batch.StartedAt = nil
	batch.Progress = 0
	return nil
}

// releaseWorkerLocked clears the worker's assignment if it still holds
// the batch. Caller holds the lock.
func (s *Store) releaseWorkerLocked(workerID string, batchID models.ULID) {
	worker, ok := s.workers[workerID]
	if !ok {
		return
	}
	if worker.CurrentBatchID == batchID {
		worker.CurrentBatchID = models.ULID{}
		if worker.Status == models.WorkerStatusProcessing {
			worker.Status = models.WorkerStatusIdle
		}
	}
}

// DuplicateBatch creates a straggler-mitigation copy of an in-flight
// batch. The duplicate shares the input directory but has its own id,
// status and assignment.
func (s *Store) DuplicateBatch(batchID models.ULID) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	if !batch.InFlight() {
		return nil, fmt.Errorf("batch %s is %s, cannot duplicate", batchID, batch.Status)
	}

	dup := batch.Duplicate()
	s.batches[dup.ID] = dup
	if job, ok := s.jobs[batch.JobID]; ok {
		job.BatchIDs = append(job.BatchIDs, dup.ID)
	}
	return cloneBatch(dup), nil
}

// JobProgress returns completed/total for the job counting batch
// groups once.
func (s *Store) JobProgress(jobID models.ULID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, models.ErrJobNotFound
	}

	total, completed := 0, 0
	for _, id := range job.BatchIDs {
		batch, ok := s.batches[id]
		if !ok || batch.IsDuplicate() {
			continue
		}
		total++
		if s.groupCompletedLocked(batch) {
			completed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(completed) / float64(total), nil
}

// CancelJob cancels every not-yet-completed batch of the job and
// returns the cancelled in-flight batches so the transport can notify
// their workers.
func (s *Store) CancelJob(jobID models.ULID) ([]*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s, cannot cancel", jobID, job.Status)
	}

	var released []*models.Batch
	for _, id := range job.BatchIDs {
		batch, ok := s.batches[id]
		if !ok || batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusCancelled {
			continue
		}
		holder := batch.WorkerID
		inFlight := batch.InFlight()
		s.releaseWorkerLocked(holder, batch.ID)
		batch.MarkCancelled()
		if inFlight {
			snapshot := cloneBatch(batch)
			snapshot.WorkerID = holder
			released = append(released, snapshot)
		}
	}

	job.Status = models.JobStatusCancelled
	return released, nil
}

// DeleteJob purges a job and all its batches.
func (s *Store) DeleteJob(jobID models.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	for _, id := range job.BatchIDs {
		delete(s.batches, id)
	}
	delete(s.jobs, jobID)
	return nil
}

// cloneJob returns a deep copy safe to hand outside the lock.
func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.AudioTracks = append([]models.MediaTrack(nil), j.AudioTracks...)
	c.SubtitleTracks = append([]models.MediaTrack(nil), j.SubtitleTracks...)
	c.BatchIDs = append([]models.ULID(nil), j.BatchIDs...)
	c.Warnings = append([]string(nil), j.Warnings...)
	return &c
}

// cloneBatch returns a deep copy safe to hand outside the lock.
func cloneBatch(b *models.Batch) *models.Batch {
	c := *b
	c.FrameFiles = append([]string(nil), b.FrameFiles...)
	if b.AssignedAt != nil {
		t := *b.AssignedAt
		c.AssignedAt = &t
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

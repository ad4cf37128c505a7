package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/transport"
)

// HandleResult settles a batch_result from a worker. Implements
// transport.Handler.
func (s *Scheduler) HandleResult(workerID string, result *transport.BatchResult) {
	switch result.Status {
	case transport.ResultCompleted:
		s.handleCompletion(workerID, result)
	case transport.ResultFailed:
		s.handleFailure(workerID, result.BatchID, result.ErrorMessage)
	default:
		s.logger.Warn("batch result with unknown status",
			slog.String("worker_id", workerID),
			slog.String("status", result.Status),
		)
	}
	s.Wake()
}

// handleCompletion decrypts and stages the result, then settles the
// batch. A decrypt or unpack failure counts as a failed attempt; a
// late result behind a settled peer is discarded silently.
func (s *Scheduler) handleCompletion(workerID string, result *transport.BatchResult) {
	batch, err := s.store.GetBatch(result.BatchID)
	if err != nil {
		s.logger.Warn("result for unknown batch",
			slog.String("worker_id", workerID),
			slog.String("batch_id", result.BatchID.String()),
		)
		return
	}

	job, err := s.store.GetJob(batch.JobID)
	if err != nil {
		s.logger.Warn("result for unknown job",
			slog.String("batch_id", result.BatchID.String()),
			slog.String("job_id", batch.JobID.String()),
		)
		return
	}

	data, err := s.transport.DecryptResult(workerID, result)
	if err != nil {
		s.logger.Warn("result decrypt failed",
			slog.String("worker_id", workerID),
			slog.String("batch_id", result.BatchID.String()),
			slog.String("error", err.Error()),
		)
		s.handleFailure(workerID, result.BatchID, fmt.Sprintf("security violation: %v", err))
		return
	}

	// Stage inside the job's work dir so the final move stays on one
	// filesystem and a racing duplicate never observes a partially
	// written final tree.
	stageDir, err := os.MkdirTemp(job.WorkDir, "result-*")
	if err != nil {
		s.handleFailure(workerID, result.BatchID, fmt.Sprintf("staging result: %v", err))
		return
	}
	defer os.RemoveAll(stageDir)

	names, err := archive.Unpack(data, stageDir)
	if err != nil {
		s.handleFailure(workerID, result.BatchID, fmt.Sprintf("unpacking result: %v", err))
		return
	}
	if len(names) < batch.FrameCount() {
		s.handleFailure(workerID, result.BatchID,
			fmt.Sprintf("result has %d frames, batch covers %d", len(names), batch.FrameCount()))
		return
	}

	// Frames are persisted before the batch settles; a settled batch
	// whose frames were lost would starve assembly with no retry left.
	finalDir := filepath.Join(job.WorkDir, "upscaled_final")
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		s.handleFailure(workerID, result.BatchID, fmt.Sprintf("creating final dir: %v", err))
		return
	}
	for _, name := range names {
		if err := moveFrame(filepath.Join(stageDir, name), filepath.Join(finalDir, name)); err != nil {
			s.handleFailure(workerID, result.BatchID, fmt.Sprintf("persisting frame %s: %v", name, err))
			return
		}
	}

	settled, err := s.store.CompleteBatch(result.BatchID, workerID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadySettled) {
			s.metrics.BatchesLateWins.Inc()
			s.logger.Info("discarding late result",
				slog.String("batch_id", result.BatchID.String()),
				slog.String("worker_id", workerID),
			)
			return
		}
		s.logger.Warn("completing batch failed",
			slog.String("batch_id", result.BatchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.metrics.BatchesComplete.Inc()
	if settled.Batch.AssignedAt != nil && settled.Batch.CompletedAt != nil {
		s.metrics.BatchDuration.Observe(settled.Batch.CompletedAt.Sub(*settled.Batch.AssignedAt).Seconds())
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeBatchCompleted,
		JobID:    batch.JobID.String(),
		BatchID:  result.BatchID.String(),
		WorkerID: workerID,
	})

	for _, peer := range settled.CancelledPeers {
		if peer.WorkerID != "" {
			_ = s.transport.SendCancel(peer.WorkerID, peer.ID, "peer batch completed first")
		}
	}

	s.logger.Info("batch completed",
		slog.String("batch_id", result.BatchID.String()),
		slog.String("worker_id", workerID),
		slog.Int("peers_cancelled", len(settled.CancelledPeers)),
	)

	if settled.JobComplete {
		go s.assembleJob(batch.JobID, false)
	}
}

// moveFrame renames src to dst, falling back to a copy when the rename
// fails, e.g. across filesystems.
func moveFrame(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := linkOrCopy(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// handleFailure settles a failed attempt and fails the job when the
// batch exhausted its retries.
func (s *Scheduler) handleFailure(workerID string, batchID models.ULID, errMsg string) {
	settled, err := s.store.FailBatch(batchID, workerID, errMsg)
	if err != nil {
		if errors.Is(err, models.ErrAlreadySettled) {
			return
		}
		s.logger.Warn("failing batch failed",
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.metrics.BatchesFailed.Inc()
	s.bus.Publish(events.Event{
		Type:     events.TypeBatchFailed,
		JobID:    settled.JobID.String(),
		BatchID:  batchID.String(),
		WorkerID: workerID,
		Message:  errMsg,
	})
	s.logger.Warn("batch failed",
		slog.String("batch_id", batchID.String()),
		slog.String("worker_id", workerID),
		slog.Int("retry_count", settled.RetryCount),
		slog.String("error", errMsg),
	)

	if w, err := s.store.GetWorker(workerID); err == nil && w.IsBanned(time.Now()) {
		s.bus.Publish(events.Event{Type: events.TypeWorkerBanned, WorkerID: workerID})
		s.logger.Warn("worker banned after consecutive failures",
			slog.String("worker_id", workerID),
		)
	}

	s.settleFailureFallout(settled)
}

// HandleHeartbeat refreshes the worker's liveness and in-flight
// progress. The first processing report moves the held batch from
// assigned to processing. Implements transport.Handler.
func (s *Scheduler) HandleHeartbeat(workerID string, hb *transport.Heartbeat) {
	if err := s.store.TouchWorker(workerID); err != nil {
		return
	}
	if hb.ClientStatus != "processing" && hb.Progress <= 0 {
		return
	}

	w, err := s.store.GetWorker(workerID)
	if err != nil || w.CurrentBatchID.IsZero() {
		return
	}

	if err := s.store.StartBatch(w.CurrentBatchID, workerID); err == nil {
		if batch, err := s.store.GetBatch(w.CurrentBatchID); err == nil {
			s.bus.Publish(events.Event{
				Type:     events.TypeBatchStarted,
				JobID:    batch.JobID.String(),
				BatchID:  batch.ID.String(),
				WorkerID: workerID,
			})
		}
	}
	if hb.Progress > 0 {
		s.store.SetBatchProgress(w.CurrentBatchID, hb.Progress)
	}
}

// HandleDisconnect releases the worker's held batch on connection
// loss. Implements transport.Handler.
func (s *Scheduler) HandleDisconnect(workerID string) {
	s.releaseWorker(workerID)
}

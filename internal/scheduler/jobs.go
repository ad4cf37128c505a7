package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/frameio"
	"github.com/kestrelmedia/upscaled/internal/models"
)

// SubmitJob validates the source, creates the job and starts extraction
// in the background.
func (s *Scheduler) SubmitJob(ctx context.Context, sourcePath, outputPath string) (*models.Job, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnreadable, err)
	}
	if outputPath == "" {
		return nil, fmt.Errorf("%w: output path is required", models.ErrConfiguration)
	}

	job := s.store.CreateJob(sourcePath, outputPath, "")
	jobDir := s.storage.JobDir(job.ID.String())
	job.WorkDir = jobDir
	// The store snapshot does not carry the work dir yet; persist it.
	_ = s.store.SetJobWorkDir(job.ID, jobDir)

	s.metrics.JobsCreated.Inc()
	s.bus.Publish(events.Event{Type: events.TypeJobCreated, JobID: job.ID.String()})
	s.logger.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("source", sourcePath),
	)

	go s.runExtraction(job.ID)
	return job, nil
}

// runExtraction demuxes the source and slices the frames into batches,
// then opens the job for dispatch.
func (s *Scheduler) runExtraction(jobID models.ULID) {
	ctx := context.Background()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		return
	}
	if err := s.store.SetJobStatus(jobID, models.JobStatusExtracting); err != nil {
		return
	}

	result, err := s.extractor.Extract(ctx, job.SourcePath, job.WorkDir)
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("extraction failed: %v", err))
		return
	}

	for _, warning := range result.Warnings {
		_ = s.store.AddJobWarning(jobID, warning)
	}
	if err := s.store.SetJobFrames(jobID, result.FrameCount, result.FrameRate, result.AudioTracks, result.SubtitleTracks); err != nil {
		return
	}

	if err := s.createBatches(jobID, job.WorkDir, result); err != nil {
		s.failJob(jobID, fmt.Sprintf("batching failed: %v", err))
		return
	}

	if err := s.store.SetJobStatus(jobID, models.JobStatusProcessing); err != nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TypeJobExtracted,
		JobID:   jobID.String(),
		Message: fmt.Sprintf("%d frames", result.FrameCount),
	})
	s.Wake()
}

// createBatches slices the extracted frames into contiguous batch
// directories under the job's batches/ subtree. Frames are hard-linked
// when the filesystem allows, copied otherwise.
func (s *Scheduler) createBatches(jobID models.ULID, jobDir string, result *frameio.ExtractResult) error {
	batchSize := s.cfg.BatchSize
	if batchSize < 1 {
		batchSize = models.DefaultBatchSize
	}

	seq := 0
	for start := 1; start <= result.FrameCount; start += batchSize {
		end := start + batchSize - 1
		if end > result.FrameCount {
			end = result.FrameCount
		}

		seq++
		batchDir := filepath.Join(jobDir, "batches", fmt.Sprintf("batch_%03d", seq))
		if err := os.MkdirAll(batchDir, 0o755); err != nil {
			return fmt.Errorf("creating batch dir: %w", err)
		}

		names := make([]string, 0, end-start+1)
		for i := start; i <= end; i++ {
			name := archive.FrameName(i)
			if err := linkOrCopy(filepath.Join(result.FramesDir, name), filepath.Join(batchDir, name)); err != nil {
				return fmt.Errorf("staging frame %s: %w", name, err)
			}
			names = append(names, name)
		}

		batch, err := s.store.CreateBatch(jobID, start, end, names, batchDir)
		if err != nil {
			return err
		}
		if s.cfg.MaxRetries != models.DefaultMaxRetries {
			_ = s.store.SetBatchMaxRetries(batch.ID, s.cfg.MaxRetries)
		}
		s.bus.Publish(events.Event{
			Type:    events.TypeBatchCreated,
			JobID:   jobID.String(),
			BatchID: batch.ID.String(),
		})
	}

	s.logger.Info("batches created",
		slog.String("job_id", jobID.String()),
		slog.Int("batches", seq),
		slog.Int("frames", result.FrameCount),
	)
	return nil
}

// AssembleJob starts assembly on operator request, ahead of (or
// despite) the automatic trigger. A job holding terminally failed
// batches assembles only with force, which tolerates the missing
// frames; a job failed by retry exhaustion is revived the same way.
func (s *Scheduler) AssembleJob(jobID models.ULID, force bool) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobStatusProcessing, models.JobStatusPaused, models.JobStatusFailed:
	default:
		return fmt.Errorf("job %s is %s, cannot assemble", jobID, job.Status)
	}
	if job.FailedBatches > 0 && !force {
		return fmt.Errorf("job %s has %d failed batches, assembly requires force", jobID, job.FailedBatches)
	}

	s.logger.Info("operator requested assembly",
		slog.String("job_id", jobID.String()),
		slog.Bool("force", force),
	)
	go s.assembleJob(jobID, force)
	return nil
}

// assembleJob muxes the upscaled frames with the original sidecars and
// settles the job.
func (s *Scheduler) assembleJob(jobID models.ULID, force bool) {
	ctx := context.Background()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		return
	}
	// Only a forced override assembles a failed job; completed and
	// cancelled jobs never do.
	if job.IsTerminal() && !(force && job.Status == models.JobStatusFailed) {
		return
	}
	if err := s.store.SetJobStatus(jobID, models.JobStatusAssembling); err != nil {
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeJobAssembling, JobID: jobID.String()})

	err = s.assembler.Assemble(ctx, frameio.AssembleRequest{
		FramesDir:      filepath.Join(job.WorkDir, "upscaled_final"),
		FrameRate:      job.FrameRate,
		FrameCount:     job.FrameCount,
		AudioTracks:    job.AudioTracks,
		SubtitleTracks: job.SubtitleTracks,
		OutputPath:     job.OutputPath,
		Force:          force,
	})
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("assembly failed: %v", err))
		return
	}

	if err := s.store.SetJobStatus(jobID, models.JobStatusCompleted); err != nil {
		return
	}
	s.metrics.JobsCompleted.Inc()
	s.bus.Publish(events.Event{Type: events.TypeJobCompleted, JobID: jobID.String()})
	s.logger.Info("job completed",
		slog.String("job_id", jobID.String()),
		slog.String("output", job.OutputPath),
	)
	s.recordHistory(jobID)
}

// failJob marks the job failed, records history and publishes the
// event.
func (s *Scheduler) failJob(jobID models.ULID, msg string) {
	if err := s.store.SetJobError(jobID, msg); err != nil {
		return
	}
	s.metrics.JobsFailed.Inc()
	s.bus.Publish(events.Event{Type: events.TypeJobFailed, JobID: jobID.String(), Message: msg})
	s.logger.Error("job failed",
		slog.String("job_id", jobID.String()),
		slog.String("error", msg),
	)
	s.recordHistory(jobID)
}

// CancelJob cancels the job and instructs workers holding its batches
// to discard their work.
func (s *Scheduler) CancelJob(jobID models.ULID) error {
	released, err := s.store.CancelJob(jobID)
	if err != nil {
		return err
	}

	for _, batch := range released {
		if batch.WorkerID != "" {
			_ = s.transport.SendCancel(batch.WorkerID, batch.ID, "job cancelled")
		}
	}

	s.bus.Publish(events.Event{Type: events.TypeJobCancelled, JobID: jobID.String()})
	s.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.Int("batches_released", len(released)),
	)
	s.recordHistory(jobID)
	return nil
}

// PauseJob suspends dispatch of the job's pending batches. In-flight
// batches run to completion.
func (s *Scheduler) PauseJob(jobID models.ULID) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return fmt.Errorf("job %s is %s, cannot pause", jobID, job.Status)
	}
	return s.store.SetJobStatus(jobID, models.JobStatusPaused)
}

// ResumeJob reopens a paused job for dispatch.
func (s *Scheduler) ResumeJob(jobID models.ULID) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPaused {
		return fmt.Errorf("job %s is %s, cannot resume", jobID, job.Status)
	}
	if err := s.store.SetJobStatus(jobID, models.JobStatusProcessing); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// DeleteJob purges a terminal job's state and on-disk tree.
func (s *Scheduler) DeleteJob(jobID models.ULID) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("job %s is %s, cancel it before deleting", jobID, job.Status)
	}
	if err := s.store.DeleteJob(jobID); err != nil {
		return err
	}
	if job.WorkDir != "" {
		if err := os.RemoveAll(job.WorkDir); err != nil {
			s.logger.Warn("removing job work dir failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// PurgeExpired removes terminal jobs older than the retention TTL.
// Invoked by the retention cron.
func (s *Scheduler) PurgeExpired() {
	if s.cfg.RetentionTTL <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.cfg.RetentionTTL)
	purged := 0
	for _, job := range s.store.ListJobs() {
		if !job.IsTerminal() || job.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteJob(job.ID); err == nil {
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info("retention purge", slog.Int("jobs_purged", purged))
	}
}

// linkOrCopy hard-links src to dst, copying when the link fails.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

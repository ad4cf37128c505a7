// Package scheduler drives the coordinator's batch lifecycle: the
// assignment loop pairs pending batches with the best available
// workers, the timeout loop reaps stuck assignments, and the
// completion path cascades duplicate cancellation and triggers
// assembly.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/frameio"
	"github.com/kestrelmedia/upscaled/internal/metrics"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/store"
	"github.com/kestrelmedia/upscaled/internal/transport"
)

// Transport is the subset of the worker transport the scheduler
// drives.
type Transport interface {
	SendAssignment(workerID string, batch *models.Batch, archive []byte, cfg models.BatchConfig, timeout time.Duration) error
	SendCancel(workerID string, batchID models.ULID, reason string) error
	Connected(workerID string) bool
	DecryptResult(workerID string, result *transport.BatchResult) ([]byte, error)
}

// Assembler muxes upscaled frames and sidecars into the output video.
type Assembler interface {
	Assemble(ctx context.Context, req frameio.AssembleRequest) error
}

// HistoryRecorder archives terminal jobs.
type HistoryRecorder interface {
	Record(ctx context.Context, job *models.Job) error
}

// Scheduler owns the coordinator-side batch lifecycle.
type Scheduler struct {
	logger  *slog.Logger
	cfg     config.SchedulerConfig
	storage config.StorageConfig

	store     *store.Store
	transport Transport
	extractor *frameio.Extractor
	assembler Assembler
	bus       *events.Bus
	metrics   *metrics.Metrics
	history   HistoryRecorder

	batchConfig models.BatchConfig

	// wake nudges the assignment loop ahead of its next tick.
	wake chan struct{}
}

// New creates a scheduler. The transport is attached afterwards via
// SetTransport since the transport's handler is the scheduler itself.
func New(
	logger *slog.Logger,
	cfg config.SchedulerConfig,
	storage config.StorageConfig,
	st *store.Store,
	extractor *frameio.Extractor,
	assembler Assembler,
	bus *events.Bus,
	m *metrics.Metrics,
	history HistoryRecorder,
	batchConfig models.BatchConfig,
) *Scheduler {
	return &Scheduler{
		logger:      logger,
		cfg:         cfg,
		storage:     storage,
		store:       st,
		extractor:   extractor,
		assembler:   assembler,
		bus:         bus,
		metrics:     m,
		history:     history,
		batchConfig: batchConfig,
		wake:        make(chan struct{}, 1),
	}
}

// SetTransport attaches the worker transport. Must be called before
// Start.
func (s *Scheduler) SetTransport(t Transport) {
	s.transport = t
}

// Wake nudges the assignment loop without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the assignment, timeout and liveness loops until the
// context ends.
func (s *Scheduler) Start(ctx context.Context) {
	go s.assignmentLoop(ctx)
	go s.timeoutLoop(ctx)
	go s.livenessLoop(ctx)
}

// assignmentLoop wakes on a bounded interval or an explicit nudge and
// runs one assignment pass.
func (s *Scheduler) assignmentLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AssignmentWake)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.assignPass(ctx)
	}
}

// assignPass snapshots pending batches and available workers and pairs
// them greedily: oldest batch to best worker. When the pending queue
// runs short, idle workers receive duplicates of the oldest in-flight
// batches.
func (s *Scheduler) assignPass(ctx context.Context) {
	pending := s.assignablePending()
	workers := s.connectedAvailable()

	s.metrics.BatchesPending.Set(float64(len(pending)))

	n := 0
	for n < len(pending) && n < len(workers) {
		s.dispatch(ctx, pending[n], workers[n])
		n++
	}

	workers = workers[n:]
	remaining := len(pending) - n
	if len(workers) == 0 || remaining >= s.cfg.DuplicateThreshold {
		return
	}
	s.issueDuplicates(ctx, workers)
}

// assignablePending returns pending batches of jobs that are still
// dispatching, oldest first.
func (s *Scheduler) assignablePending() []*models.Batch {
	var out []*models.Batch
	for _, batch := range s.store.ListPending() {
		job, err := s.store.GetJob(batch.JobID)
		if err != nil || job.Status != models.JobStatusProcessing {
			continue
		}
		out = append(out, batch)
	}
	return out
}

// connectedAvailable returns available workers that also hold a live
// connection, best first.
func (s *Scheduler) connectedAvailable() []*models.Worker {
	var out []*models.Worker
	for _, w := range s.store.ListAvailableWorkers() {
		if s.transport.Connected(w.ID) {
			out = append(out, w)
		}
	}
	return out
}

// dispatch packs the batch's frames, marks the assignment and sends it.
// A send failure releases the batch without counting a retry.
func (s *Scheduler) dispatch(ctx context.Context, batch *models.Batch, worker *models.Worker) {
	data, err := archive.Pack(batch.InputDir, batch.FrameFiles)
	if err != nil {
		s.logger.Error("packing batch failed",
			slog.String("batch_id", batch.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.store.AssignBatch(batch.ID, worker.ID); err != nil {
		s.logger.Debug("assignment lost race",
			slog.String("batch_id", batch.ID.String()),
			slog.String("worker_id", worker.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.transport.SendAssignment(worker.ID, batch, data, s.batchConfig, s.cfg.BatchTimeout); err != nil {
		s.logger.Warn("assignment send failed, releasing batch",
			slog.String("batch_id", batch.ID.String()),
			slog.String("worker_id", worker.ID),
			slog.String("error", err.Error()),
		)
		_ = s.store.ReleaseBatch(batch.ID)
		return
	}

	s.metrics.BatchesAssigned.Inc()
	s.bus.Publish(events.Event{
		Type:     events.TypeBatchAssigned,
		JobID:    batch.JobID.String(),
		BatchID:  batch.ID.String(),
		WorkerID: worker.ID,
	})
	s.logger.Info("batch assigned",
		slog.String("batch_id", batch.ID.String()),
		slog.String("worker_id", worker.ID),
		slog.Int("frames", batch.FrameCount()),
	)
}

// issueDuplicates hands idle workers duplicates of the oldest in-flight
// batches that do not already have a racing copy.
func (s *Scheduler) issueDuplicates(ctx context.Context, workers []*models.Worker) {
	inflight := s.store.ListInFlight()
	duped := make(map[string]bool)
	for _, b := range inflight {
		if b.IsDuplicate() {
			duped[b.OriginalID.String()] = true
		}
	}

	wi := 0
	for _, original := range inflight {
		if wi >= len(workers) {
			return
		}
		if original.IsDuplicate() || duped[original.ID.String()] {
			continue
		}
		if original.WorkerID == workers[wi].ID {
			continue
		}

		dup, err := s.store.DuplicateBatch(original.ID)
		if err != nil {
			continue
		}
		s.metrics.BatchesDupes.Inc()
		s.bus.Publish(events.Event{
			Type:    events.TypeBatchDuplicate,
			JobID:   dup.JobID.String(),
			BatchID: dup.ID.String(),
			Message: "racing " + original.ID.String(),
		})
		s.dispatch(ctx, dup, workers[wi])
		wi++
	}
}

// timeoutLoop reaps in-flight batches that exceeded the wall-clock
// ceiling.
func (s *Scheduler) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TimeoutSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.timeoutPass()
		}
	}
}

func (s *Scheduler) timeoutPass() {
	now := time.Now()
	inflight := s.store.ListInFlight()
	s.metrics.BatchesInFlight.Set(float64(len(inflight)))

	for _, batch := range inflight {
		if batch.AssignedAt == nil || now.Sub(*batch.AssignedAt) < s.cfg.BatchTimeout {
			continue
		}

		holder := batch.WorkerID
		settled, err := s.store.TimeoutBatch(batch.ID)
		if err != nil {
			continue
		}

		s.metrics.BatchesTimedOut.Inc()
		s.bus.Publish(events.Event{
			Type:     events.TypeBatchTimeout,
			JobID:    batch.JobID.String(),
			BatchID:  batch.ID.String(),
			WorkerID: holder,
		})
		s.logger.Warn("batch timed out",
			slog.String("batch_id", batch.ID.String()),
			slog.String("worker_id", holder),
			slog.Int("retry_count", settled.RetryCount),
		)

		if holder != "" {
			_ = s.transport.SendCancel(holder, batch.ID, "batch timed out")
		}
		s.settleFailureFallout(settled)
		s.Wake()
	}
}

// livenessLoop disconnects workers whose heartbeats have gone stale and
// releases their batches without counting a retry.
func (s *Scheduler) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.livenessPass()
		}
	}
}

func (s *Scheduler) livenessPass() {
	deadline := time.Now().Add(-time.Duration(s.cfg.HeartbeatMisses) * s.cfg.HeartbeatInterval)
	for _, w := range s.store.StaleWorkers(deadline) {
		s.logger.Warn("worker heartbeat stale, disconnecting",
			slog.String("worker_id", w.ID),
			slog.Time("last_heartbeat", w.LastHeartbeat),
		)
		s.releaseWorker(w.ID)
	}
}

// releaseWorker marks the worker disconnected and returns its held
// batch, if any, to the pending queue without a retry charge.
func (s *Scheduler) releaseWorker(workerID string) {
	held, err := s.store.DisconnectWorker(workerID)
	if err != nil {
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeWorkerLeft, WorkerID: workerID})

	if !held.IsZero() {
		if err := s.store.ReleaseBatch(held); err == nil {
			s.logger.Info("released batch from disconnected worker",
				slog.String("batch_id", held.String()),
				slog.String("worker_id", workerID),
			)
			s.Wake()
		}
	}
}

// settleFailureFallout fails the owning job once a batch has exhausted
// its retries.
func (s *Scheduler) settleFailureFallout(batch *models.Batch) {
	if batch.Status != models.BatchStatusFailed || batch.CanRetry() {
		return
	}

	msg := "batch " + batch.ID.String() + " exhausted retries"
	if batch.Error != "" {
		msg += ": " + batch.Error
	}
	if err := s.store.SetJobError(batch.JobID, msg); err != nil {
		return
	}
	s.metrics.JobsFailed.Inc()
	s.bus.Publish(events.Event{
		Type:    events.TypeJobFailed,
		JobID:   batch.JobID.String(),
		Message: msg,
	})
	s.recordHistory(batch.JobID)
}

// recordHistory archives the job's terminal state.
func (s *Scheduler) recordHistory(jobID models.ULID) {
	if s.history == nil {
		return
	}
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.history.Record(ctx, job); err != nil {
		s.logger.Warn("recording job history failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

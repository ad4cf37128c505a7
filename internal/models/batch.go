package models

import (
	"time"
)

// DefaultBatchSize is the target number of frames per batch. The final
// batch of a job may be smaller.
const DefaultBatchSize = 50

// DefaultMaxRetries is the number of times a batch returns to pending
// after a failure or timeout before becoming terminally failed.
const DefaultMaxRetries = 3

// BatchStatus represents the current status of a batch.
type BatchStatus string

const (
	// BatchStatusPending indicates the batch is waiting for assignment.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusAssigned indicates the batch has been handed to a
	// worker but processing has not been confirmed.
	BatchStatusAssigned BatchStatus = "assigned"
	// BatchStatusProcessing indicates the worker confirmed it is
	// running the upscaler.
	BatchStatusProcessing BatchStatus = "processing"
	// BatchStatusCompleted indicates results were persisted. Terminal.
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed indicates the batch failed. Terminal once
	// retries are exhausted.
	BatchStatusFailed BatchStatus = "failed"
	// BatchStatusTimeout indicates the batch exceeded its wall-clock
	// ceiling while assigned or processing.
	BatchStatusTimeout BatchStatus = "timeout"
	// BatchStatusDuplicate marks a straggler-mitigation copy that has
	// been created but not yet assigned.
	BatchStatusDuplicate BatchStatus = "duplicate"
	// BatchStatusCancelled indicates the batch was cancelled, either
	// by a racing duplicate win or a job-level cancel. Terminal.
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Batch is a contiguous, ordered slice of one job's frames sized to be
// a unit of worker execution.
type Batch struct {
	ID    ULID `json:"id"`
	JobID ULID `json:"job_id"`

	// StartFrame and EndFrame are the inclusive frame index range.
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"`

	// FrameFiles are relative filenames inside InputDir, in ascending
	// frame order. len(FrameFiles) == EndFrame-StartFrame+1.
	FrameFiles []string `json:"frame_files"`

	// InputDir is the backing directory holding the source frames.
	// Duplicates share the original's InputDir.
	InputDir string `json:"input_dir"`

	Status   BatchStatus `json:"status"`
	WorkerID string      `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`

	// OriginalID is set on duplicates and points at the batch this one
	// races against. Zero on originals.
	OriginalID ULID `json:"original_id,omitempty"`
}

// NewBatch creates a pending batch for the given frame range.
func NewBatch(jobID ULID, start, end int, frameFiles []string, inputDir string) *Batch {
	return &Batch{
		ID:         NewULID(),
		JobID:      jobID,
		StartFrame: start,
		EndFrame:   end,
		FrameFiles: frameFiles,
		InputDir:   inputDir,
		Status:     BatchStatusPending,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
	}
}

// Duplicate creates a straggler-mitigation copy sharing the backing
// directory but with its own id, status and assignment.
func (b *Batch) Duplicate() *Batch {
	original := b.OriginalID
	if original.IsZero() {
		original = b.ID
	}
	return &Batch{
		ID:         NewULID(),
		JobID:      b.JobID,
		StartFrame: b.StartFrame,
		EndFrame:   b.EndFrame,
		FrameFiles: append([]string(nil), b.FrameFiles...),
		InputDir:   b.InputDir,
		Status:     BatchStatusDuplicate,
		CreatedAt:  time.Now(),
		MaxRetries: b.MaxRetries,
		OriginalID: original,
	}
}

// IsDuplicate returns true for straggler-mitigation copies.
func (b *Batch) IsDuplicate() bool {
	return !b.OriginalID.IsZero()
}

// FrameCount returns the number of frames covered by the batch.
func (b *Batch) FrameCount() int {
	return b.EndFrame - b.StartFrame + 1
}

// IsTerminal returns true once no further transitions are possible.
func (b *Batch) IsTerminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusCancelled:
		return true
	case BatchStatusFailed:
		return b.RetryCount >= b.MaxRetries
	}
	return false
}

// InFlight returns true while the batch is held by a worker.
func (b *Batch) InFlight() bool {
	return b.Status == BatchStatusAssigned || b.Status == BatchStatusProcessing
}

// CanRetry reports whether a failed or timed-out batch may return to
// pending.
func (b *Batch) CanRetry() bool {
	return b.RetryCount < b.MaxRetries
}

// MarkAssigned transitions the batch to assigned for the given worker.
func (b *Batch) MarkAssigned(workerID string) {
	now := time.Now()
	b.Status = BatchStatusAssigned
	b.WorkerID = workerID
	b.AssignedAt = &now
}

// MarkProcessing records that the worker confirmed execution started.
func (b *Batch) MarkProcessing() {
	now := time.Now()
	b.Status = BatchStatusProcessing
	b.StartedAt = &now
}

// MarkCompleted transitions the batch to its terminal completed state.
func (b *Batch) MarkCompleted() {
	now := time.Now()
	b.Status = BatchStatusCompleted
	b.CompletedAt = &now
	b.Progress = 100
	b.Error = ""
}

// MarkCancelled transitions the batch to its terminal cancelled state
// and clears the assignment.
func (b *Batch) MarkCancelled() {
	now := time.Now()
	b.Status = BatchStatusCancelled
	b.CompletedAt = &now
	b.WorkerID = ""
}

// Requeue returns the batch to pending after a failure or timeout,
// incrementing the retry counter and clearing the assignment.
func (b *Batch) Requeue() {
	b.RetryCount++
	b.Status = BatchStatusPending
	b.WorkerID = ""
	b.AssignedAt = nil
	b.StartedAt = nil
	b.Progress = 0
}

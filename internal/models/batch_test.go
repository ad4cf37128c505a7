package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrameFiles(start, end int) []string {
	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		names = append(names, fmt.Sprintf("frame_%06d.png", i))
	}
	return names
}

func TestNewBatch(t *testing.T) {
	job := NewJob("/in.mkv", "/out.mkv")
	batch := NewBatch(job.ID, 1, 50, testFrameFiles(1, 50), "/frames")

	assert.Equal(t, BatchStatusPending, batch.Status)
	assert.Equal(t, 50, batch.FrameCount())
	assert.Equal(t, DefaultMaxRetries, batch.MaxRetries)
	assert.False(t, batch.IsDuplicate())
	assert.False(t, batch.IsTerminal())
}

func TestBatchLifecycle(t *testing.T) {
	batch := NewBatch(NewULID(), 1, 10, testFrameFiles(1, 10), "/frames")

	batch.MarkAssigned("worker-1")
	assert.Equal(t, BatchStatusAssigned, batch.Status)
	assert.Equal(t, "worker-1", batch.WorkerID)
	require.NotNil(t, batch.AssignedAt)
	assert.True(t, batch.InFlight())

	batch.MarkProcessing()
	assert.Equal(t, BatchStatusProcessing, batch.Status)
	assert.True(t, batch.InFlight())

	batch.MarkCompleted()
	assert.Equal(t, BatchStatusCompleted, batch.Status)
	assert.True(t, batch.IsTerminal())
	assert.False(t, batch.InFlight())
	assert.Equal(t, float64(100), batch.Progress)
}

func TestBatchRequeue(t *testing.T) {
	batch := NewBatch(NewULID(), 1, 10, testFrameFiles(1, 10), "/frames")
	batch.MarkAssigned("worker-1")

	batch.Requeue()
	assert.Equal(t, BatchStatusPending, batch.Status)
	assert.Equal(t, 1, batch.RetryCount)
	assert.Empty(t, batch.WorkerID)
	assert.Nil(t, batch.AssignedAt)
}

func TestBatchRetryExhaustion(t *testing.T) {
	batch := NewBatch(NewULID(), 1, 10, testFrameFiles(1, 10), "/frames")

	for i := 0; i < DefaultMaxRetries; i++ {
		assert.True(t, batch.CanRetry())
		batch.MarkAssigned("worker-1")
		batch.Requeue()
	}
	assert.False(t, batch.CanRetry())

	batch.Status = BatchStatusFailed
	assert.True(t, batch.IsTerminal())
}

func TestBatchDuplicate(t *testing.T) {
	original := NewBatch(NewULID(), 51, 100, testFrameFiles(51, 100), "/frames")
	original.MarkAssigned("worker-1")

	dup := original.Duplicate()
	assert.True(t, dup.IsDuplicate())
	assert.Equal(t, original.ID, dup.OriginalID)
	assert.Equal(t, BatchStatusDuplicate, dup.Status)
	assert.Equal(t, original.StartFrame, dup.StartFrame)
	assert.Equal(t, original.EndFrame, dup.EndFrame)
	assert.Equal(t, original.InputDir, dup.InputDir)
	assert.NotEqual(t, original.ID, dup.ID)
	assert.Empty(t, dup.WorkerID)

	// A duplicate of a duplicate races the same original.
	dup2 := dup.Duplicate()
	assert.Equal(t, original.ID, dup2.OriginalID)
}

func TestBatchCancelledIsTerminal(t *testing.T) {
	batch := NewBatch(NewULID(), 1, 10, testFrameFiles(1, 10), "/frames")
	batch.MarkAssigned("worker-1")
	batch.MarkCancelled()

	assert.Equal(t, BatchStatusCancelled, batch.Status)
	assert.True(t, batch.IsTerminal())
	assert.Empty(t, batch.WorkerID)
}

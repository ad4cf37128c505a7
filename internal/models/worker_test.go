package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerAvailability(t *testing.T) {
	now := time.Now()
	w := NewWorker("w-1", "10.0.0.1:4242", Capabilities{Hostname: "gpu-box"})

	// Connecting workers are not yet assignable.
	assert.False(t, w.Available(now))

	w.Status = WorkerStatusConnected
	assert.True(t, w.Available(now))

	w.Status = WorkerStatusIdle
	assert.True(t, w.Available(now))

	w.CurrentBatchID = NewULID()
	assert.False(t, w.Available(now))
}

func TestWorkerSuccessRate(t *testing.T) {
	w := NewWorker("w-1", "addr", Capabilities{})

	// No history ranks as perfect so fresh workers are tried first.
	assert.Equal(t, 1.0, w.SuccessRate())

	w.RecordSuccess(50, time.Minute)
	w.RecordSuccess(50, 3*time.Minute)
	w.RecordFailure(time.Now())
	assert.InDelta(t, 2.0/3.0, w.SuccessRate(), 1e-9)
	assert.Equal(t, 2*time.Minute, w.AvgBatchTime())
	assert.Equal(t, 100, w.FramesProcessed)
}

func TestWorkerBanAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	w := NewWorker("w-1", "addr", Capabilities{})
	w.Status = WorkerStatusIdle

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		w.RecordFailure(now)
		assert.False(t, w.IsBanned(now), "failure %d should not ban", i+1)
	}

	w.RecordFailure(now)
	require.True(t, w.IsBanned(now))
	assert.Equal(t, WorkerStatusBanned, w.Status)
	assert.False(t, w.Available(now))

	// Ban holds for the full window.
	assert.True(t, w.IsBanned(now.Add(BanDuration-time.Second)))
	assert.False(t, w.IsBanned(now.Add(BanDuration+time.Second)))

	w.LiftBanIfExpired(now.Add(BanDuration + time.Second))
	assert.Equal(t, WorkerStatusIdle, w.Status)
	assert.Nil(t, w.BanUntil)
}

func TestWorkerSuccessResetsFailureStreak(t *testing.T) {
	now := time.Now()
	w := NewWorker("w-1", "addr", Capabilities{})

	w.RecordFailure(now)
	w.RecordFailure(now)
	w.RecordSuccess(50, time.Minute)
	assert.Zero(t, w.ConsecutiveFailures)

	// The streak restarts from zero after a success.
	w.RecordFailure(now)
	w.RecordFailure(now)
	assert.False(t, w.IsBanned(now))
}

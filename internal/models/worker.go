package models

import (
	"time"
)

// BanDuration is how long a worker stays banned after reaching
// MaxConsecutiveFailures.
const BanDuration = 10 * time.Minute

// MaxConsecutiveFailures is the consecutive-failure count that triggers
// an automatic ban.
const MaxConsecutiveFailures = 3

// WorkerStatus represents the connection and activity state of a
// worker.
type WorkerStatus string

const (
	WorkerStatusConnecting   WorkerStatus = "connecting"
	WorkerStatusConnected    WorkerStatus = "connected"
	WorkerStatusProcessing   WorkerStatus = "processing"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusDisconnected WorkerStatus = "disconnected"
	WorkerStatusError        WorkerStatus = "error"
	WorkerStatusBanned       WorkerStatus = "banned"
)

// Capabilities is the hardware/capability descriptor a worker reports
// at hello time.
type Capabilities struct {
	Hostname     string   `json:"hostname"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	CPUModel     string   `json:"cpu_model,omitempty"`
	CPUCores     int      `json:"cpu_cores"`
	MemoryMB     uint64   `json:"memory_mb"`
	GPUs         []string `json:"gpus,omitempty"`
	UpscalerPath string   `json:"upscaler_path,omitempty"`

	// MaxConcurrentBatches is advertised but assignment remains one
	// batch per worker.
	MaxConcurrentBatches int `json:"max_concurrent_batches,omitempty"`
}

// Worker is the coordinator's record of a remote executor. Workers are
// created on first authenticated hello and destroyed only on explicit
// eviction, not mere disconnect.
type Worker struct {
	// ID is a stable hardware-derived identifier (MAC-address-like).
	ID      string       `json:"id"`
	Address string       `json:"address"`
	Caps    Capabilities `json:"capabilities"`
	Status  WorkerStatus `json:"status"`

	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// CurrentBatchID is the batch currently held by this worker, zero
	// when idle.
	CurrentBatchID ULID `json:"current_batch_id,omitempty"`

	BatchesCompleted int           `json:"batches_completed"`
	BatchesFailed    int           `json:"batches_failed"`
	FramesProcessed  int           `json:"frames_processed"`
	TotalProcessing  time.Duration `json:"total_processing_time"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	BanUntil            *time.Time `json:"ban_until,omitempty"`
}

// NewWorker creates a worker record in the connecting state.
func NewWorker(id, address string, caps Capabilities) *Worker {
	now := time.Now()
	return &Worker{
		ID:            id,
		Address:       address,
		Caps:          caps,
		Status:        WorkerStatusConnecting,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
}

// Available reports whether the worker can accept an assignment: it
// must be connected or idle, hold no batch, and not be banned.
func (w *Worker) Available(now time.Time) bool {
	if !w.CurrentBatchID.IsZero() {
		return false
	}
	if w.IsBanned(now) {
		return false
	}
	return w.Status == WorkerStatusConnected || w.Status == WorkerStatusIdle
}

// IsBanned reports whether the ban window is still in effect.
func (w *Worker) IsBanned(now time.Time) bool {
	return w.BanUntil != nil && now.Before(*w.BanUntil)
}

// SuccessRate returns the fraction of finished batches that completed.
// Workers with no history rank as 1.0 so fresh workers are tried first
// among equals.
func (w *Worker) SuccessRate() float64 {
	total := w.BatchesCompleted + w.BatchesFailed
	if total == 0 {
		return 1.0
	}
	return float64(w.BatchesCompleted) / float64(total)
}

// AvgBatchTime returns the mean wall-clock time per completed batch.
func (w *Worker) AvgBatchTime() time.Duration {
	if w.BatchesCompleted == 0 {
		return 0
	}
	return w.TotalProcessing / time.Duration(w.BatchesCompleted)
}

// RecordSuccess updates counters after a winning batch completion and
// resets the consecutive-failure count.
func (w *Worker) RecordSuccess(frames int, elapsed time.Duration) {
	w.BatchesCompleted++
	w.FramesProcessed += frames
	w.TotalProcessing += elapsed
	w.ConsecutiveFailures = 0
	w.BanUntil = nil
}

// RecordFailure bumps the failure counters and bans the worker for
// BanDuration once MaxConsecutiveFailures is reached.
func (w *Worker) RecordFailure(now time.Time) {
	w.BatchesFailed++
	w.ConsecutiveFailures++
	if w.ConsecutiveFailures >= MaxConsecutiveFailures {
		until := now.Add(BanDuration)
		w.BanUntil = &until
		w.Status = WorkerStatusBanned
	}
}

// LiftBanIfExpired returns the worker to idle when the ban window has
// passed.
func (w *Worker) LiftBanIfExpired(now time.Time) {
	if w.Status == WorkerStatusBanned && !w.IsBanned(now) {
		w.Status = WorkerStatusIdle
		w.BanUntil = nil
	}
}

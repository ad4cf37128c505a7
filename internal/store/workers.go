package store

import (
	"sort"
	"time"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// RegisterWorker creates or revives a worker record. Reconnecting
// workers keep their statistics and any active ban.
func (s *Store) RegisterWorker(id, address string, caps models.Capabilities) *models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	worker, ok := s.workers[id]
	if !ok {
		worker = models.NewWorker(id, address, caps)
		s.workers[id] = worker
	} else {
		worker.Address = address
		worker.Caps = caps
		worker.ConnectedAt = now
		worker.LastHeartbeat = now
	}
	worker.LiftBanIfExpired(now)
	if !worker.IsBanned(now) {
		worker.Status = models.WorkerStatusConnected
	}
	return cloneWorker(worker)
}

// GetWorker returns a snapshot of the worker.
func (s *Store) GetWorker(id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, models.ErrWorkerNotFound
	}
	return cloneWorker(worker), nil
}

// ListWorkers returns snapshots of all workers sorted by id.
func (s *Store) ListWorkers() []*models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*models.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, cloneWorker(w))
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// ListAvailableWorkers returns workers that can accept an assignment,
// best first: higher success rate wins, faster average batch time
// breaks ties.
func (s *Store) ListAvailableWorkers() []*models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var available []*models.Worker
	for _, w := range s.workers {
		w.LiftBanIfExpired(now)
		if w.Available(now) {
			available = append(available, cloneWorker(w))
		}
	}
	sort.Slice(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.SuccessRate() != b.SuccessRate() {
			return a.SuccessRate() > b.SuccessRate()
		}
		at, bt := a.AvgBatchTime(), b.AvgBatchTime()
		if at != bt {
			// Zero means no history yet; try the unknown worker before a
			// known slow one.
			if at == 0 {
				return true
			}
			if bt == 0 {
				return false
			}
			return at < bt
		}
		return a.ID < b.ID
	})
	return available
}

// TouchWorker records a heartbeat.
func (s *Store) TouchWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return models.ErrWorkerNotFound
	}
	worker.LastHeartbeat = time.Now()
	return nil
}

// SetWorkerStatus transitions a worker's status.
func (s *Store) SetWorkerStatus(id string, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return models.ErrWorkerNotFound
	}
	worker.Status = status
	return nil
}

// DisconnectWorker marks the worker disconnected and returns the batch
// it held, if any, so the caller can release it. The record itself
// survives for reconnection.
func (s *Store) DisconnectWorker(id string) (models.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return models.ULID{}, models.ErrWorkerNotFound
	}
	held := worker.CurrentBatchID
	worker.CurrentBatchID = models.ULID{}
	if !worker.IsBanned(time.Now()) {
		worker.Status = models.WorkerStatusDisconnected
	}
	return held, nil
}

// StaleWorkers returns connected workers whose last heartbeat is older
// than the deadline.
func (s *Store) StaleWorkers(deadline time.Time) []*models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.Worker
	for _, w := range s.workers {
		switch w.Status {
		case models.WorkerStatusDisconnected, models.WorkerStatusBanned:
			continue
		}
		if w.LastHeartbeat.Before(deadline) {
			stale = append(stale, cloneWorker(w))
		}
	}
	return stale
}

// EvictWorker removes the worker record entirely.
func (s *Store) EvictWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return models.ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

func cloneWorker(w *models.Worker) *models.Worker {
	c := *w
	c.Caps.GPUs = append([]string(nil), w.Caps.GPUs...)
	if w.BanUntil != nil {
		t := *w.BanUntil
		c.BanUntil = &t
	}
	return &c
}

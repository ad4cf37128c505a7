// Package repository provides data access for the job history
// archive.
package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// JobHistoryRepository archives and queries terminal job records.
type JobHistoryRepository interface {
	Record(ctx context.Context, job *models.Job) error
	GetByJobID(ctx context.Context, jobID models.ULID) (*models.JobHistory, error)
	List(ctx context.Context, limit int) ([]*models.JobHistory, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobHistory, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// jobHistoryRepo implements JobHistoryRepository using GORM.
type jobHistoryRepo struct {
	db *gorm.DB
}

// NewJobHistoryRepository creates a new JobHistoryRepository.
func NewJobHistoryRepository(db *gorm.DB) *jobHistoryRepo {
	return &jobHistoryRepo{db: db}
}

// Record snapshots a terminal job into the archive.
func (r *jobHistoryRepo) Record(ctx context.Context, job *models.Job) error {
	h := models.NewJobHistory(job)
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("recording job history: %w", err)
	}
	return nil
}

// GetByJobID retrieves the most recent archive record for a job.
func (r *jobHistoryRepo) GetByJobID(ctx context.Context, jobID models.ULID) (*models.JobHistory, error) {
	var h models.JobHistory
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		First(&h).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job history: %w", err)
	}
	return &h, nil
}

// List retrieves archive records, newest first.
func (r *jobHistoryRepo) List(ctx context.Context, limit int) ([]*models.JobHistory, error) {
	var records []*models.JobHistory
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing job history: %w", err)
	}
	return records, nil
}

// ListByStatus retrieves archive records with the given terminal
// status, newest first.
func (r *jobHistoryRepo) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobHistory, error) {
	var records []*models.JobHistory
	q := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing job history by status: %w", err)
	}
	return records, nil
}

// DeleteOlderThan purges archive records finished before the cutoff.
func (r *jobHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.JobHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging job history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

package models

import "time"

// JobHistory is the persisted archive record written when a job
// reaches a terminal state. The live store is in-memory; history
// survives restarts for operator queries.
type JobHistory struct {
	BaseModel

	JobID      ULID      `gorm:"not null;index;type:varchar(26)" json:"job_id"`
	SourcePath string    `gorm:"size:1024" json:"source_path"`
	OutputPath string    `gorm:"size:1024" json:"output_path"`
	Status     JobStatus `gorm:"not null;size:20;index" json:"status"`

	FrameCount int     `json:"frame_count"`
	FrameRate  float64 `json:"frame_rate"`

	TotalBatches     int `json:"total_batches"`
	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`

	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for JobHistory.
func (JobHistory) TableName() string {
	return "job_history"
}

// NewJobHistory snapshots a terminal job into an archive record.
func NewJobHistory(j *Job) *JobHistory {
	now := time.Now()
	h := &JobHistory{
		JobID:            j.ID,
		SourcePath:       j.SourcePath,
		OutputPath:       j.OutputPath,
		Status:           j.Status,
		FrameCount:       j.FrameCount,
		FrameRate:        j.FrameRate,
		TotalBatches:     len(j.BatchIDs),
		CompletedBatches: j.CompletedBatches,
		FailedBatches:    j.FailedBatches,
		SubmittedAt:      j.CreatedAt,
		FinishedAt:       &now,
		DurationMs:       now.Sub(j.CreatedAt).Milliseconds(),
		Error:            j.Error,
	}
	return h
}

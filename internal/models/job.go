package models

import (
	"time"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusCreated indicates the job has been submitted but
	// extraction has not started.
	JobStatusCreated JobStatus = "created"
	// JobStatusExtracting indicates frames are being extracted.
	JobStatusExtracting JobStatus = "extracting"
	// JobStatusProcessing indicates batches are being dispatched.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusAssembling indicates all batches completed and the
	// output video is being muxed.
	JobStatusAssembling JobStatus = "assembling"
	// JobStatusCompleted indicates the output video was written.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusPaused indicates dispatch is suspended by the operator.
	JobStatusPaused JobStatus = "paused"
)

// MediaTrackType distinguishes sidecar stream kinds.
type MediaTrackType string

const (
	MediaTrackAudio    MediaTrackType = "audio"
	MediaTrackSubtitle MediaTrackType = "subtitle"
)

// MediaTrack describes an extracted audio or subtitle sidecar.
type MediaTrack struct {
	Type      MediaTrackType `json:"type"`
	Index     int            `json:"index"`
	Codec     string         `json:"codec"`
	Language  string         `json:"language,omitempty"`
	Title     string         `json:"title,omitempty"`
	IsDefault bool           `json:"is_default"`
	IsForced  bool           `json:"is_forced"`
	Path      string         `json:"path"`
}

// Job represents a single video submission. A job owns its batches;
// destroying the job removes them.
type Job struct {
	ID         ULID      `json:"id"`
	SourcePath string    `json:"source_path"`
	OutputPath string    `json:"output_path"`
	CreatedAt  time.Time `json:"created_at"`
	Status     JobStatus `json:"status"`

	FrameRate  float64 `json:"frame_rate,omitempty"`
	FrameCount int     `json:"frame_count,omitempty"`

	AudioTracks    []MediaTrack `json:"audio_tracks,omitempty"`
	SubtitleTracks []MediaTrack `json:"subtitle_tracks,omitempty"`

	// BatchIDs is the ordered list of batches covering the frame range.
	BatchIDs []ULID `json:"batch_ids,omitempty"`

	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`

	// Warnings collects non-fatal per-batch or sidecar failures.
	Warnings []string `json:"warnings,omitempty"`

	Error string `json:"error,omitempty"`

	// WorkDir is the job's directory under the coordinator work root.
	WorkDir string `json:"work_dir,omitempty"`
}

// NewJob creates a job in the created state.
func NewJob(sourcePath, outputPath string) *Job {
	return &Job{
		ID:         NewULID(),
		SourcePath: sourcePath,
		OutputPath: outputPath,
		CreatedAt:  time.Now(),
		Status:     JobStatusCreated,
	}
}

// IsTerminal returns true once no further transitions are possible.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Progress returns completed/total as a fraction in [0,1].
// Returns 0 before any batches exist.
func (j *Job) Progress() float64 {
	if len(j.BatchIDs) == 0 {
		return 0
	}
	return float64(j.CompletedBatches) / float64(len(j.BatchIDs))
}

// MarkFailed moves the job to failed with the given error message.
func (j *Job) MarkFailed(msg string) {
	j.Status = JobStatusFailed
	j.Error = msg
}

// AddWarning records a non-fatal problem on the job.
func (j *Job) AddWarning(msg string) {
	j.Warnings = append(j.Warnings, msg)
}

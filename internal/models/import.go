package models

import (
	"time"

	"gorm.io/datatypes"
)

// ImportJob tracks one bulk-archive processing run from upload to completion.
type ImportJob struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ExamID         uint           `gorm:"not null;index" json:"exam_id"`
	ArchiveName    string         `gorm:"size:255;not null" json:"archive_name"`
	Status         string         `gorm:"size:32;not null;index" json:"status"`
	TotalFiles     int            `gorm:"not null;default:0" json:"total_files"`
	ProcessedFiles int            `gorm:"not null;default:0" json:"processed_files"`
	SuccessCount   int            `gorm:"not null;default:0" json:"success_count"`
	FailedCount    int            `gorm:"not null;default:0" json:"failed_count"`
	StartedAt      *time.Time     `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	Log            datatypes.JSON `gorm:"type:json" json:"log"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Exam           Exam           `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"exam"`
}

const (
	// ImportJobStatusQueued indicates the job has been accepted but not started.
	ImportJobStatusQueued = "queued"
	// ImportJobStatusRunning indicates the pipeline is processing archive entries.
	ImportJobStatusRunning = "running"
	// ImportJobStatusCompleted indicates every file imported successfully.
	ImportJobStatusCompleted = "completed"
	// ImportJobStatusPartiallyCompleted indicates at least one file failed and one succeeded.
	ImportJobStatusPartiallyCompleted = "partially_completed"
	// ImportJobStatusFailed indicates a fatal pipeline error or that every file failed.
	ImportJobStatusFailed = "failed"
	// ImportJobStatusCancelled indicates the job observed a cancellation signal.
	ImportJobStatusCancelled = "cancelled"
)

// IsTerminal reports whether the job reached a final status.
func (j ImportJob) IsTerminal() bool {
	switch j.Status {
	case ImportJobStatusCompleted, ImportJobStatusPartiallyCompleted, ImportJobStatusFailed, ImportJobStatusCancelled:
		return true
	default:
		return false
	}
}

// ImportFileResult records the outcome for a single archive entry.
// Rows are created during extraction and never mutated afterwards.
type ImportFileResult struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	JobID         uint      `gorm:"not null;index" json:"job_id"`
	Position      int       `gorm:"not null" json:"position"`
	FileName      string    `gorm:"size:512;not null" json:"file_name"`
	StudentCode   string    `gorm:"size:64" json:"student_code"`
	SubmissionID  *uint     `gorm:"index" json:"submission_id"`
	Success       bool      `gorm:"not null" json:"success"`
	FailureReason string    `gorm:"size:512" json:"failure_reason"`
	ExtractedAt   time.Time `json:"extracted_at"`
	CreatedAt     time.Time `json:"created_at"`
}

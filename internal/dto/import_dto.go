package dto

import (
	"encoding/json"
	"time"

	"github.com/examhub/examhub-go-api/internal/models"
)

// ImportSubmitRequest describes the multipart payload for an archive upload.
type ImportSubmitRequest struct {
	ExamID uint `form:"exam_id" validate:"required,gt=0"`
}

// ImportJobFilter describes query string filters for listing jobs.
type ImportJobFilter struct {
	ExamID   *uint   `query:"exam_id"`
	Status   *string `query:"status" validate:"omitempty,oneof=queued running completed partially_completed failed cancelled"`
	Page     int     `query:"page" validate:"omitempty,gte=1"`
	PageSize int     `query:"page_size" validate:"omitempty,gte=1,lte=100"`
}

// ImportLogLine is one entry in a job's ordered progress log.
type ImportLogLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// ImportJobResponse summarises one import job.
type ImportJobResponse struct {
	ID             uint            `json:"id"`
	ExamID         uint            `json:"exam_id"`
	ExamName       string          `json:"exam_name,omitempty"`
	ArchiveName    string          `json:"archive_name"`
	Status         string          `json:"status"`
	TotalFiles     int             `json:"total_files"`
	ProcessedFiles int             `json:"processed_files"`
	SuccessCount   int             `json:"success_count"`
	FailedCount    int             `json:"failed_count"`
	Progress       float64         `json:"progress"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	Log            []ImportLogLine `json:"log,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ImportFileResultResponse serialises one per-file outcome.
type ImportFileResultResponse struct {
	Position      int       `json:"position"`
	FileName      string    `json:"file_name"`
	StudentCode   string    `json:"student_code"`
	SubmissionID  *uint     `json:"submission_id"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ExtractedAt   time.Time `json:"extracted_at"`
}

// ImportJobDetailResponse is the full job snapshot with per-file results,
// violations and duplicate groups.
type ImportJobDetailResponse struct {
	ImportJobResponse
	Results         []ImportFileResultResponse `json:"results"`
	Violations      []ViolationResponse        `json:"violations"`
	DuplicateGroups []DuplicateGroupResponse   `json:"duplicate_groups"`
}

// ImportJobListResponse is the paged job listing.
type ImportJobListResponse struct {
	Jobs     []ImportJobResponse `json:"jobs"`
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// NewImportJobResponse converts an ImportJob model into a DTO.
func NewImportJobResponse(model models.ImportJob) ImportJobResponse {
	response := ImportJobResponse{
		ID:             model.ID,
		ExamID:         model.ExamID,
		ArchiveName:    model.ArchiveName,
		Status:         model.Status,
		TotalFiles:     model.TotalFiles,
		ProcessedFiles: model.ProcessedFiles,
		SuccessCount:   model.SuccessCount,
		FailedCount:    model.FailedCount,
		StartedAt:      model.StartedAt,
		CompletedAt:    model.CompletedAt,
		CreatedAt:      model.CreatedAt,
	}

	if model.Exam.ID != 0 {
		response.ExamName = model.Exam.Name
	}

	if model.TotalFiles > 0 {
		response.Progress = float64(model.ProcessedFiles) / float64(model.TotalFiles)
	}

	if len(model.Log) > 0 {
		var lines []ImportLogLine
		if err := json.Unmarshal(model.Log, &lines); err == nil {
			response.Log = lines
		}
	}

	return response
}

// NewImportJobResponseSlice converts job models into DTOs.
func NewImportJobResponseSlice(jobs []models.ImportJob) []ImportJobResponse {
	responses := make([]ImportJobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, NewImportJobResponse(job))
	}

	return responses
}

// NewImportFileResultResponse converts an ImportFileResult model into a DTO.
func NewImportFileResultResponse(model models.ImportFileResult) ImportFileResultResponse {
	return ImportFileResultResponse{
		Position:      model.Position,
		FileName:      model.FileName,
		StudentCode:   model.StudentCode,
		SubmissionID:  model.SubmissionID,
		Success:       model.Success,
		FailureReason: model.FailureReason,
		ExtractedAt:   model.ExtractedAt,
	}
}

// NewImportFileResultResponseSlice converts file result models into DTOs.
func NewImportFileResultResponseSlice(results []models.ImportFileResult) []ImportFileResultResponse {
	responses := make([]ImportFileResultResponse, 0, len(results))
	for _, result := range results {
		responses = append(responses, NewImportFileResultResponse(result))
	}

	return responses
}

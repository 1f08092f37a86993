package dto

import (
	"time"

	"github.com/examhub/examhub-go-api/internal/models"
)

// ViolationFlagRequest lets a reviewer manually flag a submission.
type ViolationFlagRequest struct {
	ReporterID  uint   `json:"reporter_id" validate:"required,gt=0"`
	Type        string `json:"type" validate:"omitempty,oneof=banned_content embedded_object structural naming_anomaly manual"`
	Description string `json:"description" validate:"required,min=3,max=4000"`
	Severity    int    `json:"severity" validate:"required,gte=1,lte=5"`
}

// ViolationReviewRequest moves a violation through the review workflow.
type ViolationReviewRequest struct {
	ReviewerID uint   `json:"reviewer_id" validate:"required,gt=0"`
	Status     string `json:"status" validate:"required,oneof=under_moderator_review escalated resolved"`
}

// ViolationResponse serialises a violation record.
type ViolationResponse struct {
	ID           uint                   `json:"id"`
	SubmissionID uint                   `json:"submission_id"`
	Type         string                 `json:"type"`
	Description  string                 `json:"description"`
	Severity     int                    `json:"severity"`
	IsZeroScore  bool                   `json:"is_zero_score"`
	ReviewStatus string                 `json:"review_status"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// NewViolationResponse converts a Violation model into a DTO.
func NewViolationResponse(model models.Violation) ViolationResponse {
	return ViolationResponse{
		ID:           model.ID,
		SubmissionID: model.SubmissionID,
		Type:         model.Type,
		Description:  model.Description,
		Severity:     model.Severity,
		IsZeroScore:  model.IsZeroScore,
		ReviewStatus: model.ReviewStatus,
		Metadata:     model.Metadata,
		CreatedAt:    model.CreatedAt,
	}
}

// NewViolationResponseSlice converts violation models into DTOs.
func NewViolationResponseSlice(violations []models.Violation) []ViolationResponse {
	responses := make([]ViolationResponse, 0, len(violations))
	for _, violation := range violations {
		responses = append(responses, NewViolationResponse(violation))
	}

	return responses
}

package dto

import (
	"time"

	"github.com/examhub/examhub-go-api/internal/models"
)

// PrimaryGradeRequest records the first examiner's score.
type PrimaryGradeRequest struct {
	ExaminerID uint    `json:"examiner_id" validate:"required,gt=0"`
	Score      float64 `json:"score" validate:"gte=0"`
	Comments   string  `json:"comments" validate:"omitempty,max=4000"`
}

// SecondaryGradeRequest records the second examiner's independent score.
type SecondaryGradeRequest struct {
	ExaminerID uint    `json:"examiner_id" validate:"required,gt=0"`
	Score      float64 `json:"score" validate:"gte=0"`
	Comments   string  `json:"comments" validate:"omitempty,max=4000"`
}

// ReconcileRequest records the manager's adjudicated final score.
type ReconcileRequest struct {
	ManagerID  uint    `json:"manager_id" validate:"required,gt=0"`
	FinalScore float64 `json:"final_score" validate:"gte=0"`
	Comments   string  `json:"comments" validate:"omitempty,max=4000"`
}

// ModeratorDecisionRequest resolves a zero-score hold. Decision "confirm"
// finalizes at zero; "override" requires a score and a rationale.
type ModeratorDecisionRequest struct {
	ModeratorID uint     `json:"moderator_id" validate:"required,gt=0"`
	Decision    string   `json:"decision" validate:"required,oneof=confirm override"`
	Score       *float64 `json:"score" validate:"omitempty,gte=0"`
	Rationale   string   `json:"rationale" validate:"omitempty,max=4000"`
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID                 uint                `json:"id"`
	ExamID             uint                `json:"exam_id"`
	JobID              uint                `json:"job_id"`
	StudentCode        string              `json:"student_code"`
	FileURL            string              `json:"file_url"`
	Status             string              `json:"status"`
	PrimaryScore       *float64            `json:"primary_score"`
	PrimaryComments    string              `json:"primary_comments,omitempty"`
	SecondaryScore     *float64            `json:"secondary_score"`
	SecondaryComments  string              `json:"secondary_comments,omitempty"`
	FinalScore         *float64            `json:"final_score"`
	EffectiveScore     *float64            `json:"effective_score"`
	FinalComments      string              `json:"final_comments,omitempty"`
	ModeratorRationale string              `json:"moderator_rationale,omitempty"`
	Violations         []ViolationResponse `json:"violations,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:                 model.ID,
		ExamID:             model.ExamID,
		JobID:              model.JobID,
		StudentCode:        model.StudentCode,
		FileURL:            model.FileURL,
		Status:             model.Status,
		PrimaryScore:       model.PrimaryScore,
		PrimaryComments:    model.PrimaryComments,
		SecondaryScore:     model.SecondaryScore,
		SecondaryComments:  model.SecondaryComments,
		FinalScore:         model.FinalScore,
		EffectiveScore:     model.EffectiveScore(),
		FinalComments:      model.FinalComments,
		ModeratorRationale: model.ModeratorRationale,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}

	// A held submission counts as zero until the moderator rules; the score
	// it carried before the hold stays hidden from clients.
	if model.Status == models.SubmissionStatusZeroScoreHeld {
		response.FinalScore = nil
		response.FinalComments = ""
	}

	if len(model.Violations) > 0 {
		response.Violations = NewViolationResponseSlice(model.Violations)
	}

	return response
}

// NewSubmissionResponseSlice converts submission models into DTOs.
func NewSubmissionResponseSlice(submissions []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, NewSubmissionResponse(submission))
	}

	return responses
}

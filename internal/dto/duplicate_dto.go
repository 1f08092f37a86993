package dto

import (
	"time"

	"github.com/examhub/examhub-go-api/internal/models"
)

// DuplicateMemberResponse serialises one group member; rank 0 is the presumed original.
type DuplicateMemberResponse struct {
	SubmissionID uint   `json:"submission_id"`
	StudentCode  string `json:"student_code"`
	Rank         int    `json:"rank"`
}

// DuplicateGroupResponse serialises a duplicate group.
type DuplicateGroupResponse struct {
	ID         uint                      `json:"id"`
	JobID      uint                      `json:"job_id"`
	ExamID     uint                      `json:"exam_id"`
	Similarity float64                   `json:"similarity"`
	Members    []DuplicateMemberResponse `json:"members"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// NewDuplicateGroupResponse converts a DuplicateGroup model into a DTO.
func NewDuplicateGroupResponse(model models.DuplicateGroup) DuplicateGroupResponse {
	members := make([]DuplicateMemberResponse, 0, len(model.Members))
	for _, member := range model.Members {
		members = append(members, DuplicateMemberResponse{
			SubmissionID: member.SubmissionID,
			StudentCode:  member.StudentCode,
			Rank:         member.Rank,
		})
	}

	return DuplicateGroupResponse{
		ID:         model.ID,
		JobID:      model.JobID,
		ExamID:     model.ExamID,
		Similarity: model.Similarity,
		Members:    members,
		CreatedAt:  model.CreatedAt,
	}
}

// NewDuplicateGroupResponseSlice converts duplicate group models into DTOs.
func NewDuplicateGroupResponseSlice(groups []models.DuplicateGroup) []DuplicateGroupResponse {
	responses := make([]DuplicateGroupResponse, 0, len(groups))
	for _, group := range groups {
		responses = append(responses, NewDuplicateGroupResponse(group))
	}

	return responses
}

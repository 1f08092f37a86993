package models

import "time"

// Submission represents one student's exam artifact tracked through grading.
// Submissions are created by a successful import and follow a soft lifecycle;
// they are never deleted.
type Submission struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExamID      uint      `gorm:"not null;index" json:"exam_id"`
	JobID       uint      `gorm:"not null;index" json:"job_id"`
	StudentCode string    `gorm:"size:64;not null;index" json:"student_code"`
	FileURL     string    `gorm:"size:512" json:"file_url"`
	Status      string    `gorm:"size:32;not null;index" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	PrimaryScore       *float64   `json:"primary_score"`
	PrimaryComments    string     `gorm:"type:text" json:"primary_comments"`
	PrimaryGraderID    *uint      `json:"primary_grader_id"`
	PrimaryGradedAt    *time.Time `json:"primary_graded_at"`
	SecondaryScore     *float64   `json:"secondary_score"`
	SecondaryComments  string     `gorm:"type:text" json:"secondary_comments"`
	SecondaryGraderID  *uint      `json:"secondary_grader_id"`
	SecondaryGradedAt  *time.Time `json:"secondary_graded_at"`
	FinalScore         *float64   `json:"final_score"`
	FinalComments      string     `gorm:"type:text" json:"final_comments"`
	ModeratorID        *uint      `json:"moderator_id"`
	ModeratorRationale string     `gorm:"type:text" json:"moderator_rationale"`

	Exam       Exam        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"exam"`
	Violations []Violation `json:"violations"`
}

const (
	// SubmissionStatusPending indicates the submission awaits its first grading.
	SubmissionStatusPending = "pending"
	// SubmissionStatusPrimaryGraded indicates the first examiner recorded a score.
	SubmissionStatusPrimaryGraded = "primary_graded"
	// SubmissionStatusDoubleGradingRequired indicates policy demands a second independent grading.
	SubmissionStatusDoubleGradingRequired = "double_grading_required"
	// SubmissionStatusSecondaryGraded indicates a second examiner recorded a score.
	SubmissionStatusSecondaryGraded = "secondary_graded"
	// SubmissionStatusReconciled indicates both scores agreed within tolerance.
	SubmissionStatusReconciled = "reconciled"
	// SubmissionStatusEscalated indicates the scores disagreed and a manager must decide.
	SubmissionStatusEscalated = "escalated"
	// SubmissionStatusZeroScoreHeld indicates an unresolved zero-score violation suppresses the score.
	SubmissionStatusZeroScoreHeld = "zero_score_held"
	// SubmissionStatusFinalized indicates the score is fixed and immutable.
	SubmissionStatusFinalized = "finalized"
)

// IsFinalized reports whether the submission score is fixed.
func (s Submission) IsFinalized() bool {
	return s.Status == SubmissionStatusFinalized
}

// EffectiveScore returns the score the submission currently exposes.
// A zero-score hold suppresses any computed score until a moderator decides.
func (s Submission) EffectiveScore() *float64 {
	if s.Status == SubmissionStatusZeroScoreHeld {
		zero := 0.0
		return &zero
	}
	return s.FinalScore
}

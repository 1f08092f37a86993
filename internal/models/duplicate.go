package models

import "time"

// DuplicateGroup is a set of submissions within one job whose content
// similarity exceeded the configured threshold. Membership is advisory
// metadata for human review and never fails a submission.
type DuplicateGroup struct {
	ID         uint                   `gorm:"primaryKey" json:"id"`
	JobID      uint                   `gorm:"not null;index" json:"job_id"`
	ExamID     uint                   `gorm:"not null;index" json:"exam_id"`
	Similarity float64                `gorm:"not null" json:"similarity"`
	CreatedAt  time.Time              `json:"created_at"`
	Members    []DuplicateGroupMember `gorm:"foreignKey:GroupID" json:"members"`
}

// DuplicateGroupMember links a submission into a duplicate group. Rank 0 is
// the presumed original (earliest extraction, student code as tie-break).
type DuplicateGroupMember struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	GroupID      uint   `gorm:"not null;index" json:"group_id"`
	SubmissionID uint   `gorm:"not null;index" json:"submission_id"`
	StudentCode  string `gorm:"size:64" json:"student_code"`
	Rank         int    `gorm:"not null" json:"rank"`
}

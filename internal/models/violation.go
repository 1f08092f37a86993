package models

import (
	"time"

	"gorm.io/datatypes"
)

// Violation records a policy breach detected in or reported against a submission.
type Violation struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	SubmissionID uint              `gorm:"not null;index" json:"submission_id"`
	Type         string            `gorm:"size:64;not null" json:"type"`
	Description  string            `gorm:"type:text" json:"description"`
	Severity     int               `gorm:"not null" json:"severity"`
	IsZeroScore  bool              `gorm:"not null;default:false" json:"is_zero_score"`
	ReviewStatus string            `gorm:"size:32;not null;index" json:"review_status"`
	ReportedBy   *uint             `json:"reported_by"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

const (
	// ViolationStatusPending indicates the violation has not been looked at yet.
	ViolationStatusPending = "pending"
	// ViolationStatusUnderModeratorReview indicates a moderator picked up the case.
	ViolationStatusUnderModeratorReview = "under_moderator_review"
	// ViolationStatusResolved indicates the review concluded.
	ViolationStatusResolved = "resolved"
	// ViolationStatusEscalated indicates the case was handed further up.
	ViolationStatusEscalated = "escalated"
)

// Violation types emitted by the detector.
const (
	ViolationTypeBannedContent  = "banned_content"
	ViolationTypeEmbeddedObject = "embedded_object"
	ViolationTypeStructural     = "structural"
	ViolationTypeNamingAnomaly  = "naming_anomaly"
	ViolationTypeManual         = "manual"
)

// IsResolved reports whether the review workflow concluded for this violation.
func (v Violation) IsResolved() bool {
	return v.ReviewStatus == ViolationStatusResolved
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Exam is a lightweight reference to the exam a bulk import targets.
// Subject and semester data are owned by an external administration service;
// only the fields the pipeline needs are mirrored here.
type Exam struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Name       string         `gorm:"size:255;not null" json:"name"`
	SubjectID  uint           `gorm:"index" json:"subject_id"`
	SemesterID uint           `gorm:"index" json:"semester_id"`
	MaxScore   float64        `gorm:"not null;default:100" json:"max_score"`
	PassMark   float64        `gorm:"not null;default:50" json:"pass_mark"`
	RuleConfig datatypes.JSON `gorm:"type:json" json:"rule_config"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
)

// ViolationRepository defines data operations for violations.
type ViolationRepository interface {
	Create(ctx context.Context, violation *models.Violation) error
	GetByID(ctx context.Context, id uint) (models.Violation, error)
	Update(ctx context.Context, violation *models.Violation) error
	ListBySubmission(ctx context.Context, submissionID uint) ([]models.Violation, error)
	ListByJob(ctx context.Context, jobID uint) ([]models.Violation, error)
	HasUnresolvedZeroScore(ctx context.Context, submissionID uint) (bool, error)
}

type violationRepository struct {
	db *gorm.DB
}

// NewViolationRepository instantiates the repository.
func NewViolationRepository(db *gorm.DB) ViolationRepository {
	return &violationRepository{db: db}
}

func (r *violationRepository) Create(ctx context.Context, violation *models.Violation) error {
	return r.db.WithContext(ctx).Create(violation).Error
}

func (r *violationRepository) GetByID(ctx context.Context, id uint) (models.Violation, error) {
	var violation models.Violation
	if err := r.db.WithContext(ctx).First(&violation, id).Error; err != nil {
		return models.Violation{}, err
	}

	return violation, nil
}

func (r *violationRepository) Update(ctx context.Context, violation *models.Violation) error {
	return r.db.WithContext(ctx).Save(violation).Error
}

func (r *violationRepository) ListBySubmission(ctx context.Context, submissionID uint) ([]models.Violation, error) {
	var violations []models.Violation
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("severity DESC, created_at ASC").
		Find(&violations).Error; err != nil {
		return nil, err
	}

	return violations, nil
}

func (r *violationRepository) ListByJob(ctx context.Context, jobID uint) ([]models.Violation, error) {
	var violations []models.Violation
	if err := r.db.WithContext(ctx).
		Joins("JOIN submissions ON submissions.id = violations.submission_id").
		Where("submissions.job_id = ?", jobID).
		Order("violations.severity DESC, violations.created_at ASC").
		Find(&violations).Error; err != nil {
		return nil, err
	}

	return violations, nil
}

func (r *violationRepository) HasUnresolvedZeroScore(ctx context.Context, submissionID uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Violation{}).
		Where("submission_id = ?", submissionID).
		Where("is_zero_score = ?", true).
		Where("review_status <> ?", models.ViolationStatusResolved).
		Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

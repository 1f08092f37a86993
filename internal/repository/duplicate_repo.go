package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
)

// DuplicateRepository defines data operations for duplicate groups.
type DuplicateRepository interface {
	CreateGroup(ctx context.Context, group *models.DuplicateGroup) error
	ListByJob(ctx context.Context, jobID uint) ([]models.DuplicateGroup, error)
}

type duplicateRepository struct {
	db *gorm.DB
}

// NewDuplicateRepository instantiates the repository.
func NewDuplicateRepository(db *gorm.DB) DuplicateRepository {
	return &duplicateRepository{db: db}
}

func (r *duplicateRepository) CreateGroup(ctx context.Context, group *models.DuplicateGroup) error {
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *duplicateRepository) ListByJob(ctx context.Context, jobID uint) ([]models.DuplicateGroup, error) {
	var groups []models.DuplicateGroup
	if err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("duplicate_group_members.rank ASC")
		}).
		Where("job_id = ?", jobID).
		Order("similarity DESC").
		Find(&groups).Error; err != nil {
		return nil, err
	}

	return groups, nil
}

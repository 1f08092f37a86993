package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
)

// ImportJobFilter narrows job listings.
type ImportJobFilter struct {
	ExamID   *uint
	Status   *string
	Page     int
	PageSize int
}

// ImportJobRepository defines data operations for import jobs and their file results.
type ImportJobRepository interface {
	Create(ctx context.Context, job *models.ImportJob) error
	GetByID(ctx context.Context, id uint) (models.ImportJob, error)
	Update(ctx context.Context, job *models.ImportJob) error
	List(ctx context.Context, filter ImportJobFilter) ([]models.ImportJob, int64, error)
	MarkCancelledIfActive(ctx context.Context, id uint, completedAt time.Time) (bool, error)
	CreateFileResult(ctx context.Context, result *models.ImportFileResult) error
	ListFileResults(ctx context.Context, jobID uint) ([]models.ImportFileResult, error)
	CountFileResults(ctx context.Context, jobID uint) (processed, success, failed int64, err error)
}

type importJobRepository struct {
	db *gorm.DB
}

// NewImportJobRepository instantiates the repository.
func NewImportJobRepository(db *gorm.DB) ImportJobRepository {
	return &importJobRepository{db: db}
}

func (r *importJobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *importJobRepository) GetByID(ctx context.Context, id uint) (models.ImportJob, error) {
	var job models.ImportJob
	if err := r.db.WithContext(ctx).Preload("Exam").First(&job, id).Error; err != nil {
		return models.ImportJob{}, err
	}

	return job, nil
}

func (r *importJobRepository) Update(ctx context.Context, job *models.ImportJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *importJobRepository) List(ctx context.Context, filter ImportJobFilter) ([]models.ImportJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ImportJob{})

	if filter.ExamID != nil {
		query = query.Where("exam_id = ?", *filter.ExamID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	var jobs []models.ImportJob
	if err := query.Preload("Exam").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// MarkCancelledIfActive settles a job as cancelled only while it is still
// queued or running, so a terminal status written concurrently never regresses.
func (r *importJobRepository) MarkCancelledIfActive(ctx context.Context, id uint, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("id = ? AND status IN ?", id, []string{models.ImportJobStatusQueued, models.ImportJobStatusRunning}).
		Updates(map[string]interface{}{
			"status":       models.ImportJobStatusCancelled,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *importJobRepository) CreateFileResult(ctx context.Context, result *models.ImportFileResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *importJobRepository) ListFileResults(ctx context.Context, jobID uint) ([]models.ImportFileResult, error) {
	var results []models.ImportFileResult
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("position ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}

	return results, nil
}

func (r *importJobRepository) CountFileResults(ctx context.Context, jobID uint) (int64, int64, int64, error) {
	base := r.db.WithContext(ctx).Model(&models.ImportFileResult{}).Where("job_id = ?", jobID)

	var processed int64
	if err := base.Session(&gorm.Session{}).Count(&processed).Error; err != nil {
		return 0, 0, 0, err
	}

	var success int64
	if err := base.Session(&gorm.Session{}).Where("success = ?", true).Count(&success).Error; err != nil {
		return 0, 0, 0, err
	}

	return processed, success, processed - success, nil
}

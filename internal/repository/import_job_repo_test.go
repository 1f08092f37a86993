package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
)

func setupRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.ImportJob{},
		&models.ImportFileResult{},
		&models.Submission{},
		&models.Violation{},
	))
	return db
}

func seedRepoExam(t *testing.T, db *gorm.DB) models.Exam {
	t.Helper()
	exam := models.Exam{Name: "Algorithms Final", MaxScore: 100, PassMark: 50}
	require.NoError(t, db.Create(&exam).Error)
	return exam
}

func TestImportJobListFiltersByStatusAndExam(t *testing.T) {
	db := setupRepoDB(t)
	repo := repository.NewImportJobRepository(db)
	ctx := context.Background()

	examA := seedRepoExam(t, db)
	examB := seedRepoExam(t, db)

	jobs := []models.ImportJob{
		{ExamID: examA.ID, ArchiveName: "a1.zip", Status: models.ImportJobStatusCompleted},
		{ExamID: examA.ID, ArchiveName: "a2.zip", Status: models.ImportJobStatusFailed},
		{ExamID: examB.ID, ArchiveName: "b1.zip", Status: models.ImportJobStatusCompleted},
	}
	for i := range jobs {
		require.NoError(t, repo.Create(ctx, &jobs[i]))
	}

	status := models.ImportJobStatusCompleted
	listed, total, err := repo.List(ctx, repository.ImportJobFilter{Status: &status})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, listed, 2)

	listed, total, err = repo.List(ctx, repository.ImportJobFilter{ExamID: &examA.ID, Status: &status})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "a1.zip", listed[0].ArchiveName)
}

func TestImportJobListPagesNewestFirst(t *testing.T) {
	db := setupRepoDB(t)
	repo := repository.NewImportJobRepository(db)
	ctx := context.Background()

	exam := seedRepoExam(t, db)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		job := models.ImportJob{
			ExamID:      exam.ID,
			ArchiveName: fmt.Sprintf("batch-%d.zip", i),
			Status:      models.ImportJobStatusQueued,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(ctx, &job))
	}

	page, total, err := repo.List(ctx, repository.ImportJobFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	require.Equal(t, "batch-4.zip", page[0].ArchiveName)

	last, _, err := repo.List(ctx, repository.ImportJobFilter{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last, 1)
	require.Equal(t, "batch-0.zip", last[0].ArchiveName)
}

func TestImportJobGetPreloadsExam(t *testing.T) {
	db := setupRepoDB(t)
	repo := repository.NewImportJobRepository(db)
	ctx := context.Background()

	exam := seedRepoExam(t, db)
	job := models.ImportJob{ExamID: exam.ID, ArchiveName: "preload.zip", Status: models.ImportJobStatusQueued}
	require.NoError(t, repo.Create(ctx, &job))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, exam.Name, loaded.Exam.Name)

	_, err = repo.GetByID(ctx, 99999)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMarkCancelledIfActiveGuardsTerminalRows(t *testing.T) {
	db := setupRepoDB(t)
	repo := repository.NewImportJobRepository(db)
	ctx := context.Background()

	exam := seedRepoExam(t, db)
	running := models.ImportJob{ExamID: exam.ID, ArchiveName: "running.zip", Status: models.ImportJobStatusRunning}
	require.NoError(t, repo.Create(ctx, &running))

	completedAt := time.Now().UTC()
	done := models.ImportJob{ExamID: exam.ID, ArchiveName: "done.zip", Status: models.ImportJobStatusCompleted, CompletedAt: &completedAt}
	require.NoError(t, repo.Create(ctx, &done))

	settled, err := repo.MarkCancelledIfActive(ctx, running.ID, completedAt)
	require.NoError(t, err)
	require.True(t, settled)

	cancelled, err := repo.GetByID(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	settled, err = repo.MarkCancelledIfActive(ctx, done.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, settled)

	unchanged, err := repo.GetByID(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusCompleted, unchanged.Status)
}

func TestCountFileResultsSplitsOutcomes(t *testing.T) {
	db := setupRepoDB(t)
	repo := repository.NewImportJobRepository(db)
	ctx := context.Background()

	exam := seedRepoExam(t, db)
	job := models.ImportJob{ExamID: exam.ID, ArchiveName: "counts.zip", Status: models.ImportJobStatusRunning}
	require.NoError(t, repo.Create(ctx, &job))

	now := time.Now().UTC()
	results := []models.ImportFileResult{
		{JobID: job.ID, Position: 0, FileName: "SV1001_a.txt", Success: true, ExtractedAt: now},
		{JobID: job.ID, Position: 1, FileName: "SV1002_b.txt", Success: true, ExtractedAt: now},
		{JobID: job.ID, Position: 2, FileName: "broken.txt", Success: false, FailureReason: "no student code", ExtractedAt: now},
	}
	for i := range results {
		require.NoError(t, repo.CreateFileResult(ctx, &results[i]))
	}

	processed, success, failed, err := repo.CountFileResults(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), processed)
	require.Equal(t, int64(2), success)
	require.Equal(t, int64(1), failed)

	ordered, err := repo.ListFileResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	require.Equal(t, "SV1001_a.txt", ordered[0].FileName)
	require.Equal(t, "broken.txt", ordered[2].FileName)
}

package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/service"
)

type importFixture struct {
	db       *gorm.DB
	imports  service.ImportService
	jobRepo  repository.ImportJobRepository
	subRepo  repository.SubmissionRepository
	dupes    service.DuplicateService
	violates service.ViolationService
	storage  *memoryStorage
	exam     models.Exam
}

func newImportFixture(t *testing.T) *importFixture {
	t.Helper()
	db := setupTestDB(t)
	exam := seedExam(t, db)

	jobRepo := repository.NewImportJobRepository(db)
	examRepo := repository.NewExamRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	duplicateRepo := repository.NewDuplicateRepository(db)

	storage := newMemoryStorage()
	activity := newTestActivity(t, db)
	events := newTestEventService()

	archive := service.NewArchiveService(storage, 8, zerolog.Nop())
	violations := service.NewViolationService(violationRepo, submissionRepo, activity, events, 3, zerolog.Nop())
	duplicates := service.NewDuplicateService(duplicateRepo, 0.82, zerolog.Nop())

	// A single worker keeps the shared-cache sqlite connection free of
	// write contention during tests.
	imports := service.NewImportService(
		jobRepo, examRepo, submissionRepo, violationRepo,
		archive, violations, duplicates, events,
		nil, time.Second, 1, zerolog.Nop(),
	)

	return &importFixture{
		db:       db,
		imports:  imports,
		jobRepo:  jobRepo,
		subRepo:  submissionRepo,
		dupes:    duplicates,
		violates: violations,
		storage:  storage,
		exam:     exam,
	}
}

func TestSubmitArchiveImportsEveryValidEntry(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	entries := map[string][]byte{}
	for i := 0; i < 8; i++ {
		entries[fmt.Sprintf("SV10%02d_essay.txt", i)] = []byte(fmt.Sprintf("unique essay number %d about sorting networks", i))
	}
	// Two entries that cannot import: no student code, and an executable.
	entries["nocode.txt"] = []byte("anonymous content")
	entries["SV1099_tool.bin"] = []byte{0x7f, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00}

	job, err := f.imports.SubmitArchive(ctx, f.exam.ID, "batch.zip", buildZip(t, entries))
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusQueued, job.Status)
	require.Equal(t, 10, job.TotalFiles)

	f.imports.Wait()

	settled, err := f.imports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusPartiallyCompleted, settled.Status)
	require.Equal(t, 10, settled.ProcessedFiles)
	require.Equal(t, 8, settled.SuccessCount)
	require.Equal(t, 2, settled.FailedCount)
	require.NotNil(t, settled.CompletedAt)

	results, err := f.imports.ListFileResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 10)

	failures := 0
	for _, result := range results {
		if !result.Success {
			failures++
			require.NotEmpty(t, result.FailureReason)
			require.Nil(t, result.SubmissionID)
		} else {
			require.NotNil(t, result.SubmissionID)
		}
	}
	require.Equal(t, 2, failures)

	submissions, err := f.subRepo.List(ctx, repository.SubmissionFilter{JobID: &job.ID})
	require.NoError(t, err)
	require.Len(t, submissions, 8)
}

func TestSubmitArchiveAllValidCompletesCleanly(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	job, err := f.imports.SubmitArchive(ctx, f.exam.ID, "clean.zip", buildZip(t, map[string][]byte{
		"SV1001_a.txt": []byte("first essay on balanced trees and rotations"),
		"SV1002_b.txt": []byte("second essay on hash collision strategies"),
	}))
	require.NoError(t, err)

	f.imports.Wait()

	settled, err := f.imports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusCompleted, settled.Status)
	require.Equal(t, 2, settled.SuccessCount)
	require.Zero(t, settled.FailedCount)
}

func TestSubmitArchiveRejectsBadInput(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	_, err := f.imports.SubmitArchive(ctx, 999, "batch.zip", buildZip(t, map[string][]byte{
		"SV1001_a.txt": []byte("content"),
	}))
	require.ErrorIs(t, err, service.ErrExamNotFound)

	_, err = f.imports.SubmitArchive(ctx, f.exam.ID, "broken.zip", []byte("not a zip at all"))
	require.ErrorIs(t, err, service.ErrArchiveUnreadable)

	_, err = f.imports.SubmitArchive(ctx, f.exam.ID, "empty.zip", buildZip(t, map[string][]byte{
		"__MACOSX/junk": []byte("metadata only"),
	}))
	require.ErrorIs(t, err, service.ErrEmptyArchive)

	broken := datatypes.JSON([]byte(`{"banned_patterns": "not-an-array"}`))
	require.NoError(t, f.db.Model(&models.Exam{}).Where("id = ?", f.exam.ID).Update("rule_config", broken).Error)

	_, err = f.imports.SubmitArchive(ctx, f.exam.ID, "policy.zip", buildZip(t, map[string][]byte{
		"SV1001_a.txt": []byte("content"),
	}))
	require.ErrorIs(t, err, service.ErrInvalidRuleConfig)
}

func TestImportDetectsDuplicateSubmissions(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	shared := []byte("identical answer text submitted twice by different students")
	job, err := f.imports.SubmitArchive(ctx, f.exam.ID, "dupes.zip", buildZip(t, map[string][]byte{
		"SV1001_essay.txt": shared,
		"SV1002_essay.txt": shared,
		"SV1003_essay.txt": []byte("a completely unrelated answer about queueing theory"),
	}))
	require.NoError(t, err)

	f.imports.Wait()

	groups, err := f.dupes.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, 1.0, groups[0].Similarity)
	require.Len(t, groups[0].Members, 2)
}

func TestImportHoldsSubmissionsWithSevereViolations(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	rules := datatypes.JSON([]byte(`{"banned_patterns": ["answer key"]}`))
	require.NoError(t, f.db.Model(&models.Exam{}).Where("id = ?", f.exam.ID).Update("rule_config", rules).Error)

	job, err := f.imports.SubmitArchive(ctx, f.exam.ID, "flagged.zip", buildZip(t, map[string][]byte{
		"SV1001_essay.txt": []byte("copied straight from the answer key last night"),
	}))
	require.NoError(t, err)

	f.imports.Wait()

	submissions, err := f.subRepo.List(ctx, repository.SubmissionFilter{JobID: &job.ID})
	require.NoError(t, err)
	require.Len(t, submissions, 1)
	require.Equal(t, models.SubmissionStatusZeroScoreHeld, submissions[0].Status)

	violations, err := f.violates.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, models.ViolationTypeBannedContent, violations[0].Type)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	job, err := f.imports.SubmitArchive(ctx, f.exam.ID, "short.zip", buildZip(t, map[string][]byte{
		"SV1001_a.txt": []byte("short essay"),
	}))
	require.NoError(t, err)

	f.imports.Wait()

	_, err = f.imports.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, service.ErrJobTerminal)
}

func TestCancelSettlesOrphanedJob(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	// A job row without a live goroutine, as after a process restart.
	orphan := models.ImportJob{ExamID: f.exam.ID, ArchiveName: "orphan.zip", Status: models.ImportJobStatusRunning, TotalFiles: 5}
	require.NoError(t, f.jobRepo.Create(ctx, &orphan))

	cancelled, err := f.imports.Cancel(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
}

// staleJobReads hands out a stale copy of one job on its first read, then
// delegates. It reproduces a worker finalizing the job between the row read
// and the cancel settle.
type staleJobReads struct {
	repository.ImportJobRepository
	mu    sync.Mutex
	stale *models.ImportJob
}

func (r *staleJobReads) GetByID(ctx context.Context, id uint) (models.ImportJob, error) {
	r.mu.Lock()
	if r.stale != nil && r.stale.ID == id {
		job := *r.stale
		r.stale = nil
		r.mu.Unlock()
		return job, nil
	}
	r.mu.Unlock()

	return r.ImportJobRepository.GetByID(ctx, id)
}

func TestCancelDoesNotRegressFreshlyFinalizedJob(t *testing.T) {
	db := setupTestDB(t)
	exam := seedExam(t, db)
	ctx := context.Background()

	jobRepo := repository.NewImportJobRepository(db)
	examRepo := repository.NewExamRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	duplicateRepo := repository.NewDuplicateRepository(db)
	activity := newTestActivity(t, db)
	events := newTestEventService()

	archive := service.NewArchiveService(newMemoryStorage(), 8, zerolog.Nop())
	violations := service.NewViolationService(violationRepo, submissionRepo, activity, events, 3, zerolog.Nop())
	duplicates := service.NewDuplicateService(duplicateRepo, 0.82, zerolog.Nop())

	completedAt := time.Now().UTC()
	job := models.ImportJob{ExamID: exam.ID, ArchiveName: "late.zip", Status: models.ImportJobStatusCompleted, CompletedAt: &completedAt, TotalFiles: 1}
	require.NoError(t, jobRepo.Create(ctx, &job))

	// Cancel first sees the job as still running, but the row is already
	// terminal when the settle runs.
	staleCopy := job
	staleCopy.Status = models.ImportJobStatusRunning
	staleCopy.CompletedAt = nil

	imports := service.NewImportService(
		&staleJobReads{ImportJobRepository: jobRepo, stale: &staleCopy},
		examRepo, submissionRepo, violationRepo,
		archive, violations, duplicates, events,
		nil, time.Second, 1, zerolog.Nop(),
	)

	_, err := imports.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, service.ErrJobTerminal)

	reloaded, err := jobRepo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.CompletedAt)
}

func TestRecoverInterruptedSettlesStaleJobs(t *testing.T) {
	f := newImportFixture(t)
	ctx := context.Background()

	stale := models.ImportJob{ExamID: f.exam.ID, ArchiveName: "stale.zip", Status: models.ImportJobStatusRunning, TotalFiles: 3}
	require.NoError(t, f.jobRepo.Create(ctx, &stale))
	require.NoError(t, f.jobRepo.CreateFileResult(ctx, &models.ImportFileResult{JobID: stale.ID, Position: 0, FileName: "SV1001_a.txt", Success: true, ExtractedAt: time.Now().UTC()}))
	require.NoError(t, f.jobRepo.CreateFileResult(ctx, &models.ImportFileResult{JobID: stale.ID, Position: 1, FileName: "SV1002_b.txt", Success: false, FailureReason: "interrupted", ExtractedAt: time.Now().UTC()}))

	require.NoError(t, f.imports.RecoverInterrupted(ctx))

	settled, err := f.imports.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.ImportJobStatusFailed, settled.Status)
	require.Equal(t, 2, settled.ProcessedFiles)
	require.Equal(t, 1, settled.SuccessCount)
	require.Equal(t, 1, settled.FailedCount)
	require.NotNil(t, settled.CompletedAt)
}

func TestJobSnapshotCachesTerminalState(t *testing.T) {
	server := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	db := setupTestDB(t)
	exam := seedExam(t, db)

	jobRepo := repository.NewImportJobRepository(db)
	examRepo := repository.NewExamRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	duplicateRepo := repository.NewDuplicateRepository(db)
	activity := newTestActivity(t, db)
	events := newTestEventService()

	archive := service.NewArchiveService(newMemoryStorage(), 8, zerolog.Nop())
	violations := service.NewViolationService(violationRepo, submissionRepo, activity, events, 3, zerolog.Nop())
	duplicates := service.NewDuplicateService(duplicateRepo, 0.82, zerolog.Nop())

	imports := service.NewImportService(
		jobRepo, examRepo, submissionRepo, violationRepo,
		archive, violations, duplicates, events,
		redisClient, time.Minute, 1, zerolog.Nop(),
	)

	ctx := context.Background()
	job, err := imports.SubmitArchive(ctx, exam.ID, "cached.zip", buildZip(t, map[string][]byte{
		"SV1001_a.txt": []byte("essay content for the cache test"),
	}))
	require.NoError(t, err)

	imports.Wait()

	first, err := imports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, first.IsTerminal())

	// The terminal snapshot now serves from redis; a direct row mutation is
	// not visible until the TTL expires.
	require.NoError(t, db.Model(&models.ImportJob{}).Where("id = ?", job.ID).Update("archive_name", "renamed.zip").Error)

	cached, err := imports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "cached.zip", cached.ArchiveName)

	server.FastForward(2 * time.Minute)

	fresh, err := imports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed.zip", fresh.ArchiveName)
}

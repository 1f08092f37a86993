package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/dto"
	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/observability"
	"github.com/examhub/examhub-go-api/internal/repository"
)

var (
	// ErrExamNotFound indicates the referenced exam does not exist.
	ErrExamNotFound = errors.New("exam not found")
	// ErrJobNotFound indicates the referenced import job does not exist.
	ErrJobNotFound = errors.New("import job not found")
	// ErrJobTerminal indicates the job already reached a final status.
	ErrJobTerminal = errors.New("import job already reached a terminal status")
	// ErrEmptyArchive indicates the archive contained no importable entries.
	ErrEmptyArchive = errors.New("archive contains no importable entries")
)

const jobSnapshotKeyFormat = "examhub:import:job:%d"

// ImportService accepts archive uploads and tracks their processing jobs.
type ImportService interface {
	SubmitArchive(ctx context.Context, examID uint, archiveName string, payload []byte) (models.ImportJob, error)
	GetJob(ctx context.Context, jobID uint) (models.ImportJob, error)
	ListJobs(ctx context.Context, filter repository.ImportJobFilter) ([]models.ImportJob, int64, error)
	ListFileResults(ctx context.Context, jobID uint) ([]models.ImportFileResult, error)
	Cancel(ctx context.Context, jobID uint) (models.ImportJob, error)
	RecoverInterrupted(ctx context.Context) error
	Wait()
}

type importService struct {
	jobRepo        repository.ImportJobRepository
	examRepo       repository.ExamRepository
	submissionRepo repository.SubmissionRepository
	violationRepo  repository.ViolationRepository
	archive        ArchiveService
	violations     ViolationService
	duplicates     DuplicateService
	events         EventService
	redis          *redis.Client
	snapshotTTL    time.Duration
	workers        int
	logger         zerolog.Logger
	tracer         trace.Tracer

	mu      sync.Mutex
	running map[uint]*jobRuntime
	wg      sync.WaitGroup
}

// jobRuntime is the in-memory state for one active job goroutine.
type jobRuntime struct {
	mu        sync.Mutex
	cancelled bool
	log       []dto.ImportLogLine
	processed int
	success   int
	failed    int
}

func (r *jobRuntime) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *jobRuntime) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *jobRuntime) appendLog(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, dto.ImportLogLine{At: time.Now().UTC(), Message: message})
}

func (r *jobRuntime) recordOutcome(success bool) (processed, ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	if success {
		r.success++
	} else {
		r.failed++
	}
	return r.processed, r.success, r.failed
}

func (r *jobRuntime) snapshotLog() datatypes.JSON {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := json.Marshal(r.log)
	if err != nil {
		return nil
	}
	return raw
}

// NewImportService constructs the bulk import pipeline.
func NewImportService(
	jobRepo repository.ImportJobRepository,
	examRepo repository.ExamRepository,
	submissionRepo repository.SubmissionRepository,
	violationRepo repository.ViolationRepository,
	archive ArchiveService,
	violations ViolationService,
	duplicates DuplicateService,
	events EventService,
	redisClient *redis.Client,
	snapshotTTL time.Duration,
	workers int,
	logger zerolog.Logger,
) ImportService {
	if workers <= 0 {
		workers = 4
	}
	if snapshotTTL <= 0 {
		snapshotTTL = 30 * time.Second
	}
	return &importService{
		jobRepo:        jobRepo,
		examRepo:       examRepo,
		submissionRepo: submissionRepo,
		violationRepo:  violationRepo,
		archive:        archive,
		violations:     violations,
		duplicates:     duplicates,
		events:         events,
		redis:          redisClient,
		snapshotTTL:    snapshotTTL,
		workers:        workers,
		logger:         logger.With().Str("component", "import_service").Logger(),
		tracer:         otel.Tracer("github.com/examhub/examhub-go-api/internal/service/import"),
		running:        make(map[uint]*jobRuntime),
	}
}

// SubmitArchive validates the upload, records a queued job and starts its
// pipeline goroutine. The archive payload lives only for the duration of the
// run; individual entries are persisted to durable storage as they import.
func (s *importService) SubmitArchive(ctx context.Context, examID uint, archiveName string, payload []byte) (models.ImportJob, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ImportJob{}, ErrExamNotFound
		}
		return models.ImportJob{}, err
	}

	if err := s.violations.ValidateRuleConfig(exam.RuleConfig); err != nil {
		return models.ImportJob{}, err
	}

	entries, err := s.archive.Open(payload)
	if err != nil {
		return models.ImportJob{}, err
	}
	if len(entries) == 0 {
		return models.ImportJob{}, ErrEmptyArchive
	}

	job := models.ImportJob{
		ExamID:      exam.ID,
		ArchiveName: archiveName,
		Status:      models.ImportJobStatusQueued,
		TotalFiles:  len(entries),
	}
	if err := s.jobRepo.Create(ctx, &job); err != nil {
		return models.ImportJob{}, err
	}
	job.Exam = exam

	runtime := &jobRuntime{}
	runtime.appendLog(fmt.Sprintf("archive %s accepted with %d entries", archiveName, len(entries)))

	s.mu.Lock()
	s.running[job.ID] = runtime
	s.mu.Unlock()

	s.events.Publish(ctx, TopicJobs, EventNewJob, map[string]interface{}{
		"job_id":      job.ID,
		"exam_id":     exam.ID,
		"archive":     archiveName,
		"total_files": len(entries),
	})

	observability.ImportJobsActive().Inc()
	s.wg.Add(1)
	go s.run(job, exam, entries, runtime)

	return job, nil
}

// run drives one job through extraction, violation scanning, submission
// creation and duplicate detection. It owns the job row until a terminal
// status is written.
func (s *importService) run(job models.ImportJob, exam models.Exam, entries []ArchiveEntry, runtime *jobRuntime) {
	defer s.wg.Done()
	defer observability.ImportJobsActive().Dec()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(context.Background(), "import.run_job", trace.WithAttributes(
		attribute.Int64("import.job_id", int64(job.ID)),
		attribute.Int("import.total_files", len(entries)),
	))
	defer span.End()

	started := time.Now()
	startedAt := started.UTC()
	job.Status = models.ImportJobStatusRunning
	job.StartedAt = &startedAt
	if err := s.persistJob(ctx, &job, runtime); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to mark job running")
		return
	}
	s.publishStatus(ctx, job)

	var (
		candidateMu sync.Mutex
		candidates  []DuplicateCandidate
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)

	for _, entry := range entries {
		entry := entry
		if runtime.isCancelled() {
			break
		}

		group.Go(func() error {
			if runtime.isCancelled() {
				return nil
			}

			candidate, ok := s.processEntry(groupCtx, &job, exam, entry, runtime)
			if ok {
				candidateMu.Lock()
				candidates = append(candidates, candidate)
				candidateMu.Unlock()
			}
			return nil
		})
	}

	_ = group.Wait()

	if !runtime.isCancelled() && len(candidates) > 1 {
		if _, err := s.duplicates.Detect(ctx, job.ID, exam.ID, candidates); err != nil {
			runtime.appendLog(fmt.Sprintf("duplicate detection failed: %v", err))
			s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("duplicate detection failed")
		}
	}

	s.finalize(ctx, &job, runtime)
	observability.ImportDuration().Observe(time.Since(started).Seconds())
}

// processEntry handles one archive entry end to end. Every failure is
// recorded as a per-file result; nothing here aborts the job.
func (s *importService) processEntry(ctx context.Context, job *models.ImportJob, exam models.Exam, entry ArchiveEntry, runtime *jobRuntime) (DuplicateCandidate, bool) {
	extracted, err := s.archive.Process(ctx, job.ID, entry)
	if err != nil {
		s.recordFailure(ctx, job, entry, err, runtime)
		return DuplicateCandidate{}, false
	}

	submission := models.Submission{
		ExamID:      exam.ID,
		JobID:       job.ID,
		StudentCode: extracted.StudentCode,
		FileURL:     extracted.StorageURL,
		Status:      models.SubmissionStatusPending,
	}

	detected := s.violations.Scan(ctx, exam, extracted, entry.Payload)
	for _, violation := range detected {
		if violation.IsZeroScore {
			submission.Status = models.SubmissionStatusZeroScoreHeld
			break
		}
	}

	if err := s.submissionRepo.Create(ctx, &submission); err != nil {
		s.recordFailure(ctx, job, entry, fmt.Errorf("failed to persist submission: %w", err), runtime)
		return DuplicateCandidate{}, false
	}

	for i := range detected {
		detected[i].SubmissionID = submission.ID
		if err := s.violationRepo.Create(ctx, &detected[i]); err != nil {
			s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to persist violation")
			continue
		}
		s.events.Publish(ctx, SubmissionTopic(submission.ID), EventViolationFlagged, map[string]interface{}{
			"violation_id":  detected[i].ID,
			"submission_id": submission.ID,
			"student_code":  submission.StudentCode,
			"type":          detected[i].Type,
			"severity":      detected[i].Severity,
			"is_zero_score": detected[i].IsZeroScore,
		})
	}

	result := models.ImportFileResult{
		JobID:        job.ID,
		Position:     entry.Position,
		FileName:     entry.Name,
		StudentCode:  extracted.StudentCode,
		SubmissionID: &submission.ID,
		Success:      true,
		ExtractedAt:  extracted.ExtractedAt,
	}
	if err := s.jobRepo.CreateFileResult(ctx, &result); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to persist file result")
	}

	observability.ImportFiles().WithLabelValues("success").Inc()
	runtime.recordOutcome(true)
	runtime.appendLog(fmt.Sprintf("imported %s as submission %d", entry.Name, submission.ID))
	s.publishProgress(ctx, job, runtime)

	s.events.Publish(ctx, SubmissionTopic(submission.ID), EventSubmissionUploaded, map[string]interface{}{
		"submission_id": submission.ID,
		"job_id":        job.ID,
		"exam_id":       exam.ID,
		"student_code":  submission.StudentCode,
		"status":        submission.Status,
		"violations":    len(detected),
	})

	return DuplicateCandidate{
		SubmissionID:   submission.ID,
		StudentCode:    extracted.StudentCode,
		Checksum:       extracted.Checksum,
		NormalizedText: extracted.NormalizedText,
		ExtractedAt:    extracted.ExtractedAt,
	}, true
}

func (s *importService) recordFailure(ctx context.Context, job *models.ImportJob, entry ArchiveEntry, cause error, runtime *jobRuntime) {
	result := models.ImportFileResult{
		JobID:         job.ID,
		Position:      entry.Position,
		FileName:      entry.Name,
		Success:       false,
		FailureReason: cause.Error(),
		ExtractedAt:   time.Now().UTC(),
	}
	if err := s.jobRepo.CreateFileResult(ctx, &result); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to persist file result")
	}

	observability.ImportFiles().WithLabelValues("failed").Inc()
	runtime.recordOutcome(false)
	runtime.appendLog(fmt.Sprintf("skipped %s: %v", entry.Name, cause))
	s.publishProgress(ctx, job, runtime)
}

// finalize writes the terminal status once every entry was either processed
// or abandoned by cancellation.
func (s *importService) finalize(ctx context.Context, job *models.ImportJob, runtime *jobRuntime) {
	runtime.mu.Lock()
	processed, success, failed := runtime.processed, runtime.success, runtime.failed
	cancelled := runtime.cancelled
	runtime.mu.Unlock()

	switch {
	case cancelled:
		job.Status = models.ImportJobStatusCancelled
		runtime.appendLog("job cancelled by operator")
	case success == 0:
		job.Status = models.ImportJobStatusFailed
		runtime.appendLog("no entries imported successfully")
	case failed > 0:
		job.Status = models.ImportJobStatusPartiallyCompleted
		runtime.appendLog(fmt.Sprintf("completed with %d of %d entries imported", success, processed))
	default:
		job.Status = models.ImportJobStatusCompleted
		runtime.appendLog("all entries imported successfully")
	}

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt
	job.ProcessedFiles = processed
	job.SuccessCount = success
	job.FailedCount = failed

	if err := s.persistJob(ctx, job, runtime); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to finalize job")
		return
	}

	s.publishStatus(ctx, *job)
	s.events.Publish(ctx, JobTopic(job.ID), EventJobCompleted, map[string]interface{}{
		"job_id":          job.ID,
		"status":          job.Status,
		"processed_files": job.ProcessedFiles,
		"success_count":   job.SuccessCount,
		"failed_count":    job.FailedCount,
	})

	s.logger.Info().
		Uint("job_id", job.ID).
		Str("status", job.Status).
		Int("processed", processed).
		Int("failed", failed).
		Msg("import job finished")
}

func (s *importService) persistJob(ctx context.Context, job *models.ImportJob, runtime *jobRuntime) error {
	if runtime != nil {
		runtime.mu.Lock()
		job.ProcessedFiles = runtime.processed
		job.SuccessCount = runtime.success
		job.FailedCount = runtime.failed
		runtime.mu.Unlock()
		job.Log = runtime.snapshotLog()
	}

	if err := s.jobRepo.Update(ctx, job); err != nil {
		return err
	}

	s.invalidateSnapshot(ctx, job.ID)
	return nil
}

// GetJob serves job snapshots, caching terminal jobs briefly since their
// state can no longer change.
func (s *importService) GetJob(ctx context.Context, jobID uint) (models.ImportJob, error) {
	if cached, ok := s.cachedSnapshot(ctx, jobID); ok {
		return cached, nil
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ImportJob{}, ErrJobNotFound
		}
		return models.ImportJob{}, err
	}

	if job.IsTerminal() {
		s.cacheSnapshot(ctx, job)
	}

	return job, nil
}

func (s *importService) ListJobs(ctx context.Context, filter repository.ImportJobFilter) ([]models.ImportJob, int64, error) {
	return s.jobRepo.List(ctx, filter)
}

func (s *importService) ListFileResults(ctx context.Context, jobID uint) ([]models.ImportFileResult, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.jobRepo.ListFileResults(ctx, jobID)
}

// Cancel requests cooperative cancellation. Entries already processed keep
// their results; the job settles as cancelled once in-flight entries drain.
func (s *importService) Cancel(ctx context.Context, jobID uint) (models.ImportJob, error) {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ImportJob{}, ErrJobNotFound
		}
		return models.ImportJob{}, err
	}

	if job.IsTerminal() {
		return models.ImportJob{}, fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
	}

	s.mu.Lock()
	runtime, active := s.running[job.ID]
	s.mu.Unlock()

	if active {
		runtime.cancel()
		return job, nil
	}

	// No live goroutine owns this job (likely a restart). The goroutine may
	// also have finalized between the row read and the runtime lookup, so the
	// settle is conditional on the job still being active.
	completedAt := time.Now().UTC()
	settled, err := s.jobRepo.MarkCancelledIfActive(ctx, job.ID, completedAt)
	if err != nil {
		return models.ImportJob{}, err
	}
	if !settled {
		current, err := s.jobRepo.GetByID(ctx, jobID)
		if err != nil {
			return models.ImportJob{}, err
		}
		return models.ImportJob{}, fmt.Errorf("%w: %s", ErrJobTerminal, current.Status)
	}

	job.Status = models.ImportJobStatusCancelled
	job.CompletedAt = &completedAt
	s.invalidateSnapshot(ctx, job.ID)
	s.publishStatus(ctx, job)

	return job, nil
}

// RecoverInterrupted settles jobs left queued or running by a previous
// process. Their persisted per-file results are authoritative for the counts.
func (s *importService) RecoverInterrupted(ctx context.Context) error {
	for _, status := range []string{models.ImportJobStatusQueued, models.ImportJobStatusRunning} {
		status := status
		jobs, _, err := s.jobRepo.List(ctx, repository.ImportJobFilter{Status: &status, PageSize: 100})
		if err != nil {
			return err
		}

		for _, job := range jobs {
			processed, success, failed, err := s.jobRepo.CountFileResults(ctx, job.ID)
			if err != nil {
				return err
			}

			job.ProcessedFiles = int(processed)
			job.SuccessCount = int(success)
			job.FailedCount = int(failed)
			job.Status = models.ImportJobStatusFailed
			completedAt := time.Now().UTC()
			job.CompletedAt = &completedAt

			if err := s.persistJob(ctx, &job, nil); err != nil {
				return err
			}

			s.logger.Warn().
				Uint("job_id", job.ID).
				Int("processed", job.ProcessedFiles).
				Msg("settled job interrupted by restart")
		}
	}

	return nil
}

// Wait blocks until every active job goroutine drains. Used during shutdown.
func (s *importService) Wait() {
	s.wg.Wait()
}

func (s *importService) publishStatus(ctx context.Context, job models.ImportJob) {
	s.events.Publish(ctx, JobTopic(job.ID), EventJobStatusChanged, map[string]interface{}{
		"job_id":  job.ID,
		"exam_id": job.ExamID,
		"status":  job.Status,
	})
}

func (s *importService) publishProgress(ctx context.Context, job *models.ImportJob, runtime *jobRuntime) {
	runtime.mu.Lock()
	processed, success, failed := runtime.processed, runtime.success, runtime.failed
	runtime.mu.Unlock()

	progress := 0.0
	if job.TotalFiles > 0 {
		progress = float64(processed) / float64(job.TotalFiles)
	}
	s.events.Publish(ctx, JobTopic(job.ID), EventJobProgress, map[string]interface{}{
		"job_id":          job.ID,
		"total_files":     job.TotalFiles,
		"processed_files": processed,
		"success_count":   success,
		"failed_count":    failed,
		"progress":        progress,
	})
}

func (s *importService) cachedSnapshot(ctx context.Context, jobID uint) (models.ImportJob, bool) {
	if s.redis == nil {
		return models.ImportJob{}, false
	}

	raw, err := s.redis.Get(ctx, fmt.Sprintf(jobSnapshotKeyFormat, jobID)).Bytes()
	if err != nil {
		return models.ImportJob{}, false
	}

	var job models.ImportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.ImportJob{}, false
	}

	return job, true
}

func (s *importService) cacheSnapshot(ctx context.Context, job models.ImportJob) {
	if s.redis == nil {
		return
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return
	}

	if err := s.redis.Set(ctx, fmt.Sprintf(jobSnapshotKeyFormat, job.ID), raw, s.snapshotTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("job_id", job.ID).Msg("failed to cache job snapshot")
	}
}

func (s *importService) invalidateSnapshot(ctx context.Context, jobID uint) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, fmt.Sprintf(jobSnapshotKeyFormat, jobID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("job_id", jobID).Msg("failed to invalidate job snapshot")
	}
}

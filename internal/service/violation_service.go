package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/observability"
	"github.com/examhub/examhub-go-api/internal/repository"
)

var (
	// ErrSubmissionNotFound indicates the referenced submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrViolationNotFound indicates the referenced violation does not exist.
	ErrViolationNotFound = errors.New("violation not found")
	// ErrInvalidRuleConfig indicates the exam rule configuration fails schema validation.
	ErrInvalidRuleConfig = errors.New("invalid rule configuration")
	// ErrInvalidReviewTransition indicates the requested review status cannot follow the current one.
	ErrInvalidReviewTransition = errors.New("invalid review status transition")
)

const ruleConfigSchema = `{
	"type": "object",
	"properties": {
		"banned_patterns": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"max_file_bytes": {"type": "integer", "minimum": 1},
		"allow_embedded_archives": {"type": "boolean"}
	},
	"additionalProperties": false
}`

var compiledRuleSchema = jsonschema.MustCompileString("rule_config.json", ruleConfigSchema)

// File extensions that indicate executable or scripted content inside an
// embedded archive.
var riskyEmbeddedExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".bat": {}, ".cmd": {}, ".sh": {},
	".js": {}, ".vbs": {}, ".jar": {}, ".ps1": {}, ".scr": {},
}

// ruleConfig is the per-exam detection policy, stored as JSON on the exam.
type ruleConfig struct {
	BannedPatterns        []string `json:"banned_patterns"`
	MaxFileBytes          int64    `json:"max_file_bytes"`
	AllowEmbeddedArchives bool     `json:"allow_embedded_archives"`
}

// ViolationService detects and manages policy violations on submissions.
type ViolationService interface {
	ValidateRuleConfig(raw datatypes.JSON) error
	Scan(ctx context.Context, exam models.Exam, file ExtractedFile, payload []byte) []models.Violation
	Flag(ctx context.Context, submissionID, reporterID uint, violationType, description string, severity int) (models.Violation, error)
	Review(ctx context.Context, violationID, reviewerID uint, status string) (models.Violation, error)
	ListBySubmission(ctx context.Context, submissionID uint) ([]models.Violation, error)
	ListByJob(ctx context.Context, jobID uint) ([]models.Violation, error)
	HasUnresolvedZeroScore(ctx context.Context, submissionID uint) (bool, error)
}

type violationService struct {
	violationRepo     repository.ViolationRepository
	submissionRepo    repository.SubmissionRepository
	activity          ActivityRecorder
	events            EventService
	sanitizer         *bluemonday.Policy
	zeroScoreSeverity int
	logger            zerolog.Logger
}

// NewViolationService constructs the violation detector and review workflow.
func NewViolationService(
	violationRepo repository.ViolationRepository,
	submissionRepo repository.SubmissionRepository,
	activity ActivityRecorder,
	events EventService,
	zeroScoreSeverity int,
	logger zerolog.Logger,
) ViolationService {
	if zeroScoreSeverity <= 0 {
		zeroScoreSeverity = 3
	}
	return &violationService{
		violationRepo:     violationRepo,
		submissionRepo:    submissionRepo,
		activity:          activity,
		events:            events,
		sanitizer:         bluemonday.StrictPolicy(),
		zeroScoreSeverity: zeroScoreSeverity,
		logger:            logger.With().Str("component", "violation_service").Logger(),
	}
}

// ValidateRuleConfig checks an exam's detection policy document against the
// embedded schema. Import submission rejects exams with broken policies.
func (s *violationService) ValidateRuleConfig(raw datatypes.JSON) error {
	_, err := parseRuleConfig(raw)
	return err
}

// Scan runs every automated detector against an extracted submission and
// returns the violations found. Detection never fails the import; a broken
// rule config falls back to the built-in defaults.
func (s *violationService) Scan(ctx context.Context, exam models.Exam, file ExtractedFile, payload []byte) []models.Violation {
	rules, err := parseRuleConfig(exam.RuleConfig)
	if err != nil {
		s.logger.Warn().Err(err).Uint("exam_id", exam.ID).Msg("falling back to default rule config")
		rules = ruleConfig{}
	}

	violations := []models.Violation{}
	violations = append(violations, s.scanBannedContent(file, rules)...)
	violations = append(violations, s.scanEmbeddedObjects(file, payload, rules)...)
	violations = append(violations, s.scanStructural(file, payload, rules)...)
	violations = append(violations, s.scanNamingAnomaly(file)...)

	for i := range violations {
		violations[i].ReviewStatus = models.ViolationStatusPending
		violations[i].IsZeroScore = violations[i].Severity >= s.zeroScoreSeverity
		observability.ViolationsFlagged().WithLabelValues(violations[i].Type).Inc()
	}

	return violations
}

func (s *violationService) scanBannedContent(file ExtractedFile, rules ruleConfig) []models.Violation {
	if file.NormalizedText == "" || len(rules.BannedPatterns) == 0 {
		return nil
	}

	violations := []models.Violation{}
	for _, pattern := range rules.BannedPatterns {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			s.logger.Warn().Str("pattern", pattern).Msg("skipping malformed banned pattern")
			continue
		}
		if match := re.FindString(file.NormalizedText); match != "" {
			violations = append(violations, models.Violation{
				Type:        models.ViolationTypeBannedContent,
				Description: fmt.Sprintf("banned pattern %q matched in %s", pattern, file.FileName),
				Severity:    4,
				Metadata: datatypes.JSONMap{
					"pattern": pattern,
					"match":   truncate(match, 120),
					"file":    file.FileName,
				},
			})
		}
	}

	return violations
}

// scanEmbeddedObjects inspects submissions that are themselves archives for
// executable or scripted payloads, including Office macro containers.
func (s *violationService) scanEmbeddedObjects(file ExtractedFile, payload []byte, rules ruleConfig) []models.Violation {
	if !isZipContainer(file.MimeType) {
		return nil
	}

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil
	}

	violations := []models.Violation{}
	nestedArchives := 0
	for _, inner := range reader.File {
		name := strings.ToLower(path.Base(inner.Name))
		ext := path.Ext(name)

		if name == "vbaproject.bin" {
			violations = append(violations, models.Violation{
				Type:        models.ViolationTypeEmbeddedObject,
				Description: fmt.Sprintf("macro container %s embedded in %s", inner.Name, file.FileName),
				Severity:    5,
				Metadata:    datatypes.JSONMap{"entry": inner.Name, "file": file.FileName},
			})
			continue
		}

		if _, risky := riskyEmbeddedExtensions[ext]; risky {
			violations = append(violations, models.Violation{
				Type:        models.ViolationTypeEmbeddedObject,
				Description: fmt.Sprintf("executable content %s embedded in %s", inner.Name, file.FileName),
				Severity:    5,
				Metadata:    datatypes.JSONMap{"entry": inner.Name, "file": file.FileName},
			})
			continue
		}

		if ext == ".zip" || ext == ".rar" || ext == ".7z" {
			nestedArchives++
		}
	}

	if nestedArchives > 0 && !rules.AllowEmbeddedArchives {
		violations = append(violations, models.Violation{
			Type:        models.ViolationTypeEmbeddedObject,
			Description: fmt.Sprintf("%d nested archive(s) inside %s", nestedArchives, file.FileName),
			Severity:    2,
			Metadata:    datatypes.JSONMap{"nested_archives": nestedArchives, "file": file.FileName},
		})
	}

	return violations
}

func (s *violationService) scanStructural(file ExtractedFile, payload []byte, rules ruleConfig) []models.Violation {
	violations := []models.Violation{}

	if strings.HasPrefix(file.MimeType, "text/") && strings.TrimSpace(file.NormalizedText) == "" {
		violations = append(violations, models.Violation{
			Type:        models.ViolationTypeStructural,
			Description: fmt.Sprintf("%s contains no readable content", file.FileName),
			Severity:    3,
			Metadata:    datatypes.JSONMap{"file": file.FileName},
		})
	}

	if rules.MaxFileBytes > 0 && int64(len(payload)) > rules.MaxFileBytes {
		violations = append(violations, models.Violation{
			Type:        models.ViolationTypeStructural,
			Description: fmt.Sprintf("%s exceeds the exam file size policy", file.FileName),
			Severity:    2,
			Metadata: datatypes.JSONMap{
				"file":      file.FileName,
				"size":      len(payload),
				"max_bytes": rules.MaxFileBytes,
			},
		})
	}

	return violations
}

// scanNamingAnomaly flags entries whose derived code does not match the rest
// of the entry name, a common sign of renamed or swapped files.
func (s *violationService) scanNamingAnomaly(file ExtractedFile) []models.Violation {
	base := strings.ToUpper(path.Base(file.FileName))
	if strings.Contains(base, file.StudentCode) {
		return nil
	}

	return []models.Violation{{
		Type:        models.ViolationTypeNamingAnomaly,
		Description: fmt.Sprintf("file name %s does not carry student code %s", file.FileName, file.StudentCode),
		Severity:    1,
		Metadata:    datatypes.JSONMap{"file": file.FileName, "student_code": file.StudentCode},
	}}
}

// Flag records a manual violation against a submission. Severity at or above
// the zero-score threshold places the submission on hold.
func (s *violationService) Flag(ctx context.Context, submissionID, reporterID uint, violationType, description string, severity int) (models.Violation, error) {
	submission, err := s.submissionRepo.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Violation{}, ErrSubmissionNotFound
		}
		return models.Violation{}, err
	}

	if violationType == "" {
		violationType = models.ViolationTypeManual
	}

	violation := models.Violation{
		SubmissionID: submission.ID,
		Type:         violationType,
		Description:  s.sanitizer.Sanitize(strings.TrimSpace(description)),
		Severity:     severity,
		IsZeroScore:  severity >= s.zeroScoreSeverity,
		ReviewStatus: models.ViolationStatusPending,
		ReportedBy:   &reporterID,
		Metadata:     datatypes.JSONMap{"source": "manual"},
	}

	if err := s.violationRepo.Create(ctx, &violation); err != nil {
		return models.Violation{}, err
	}

	observability.ViolationsFlagged().WithLabelValues(violation.Type).Inc()

	if violation.IsZeroScore && !submission.IsFinalized() && submission.Status != models.SubmissionStatusZeroScoreHeld {
		submission.Status = models.SubmissionStatusZeroScoreHeld
		if err := s.submissionRepo.Update(ctx, &submission); err != nil {
			return models.Violation{}, err
		}
	}

	s.recordActivity(ctx, reporterID, "reviewer", "flag_violation", violation.ID, map[string]interface{}{
		"submission_id": submission.ID,
		"type":          violation.Type,
		"severity":      violation.Severity,
	})

	s.events.Publish(ctx, SubmissionTopic(submission.ID), EventViolationFlagged, map[string]interface{}{
		"violation_id":  violation.ID,
		"submission_id": submission.ID,
		"student_code":  submission.StudentCode,
		"type":          violation.Type,
		"severity":      violation.Severity,
		"is_zero_score": violation.IsZeroScore,
	})

	return violation, nil
}

// Review moves a violation through the review workflow. Resolution happens
// through the grading moderator decision, not here.
func (s *violationService) Review(ctx context.Context, violationID, reviewerID uint, status string) (models.Violation, error) {
	violation, err := s.violationRepo.GetByID(ctx, violationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Violation{}, ErrViolationNotFound
		}
		return models.Violation{}, err
	}

	if !reviewTransitionAllowed(violation.ReviewStatus, status) {
		return models.Violation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidReviewTransition, violation.ReviewStatus, status)
	}

	violation.ReviewStatus = status
	if err := s.violationRepo.Update(ctx, &violation); err != nil {
		return models.Violation{}, err
	}

	s.recordActivity(ctx, reviewerID, "moderator", "review_violation", violation.ID, map[string]interface{}{
		"submission_id": violation.SubmissionID,
		"status":        status,
	})

	return violation, nil
}

func (s *violationService) ListBySubmission(ctx context.Context, submissionID uint) ([]models.Violation, error) {
	return s.violationRepo.ListBySubmission(ctx, submissionID)
}

func (s *violationService) ListByJob(ctx context.Context, jobID uint) ([]models.Violation, error) {
	return s.violationRepo.ListByJob(ctx, jobID)
}

func (s *violationService) HasUnresolvedZeroScore(ctx context.Context, submissionID uint) (bool, error) {
	return s.violationRepo.HasUnresolvedZeroScore(ctx, submissionID)
}

func (s *violationService) recordActivity(ctx context.Context, actorID uint, role, action string, entityID uint, metadata map[string]interface{}) {
	id := entityID
	err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actorID,
		ActorRole:  role,
		Action:     action,
		EntityType: "violation",
		EntityID:   &id,
		Metadata:   metadata,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to record activity")
	}
}

func reviewTransitionAllowed(from, to string) bool {
	switch from {
	case models.ViolationStatusPending:
		return to == models.ViolationStatusUnderModeratorReview || to == models.ViolationStatusEscalated
	case models.ViolationStatusUnderModeratorReview:
		return to == models.ViolationStatusEscalated || to == models.ViolationStatusResolved
	default:
		return false
	}
}

func parseRuleConfig(raw datatypes.JSON) (ruleConfig, error) {
	if len(raw) == 0 {
		return ruleConfig{}, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ruleConfig{}, fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
	}

	if err := compiledRuleSchema.Validate(decoded); err != nil {
		return ruleConfig{}, fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
	}

	var rules ruleConfig
	if err := json.Unmarshal(raw, &rules); err != nil {
		return ruleConfig{}, fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
	}

	return rules, nil
}

func isZipContainer(mime string) bool {
	return mime == "application/zip" ||
		mime == "application/x-zip-compressed" ||
		strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

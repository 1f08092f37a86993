package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/observability"
	"github.com/examhub/examhub-go-api/internal/repository"
)

var (
	// ErrInvalidTransition indicates the submission status does not allow the requested action.
	ErrInvalidTransition = errors.New("submission status does not allow this action")
	// ErrSameExaminer indicates the second grading must come from a different examiner.
	ErrSameExaminer = errors.New("secondary grading requires a different examiner")
	// ErrScoreOutOfRange indicates the score falls outside the exam's score range.
	ErrScoreOutOfRange = errors.New("score outside the exam score range")
	// ErrRationaleRequired indicates a moderator override needs a written rationale.
	ErrRationaleRequired = errors.New("override decision requires a rationale")
	// ErrScoreRequired indicates a moderator override needs a replacement score.
	ErrScoreRequired = errors.New("override decision requires a score")
)

// Moderator decisions on a zero-score hold.
const (
	ModeratorDecisionConfirm  = "confirm"
	ModeratorDecisionOverride = "override"
)

// GradingService drives submissions through the grading lifecycle: primary
// grading, policy-driven double grading, reconciliation, escalation and the
// moderator path for zero-score holds.
type GradingService interface {
	SubmitPrimary(ctx context.Context, submissionID, examinerID uint, score float64, comments string) (models.Submission, error)
	SubmitSecondary(ctx context.Context, submissionID, examinerID uint, score float64, comments string) (models.Submission, error)
	Reconcile(ctx context.Context, submissionID, managerID uint, finalScore float64, comments string) (models.Submission, error)
	ModeratorDecide(ctx context.Context, submissionID, moderatorID uint, decision string, score *float64, rationale string) (models.Submission, error)
	GetSubmission(ctx context.Context, submissionID uint) (models.Submission, error)
	ListSubmissions(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error)
}

type gradingService struct {
	submissionRepo   repository.SubmissionRepository
	activity         ActivityRecorder
	events           EventService
	sanitizer        *bluemonday.Policy
	tolerance        float64
	borderlineWindow float64
	logger           zerolog.Logger

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// NewGradingService constructs the grading state machine.
func NewGradingService(
	submissionRepo repository.SubmissionRepository,
	activity ActivityRecorder,
	events EventService,
	tolerance float64,
	borderlineWindow float64,
	logger zerolog.Logger,
) GradingService {
	if tolerance < 0 {
		tolerance = 5
	}
	if borderlineWindow < 0 {
		borderlineWindow = 3
	}
	return &gradingService{
		submissionRepo:   submissionRepo,
		activity:         activity,
		events:           events,
		sanitizer:        bluemonday.StrictPolicy(),
		tolerance:        tolerance,
		borderlineWindow: borderlineWindow,
		logger:           logger.With().Str("component", "grading_service").Logger(),
		locks:            make(map[uint]*sync.Mutex),
	}
}

// lockSubmission serialises grading actions per submission so concurrent
// examiners cannot interleave state transitions.
func (s *gradingService) lockSubmission(submissionID uint) func() {
	s.mu.Lock()
	lock, ok := s.locks[submissionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[submissionID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// SubmitPrimary records the first examiner's score. Scores near the pass mark
// trigger mandatory double grading; everything else finalizes immediately.
func (s *gradingService) SubmitPrimary(ctx context.Context, submissionID, examinerID uint, score float64, comments string) (models.Submission, error) {
	unlock := s.lockSubmission(submissionID)
	defer unlock()

	submission, err := s.getForUpdate(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}

	if submission.Status != models.SubmissionStatusPending {
		return models.Submission{}, fmt.Errorf("%w: primary grading from %s", ErrInvalidTransition, submission.Status)
	}

	if err := validateScore(score, submission.Exam.MaxScore); err != nil {
		return models.Submission{}, err
	}

	now := time.Now().UTC()
	submission.PrimaryScore = &score
	submission.PrimaryComments = s.sanitizer.Sanitize(strings.TrimSpace(comments))
	submission.PrimaryGraderID = &examinerID
	submission.PrimaryGradedAt = &now
	submission.Status = models.SubmissionStatusPrimaryGraded

	if err := s.submissionRepo.Update(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	// Settle immediately; primary_graded is only the recorded intermediate
	// between the write and the policy outcome.
	if s.isBorderline(score, submission.Exam.PassMark) {
		submission.Status = models.SubmissionStatusDoubleGradingRequired
	} else {
		submission.Status = models.SubmissionStatusFinalized
		submission.FinalScore = &score
		submission.FinalComments = submission.PrimaryComments
	}

	if err := s.submissionRepo.Update(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	s.afterTransition(ctx, submission, examinerID, "examiner", "primary_grade", map[string]interface{}{
		"score":  score,
		"status": submission.Status,
	})

	return submission, nil
}

// SubmitSecondary records the independent second score and settles the
// submission: agreement within tolerance reconciles at the primary score,
// disagreement escalates to a manager.
func (s *gradingService) SubmitSecondary(ctx context.Context, submissionID, examinerID uint, score float64, comments string) (models.Submission, error) {
	unlock := s.lockSubmission(submissionID)
	defer unlock()

	submission, err := s.getForUpdate(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}

	if submission.Status != models.SubmissionStatusDoubleGradingRequired {
		return models.Submission{}, fmt.Errorf("%w: secondary grading from %s", ErrInvalidTransition, submission.Status)
	}

	if submission.PrimaryGraderID != nil && *submission.PrimaryGraderID == examinerID {
		return models.Submission{}, ErrSameExaminer
	}

	if err := validateScore(score, submission.Exam.MaxScore); err != nil {
		return models.Submission{}, err
	}

	now := time.Now().UTC()
	submission.SecondaryScore = &score
	submission.SecondaryComments = s.sanitizer.Sanitize(strings.TrimSpace(comments))
	submission.SecondaryGraderID = &examinerID
	submission.SecondaryGradedAt = &now
	submission.Status = models.SubmissionStatusSecondaryGraded

	if err := s.submissionRepo.Update(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	// Settle immediately; the secondary_graded status is only the recorded
	// intermediate step between the write and the policy outcome.
	primary := *submission.PrimaryScore
	if math.Abs(primary-score) <= s.tolerance {
		submission.Status = models.SubmissionStatusReconciled
		submission.FinalScore = &primary
		submission.FinalComments = submission.PrimaryComments
	} else {
		submission.Status = models.SubmissionStatusEscalated
	}

	if err := s.submissionRepo.Update(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	s.afterTransition(ctx, submission, examinerID, "examiner", "secondary_grade", map[string]interface{}{
		"score":  score,
		"delta":  math.Abs(primary - score),
		"status": submission.Status,
	})

	return submission, nil
}

// Reconcile lets a manager fix the final score for an escalated submission,
// or confirm and close a reconciled one.
func (s *gradingService) Reconcile(ctx context.Context, submissionID, managerID uint, finalScore float64, comments string) (models.Submission, error) {
	unlock := s.lockSubmission(submissionID)
	defer unlock()

	submission, err := s.getForUpdate(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}

	if submission.Status != models.SubmissionStatusEscalated && submission.Status != models.SubmissionStatusReconciled {
		return models.Submission{}, fmt.Errorf("%w: reconcile from %s", ErrInvalidTransition, submission.Status)
	}

	if err := validateScore(finalScore, submission.Exam.MaxScore); err != nil {
		return models.Submission{}, err
	}

	submission.Status = models.SubmissionStatusFinalized
	submission.FinalScore = &finalScore
	submission.FinalComments = s.sanitizer.Sanitize(strings.TrimSpace(comments))
	submission.ModeratorID = &managerID

	if err := s.submissionRepo.Update(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	s.afterTransition(ctx, submission, managerID, "manager", "reconcile", map[string]interface{}{
		"final_score": finalScore,
	})

	return submission, nil
}

// ModeratorDecide resolves a zero-score hold. Confirming fixes the score at
// zero; overriding requires a rationale and a replacement score. The status
// change and the violation resolution commit together.
func (s *gradingService) ModeratorDecide(ctx context.Context, submissionID, moderatorID uint, decision string, score *float64, rationale string) (models.Submission, error) {
	unlock := s.lockSubmission(submissionID)
	defer unlock()

	submission, err := s.getForUpdate(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}

	if submission.Status != models.SubmissionStatusZeroScoreHeld {
		return models.Submission{}, fmt.Errorf("%w: moderator decision from %s", ErrInvalidTransition, submission.Status)
	}

	rationale = s.sanitizer.Sanitize(strings.TrimSpace(rationale))

	var finalScore float64
	switch decision {
	case ModeratorDecisionConfirm:
		finalScore = 0
	case ModeratorDecisionOverride:
		if rationale == "" {
			return models.Submission{}, ErrRationaleRequired
		}
		if score == nil {
			return models.Submission{}, ErrScoreRequired
		}
		if err := validateScore(*score, submission.Exam.MaxScore); err != nil {
			return models.Submission{}, err
		}
		finalScore = *score
	default:
		return models.Submission{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}

	submission.Status = models.SubmissionStatusFinalized
	submission.FinalScore = &finalScore
	submission.ModeratorID = &moderatorID
	submission.ModeratorRationale = rationale

	if err := s.submissionRepo.FinalizeModeration(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	s.afterTransition(ctx, submission, moderatorID, "moderator", "moderator_"+decision, map[string]interface{}{
		"final_score": finalScore,
	})

	return submission, nil
}

func (s *gradingService) GetSubmission(ctx context.Context, submissionID uint) (models.Submission, error) {
	return s.getForUpdate(ctx, submissionID)
}

func (s *gradingService) ListSubmissions(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error) {
	return s.submissionRepo.List(ctx, filter)
}

func (s *gradingService) getForUpdate(ctx context.Context, submissionID uint) (models.Submission, error) {
	submission, err := s.submissionRepo.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}

	return submission, nil
}

func (s *gradingService) isBorderline(score, passMark float64) bool {
	return math.Abs(score-passMark) <= s.borderlineWindow
}

func (s *gradingService) afterTransition(ctx context.Context, submission models.Submission, actorID uint, role, action string, metadata map[string]interface{}) {
	observability.GradingTransitions().WithLabelValues(action).Inc()

	id := submission.ID
	err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actorID,
		ActorRole:  role,
		Action:     action,
		EntityType: "submission",
		EntityID:   &id,
		Metadata:   metadata,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to record grading activity")
	}

	payload := map[string]interface{}{
		"submission_id": submission.ID,
		"exam_id":       submission.ExamID,
		"student_code":  submission.StudentCode,
		"status":        submission.Status,
		"action":        action,
	}
	if submission.FinalScore != nil {
		payload["final_score"] = *submission.FinalScore
	}
	s.events.Publish(ctx, SubmissionTopic(submission.ID), EventSubmissionGraded, payload)
}

func validateScore(score, maxScore float64) error {
	if maxScore <= 0 {
		maxScore = 100
	}
	if score < 0 || score > maxScore {
		return fmt.Errorf("%w: %.2f not in [0, %.2f]", ErrScoreOutOfRange, score, maxScore)
	}
	return nil
}

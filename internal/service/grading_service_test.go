package service_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/service"
)

type gradingFixture struct {
	db         *gorm.DB
	grading    service.GradingService
	violations service.ViolationService
	repo       repository.SubmissionRepository
	exam       models.Exam
}

func newGradingFixture(t *testing.T) *gradingFixture {
	t.Helper()
	db := setupTestDB(t)
	exam := seedExam(t, db)

	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	activity := newTestActivity(t, db)
	events := newTestEventService()

	violations := service.NewViolationService(violationRepo, submissionRepo, activity, events, 3, zerolog.Nop())
	grading := service.NewGradingService(submissionRepo, activity, events, 5, 3, zerolog.Nop())

	return &gradingFixture{
		db:         db,
		grading:    grading,
		violations: violations,
		repo:       submissionRepo,
		exam:       exam,
	}
}

func (f *gradingFixture) seed(t *testing.T, status string) models.Submission {
	t.Helper()
	submission := models.Submission{
		ExamID:      f.exam.ID,
		JobID:       1,
		StudentCode: "SV1001",
		Status:      status,
	}
	require.NoError(t, f.repo.Create(context.Background(), &submission))
	return submission
}

func TestPrimaryGradeAwayFromPassMarkFinalizes(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	graded, err := f.grading.SubmitPrimary(context.Background(), submission.ID, 11, 85, "excellent work")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFinalized, graded.Status)
	require.NotNil(t, graded.FinalScore)
	require.Equal(t, 85.0, *graded.FinalScore)
}

func TestPrimaryGradeNearPassMarkRequiresDoubleGrading(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	// Pass mark 50, borderline window 3: 52 falls inside the window.
	graded, err := f.grading.SubmitPrimary(context.Background(), submission.ID, 11, 52, "")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusDoubleGradingRequired, graded.Status)
	require.Nil(t, graded.FinalScore)
}

func TestSecondaryGradeWithinToleranceReconcilesAtPrimary(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.grading.SubmitPrimary(ctx, submission.ID, 11, 48, "")
	require.NoError(t, err)

	// Tolerance 5: |48 - 50| agrees, reconcile at the primary score.
	settled, err := f.grading.SubmitSecondary(ctx, submission.ID, 22, 50, "")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusReconciled, settled.Status)
	require.NotNil(t, settled.FinalScore)
	require.Equal(t, 48.0, *settled.FinalScore)
}

func TestSecondaryGradeBeyondToleranceEscalates(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.grading.SubmitPrimary(ctx, submission.ID, 11, 50, "")
	require.NoError(t, err)

	escalated, err := f.grading.SubmitSecondary(ctx, submission.ID, 22, 80, "looks much stronger")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusEscalated, escalated.Status)
	require.Nil(t, escalated.FinalScore)

	final, err := f.grading.Reconcile(ctx, submission.ID, 33, 75, "split the difference after rereading")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFinalized, final.Status)
	require.Equal(t, 75.0, *final.FinalScore)
}

func TestSecondaryGradeRejectsSameExaminer(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.grading.SubmitPrimary(ctx, submission.ID, 11, 51, "")
	require.NoError(t, err)

	_, err = f.grading.SubmitSecondary(ctx, submission.ID, 11, 49, "")
	require.ErrorIs(t, err, service.ErrSameExaminer)
}

func TestGradingRejectsOutOfRangeScores(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	_, err := f.grading.SubmitPrimary(context.Background(), submission.ID, 11, 120, "")
	require.ErrorIs(t, err, service.ErrScoreOutOfRange)
}

func TestFinalizedSubmissionRejectsFurtherGrading(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.grading.SubmitPrimary(ctx, submission.ID, 11, 90, "")
	require.NoError(t, err)

	_, err = f.grading.SubmitPrimary(ctx, submission.ID, 12, 70, "")
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = f.grading.Reconcile(ctx, submission.ID, 33, 70, "")
	require.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestModeratorConfirmFixesZeroScore(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.violations.Flag(ctx, submission.ID, 9, "", "copied wholesale", 5)
	require.NoError(t, err)

	final, err := f.grading.ModeratorDecide(ctx, submission.ID, 44, service.ModeratorDecisionConfirm, nil, "")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFinalized, final.Status)
	require.Equal(t, 0.0, *final.FinalScore)

	held, err := f.violations.HasUnresolvedZeroScore(ctx, submission.ID)
	require.NoError(t, err)
	require.False(t, held)
}

func TestModeratorOverrideRequiresRationaleAndScore(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	ctx := context.Background()
	_, err := f.violations.Flag(ctx, submission.ID, 9, "", "suspicious similarity", 4)
	require.NoError(t, err)

	_, err = f.grading.ModeratorDecide(ctx, submission.ID, 44, service.ModeratorDecisionOverride, nil, "")
	require.ErrorIs(t, err, service.ErrRationaleRequired)

	_, err = f.grading.ModeratorDecide(ctx, submission.ID, 44, service.ModeratorDecisionOverride, nil, "violation was a false positive")
	require.ErrorIs(t, err, service.ErrScoreRequired)

	score := 40.0
	final, err := f.grading.ModeratorDecide(ctx, submission.ID, 44, service.ModeratorDecisionOverride, &score, "violation was a false positive")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFinalized, final.Status)
	require.Equal(t, 40.0, *final.FinalScore)
	require.Equal(t, "violation was a false positive", final.ModeratorRationale)
}

func TestModeratorDecisionRequiresHeldStatus(t *testing.T) {
	f := newGradingFixture(t)
	submission := f.seed(t, models.SubmissionStatusPending)

	_, err := f.grading.ModeratorDecide(context.Background(), submission.ID, 44, service.ModeratorDecisionConfirm, nil, "")
	require.ErrorIs(t, err, service.ErrInvalidTransition)
}

package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/dto"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/service"
	"github.com/examhub/examhub-go-api/internal/utils"
)

// GradingHandler wires the submission listing and grading endpoints.
type GradingHandler struct {
	grading   service.GradingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingHandler constructs the handler.
func NewGradingHandler(grading service.GradingService, validator *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		grading:   grading,
		validator: validator,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches submission endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Post("/:id/grades/primary", h.primary)
	router.Post("/:id/grades/secondary", h.secondary)
	router.Post("/:id/reconcile", h.reconcile)
	router.Post("/:id/moderation", h.moderate)
}

func (h *GradingHandler) list(c *fiber.Ctx) error {
	filter := repository.SubmissionFilter{}

	examID, err := parseQueryUintPtr(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam_id")
	}
	filter.ExamID = examID

	jobID, err := parseQueryUintPtr(c, "job_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid job_id")
	}
	filter.JobID = jobID

	if code := c.Query("student_code"); code != "" {
		filter.StudentCode = &code
	}
	if status := c.Query("status"); status != "" {
		filter.Status = &status
	}

	submissions, err := h.grading.ListSubmissions(requestContext(c), filter)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list submissions")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list submissions")
	}

	return utils.SendSuccess(c, "submissions", dto.NewSubmissionResponseSlice(submissions))
}

func (h *GradingHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	submission, err := h.grading.GetSubmission(requestContext(c), id)
	if err != nil {
		if errors.Is(err, service.ErrSubmissionNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "submission not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg("failed to load submission")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load submission")
	}

	return utils.SendSuccess(c, "submission", dto.NewSubmissionResponse(submission))
}

func (h *GradingHandler) primary(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.PrimaryGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.SubmitPrimary(requestContext(c), id, payload.ExaminerID, payload.Score, payload.Comments)
	if err != nil {
		return h.gradingError(c, id, "primary grading failed", err)
	}

	return utils.SendSuccess(c, "primary grade recorded", dto.NewSubmissionResponse(submission))
}

func (h *GradingHandler) secondary(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.SecondaryGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.SubmitSecondary(requestContext(c), id, payload.ExaminerID, payload.Score, payload.Comments)
	if err != nil {
		return h.gradingError(c, id, "secondary grading failed", err)
	}

	return utils.SendSuccess(c, "secondary grade recorded", dto.NewSubmissionResponse(submission))
}

func (h *GradingHandler) reconcile(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.ReconcileRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.Reconcile(requestContext(c), id, payload.ManagerID, payload.FinalScore, payload.Comments)
	if err != nil {
		return h.gradingError(c, id, "reconciliation failed", err)
	}

	return utils.SendSuccess(c, "submission finalized", dto.NewSubmissionResponse(submission))
}

func (h *GradingHandler) moderate(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.ModeratorDecisionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.ModeratorDecide(requestContext(c), id, payload.ModeratorID, payload.Decision, payload.Score, payload.Rationale)
	if err != nil {
		return h.gradingError(c, id, "moderator decision failed", err)
	}

	return utils.SendSuccess(c, "moderator decision recorded", dto.NewSubmissionResponse(submission))
}

func (h *GradingHandler) gradingError(c *fiber.Ctx, id uint, message string, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrSameExaminer):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrScoreOutOfRange),
		errors.Is(err, service.ErrRationaleRequired),
		errors.Is(err, service.ErrScoreRequired):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg(message)
		return utils.SendError(c, fiber.StatusInternalServerError, message)
	}
}

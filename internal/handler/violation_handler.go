package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/dto"
	"github.com/examhub/examhub-go-api/internal/service"
	"github.com/examhub/examhub-go-api/internal/utils"
)

// ViolationHandler wires manual flagging and the review workflow.
type ViolationHandler struct {
	violations service.ViolationService
	validator  *validator.Validate
	logger     zerolog.Logger
}

// NewViolationHandler constructs the handler.
func NewViolationHandler(violations service.ViolationService, validator *validator.Validate, logger zerolog.Logger) *ViolationHandler {
	return &ViolationHandler{
		violations: violations,
		validator:  validator,
		logger:     logger.With().Str("component", "violation_handler").Logger(),
	}
}

// Register attaches violation endpoints. Flagging and listing live under the
// submissions group; the review transition lives under the violations group.
func (h *ViolationHandler) Register(submissions fiber.Router, violations fiber.Router) {
	submissions.Post("/:id/violations", h.flag)
	submissions.Get("/:id/violations", h.listBySubmission)
	violations.Patch("/:id/review", h.review)
}

func (h *ViolationHandler) flag(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.ViolationFlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	violation, err := h.violations.Flag(requestContext(c), id, payload.ReporterID, payload.Type, payload.Description, payload.Severity)
	if err != nil {
		if errors.Is(err, service.ErrSubmissionNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "submission not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg("failed to flag violation")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to flag violation")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "violation flagged", dto.NewViolationResponse(violation))
}

func (h *ViolationHandler) listBySubmission(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	violations, err := h.violations.ListBySubmission(requestContext(c), id)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg("failed to list violations")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list violations")
	}

	return utils.SendSuccess(c, "violations", dto.NewViolationResponseSlice(violations))
}

func (h *ViolationHandler) review(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.ViolationReviewRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	violation, err := h.violations.Review(requestContext(c), id, payload.ReviewerID, payload.Status)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrViolationNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "violation not found")
		case errors.Is(err, service.ErrInvalidReviewTransition):
			return utils.SendError(c, fiber.StatusConflict, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("violation_id", id).Msg("failed to review violation")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to review violation")
		}
	}

	return utils.SendSuccess(c, "violation updated", dto.NewViolationResponse(violation))
}

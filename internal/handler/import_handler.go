package handler

import (
	"errors"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/dto"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/service"
	"github.com/examhub/examhub-go-api/internal/utils"
)

// ImportHandler wires the archive upload and job tracking endpoints.
type ImportHandler struct {
	imports      service.ImportService
	violations   service.ViolationService
	duplicates   service.DuplicateService
	validator    *validator.Validate
	maxArchiveMB int
	logger       zerolog.Logger
}

// NewImportHandler constructs the handler.
func NewImportHandler(
	imports service.ImportService,
	violations service.ViolationService,
	duplicates service.DuplicateService,
	validator *validator.Validate,
	maxArchiveMB int,
	logger zerolog.Logger,
) *ImportHandler {
	return &ImportHandler{
		imports:      imports,
		violations:   violations,
		duplicates:   duplicates,
		validator:    validator,
		maxArchiveMB: maxArchiveMB,
		logger:       logger.With().Str("component", "import_handler").Logger(),
	}
}

// Register attaches import endpoints to the router group.
func (h *ImportHandler) Register(router fiber.Router) {
	router.Post("/", h.submit)
	router.Get("/", h.list)
	router.Get("/:id", h.detail)
	router.Get("/:id/results", h.results)
	router.Post("/:id/cancel", h.cancel)
}

func (h *ImportHandler) submit(c *fiber.Ctx) error {
	var payload dto.ImportSubmitRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	header, err := c.FormFile("archive")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "archive file is required")
	}

	if h.maxArchiveMB > 0 && header.Size > int64(h.maxArchiveMB)*1024*1024 {
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, "archive exceeds the maximum allowed size")
	}

	file, err := header.Open()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "archive cannot be read")
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "archive cannot be read")
	}

	job, err := h.imports.SubmitArchive(requestContext(c), payload.ExamID, header.Filename, content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExamNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "exam not found")
		case errors.Is(err, service.ErrArchiveUnreadable), errors.Is(err, service.ErrEmptyArchive):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrInvalidRuleConfig):
			return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("exam_id", payload.ExamID).Msg("failed to accept archive")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to accept archive")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "import job accepted", dto.NewImportJobResponse(job))
}

func (h *ImportHandler) list(c *fiber.Ctx) error {
	var query dto.ImportJobFilter
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	filter := repository.ImportJobFilter{
		ExamID:   query.ExamID,
		Status:   query.Status,
		Page:     query.Page,
		PageSize: query.PageSize,
	}

	jobs, total, err := h.imports.ListJobs(requestContext(c), filter)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list import jobs")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list import jobs")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	return utils.SendSuccess(c, "import jobs", dto.ImportJobListResponse{
		Jobs:     dto.NewImportJobResponseSlice(jobs),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (h *ImportHandler) detail(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	ctx := requestContext(c)

	job, err := h.imports.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "import job not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to load import job")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load import job")
	}

	results, err := h.imports.ListFileResults(ctx, id)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to load file results")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load import job")
	}

	violations, err := h.violations.ListByJob(ctx, id)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to load violations")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load import job")
	}

	groups, err := h.duplicates.ListByJob(ctx, id)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to load duplicate groups")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load import job")
	}

	detail := dto.ImportJobDetailResponse{
		ImportJobResponse: dto.NewImportJobResponse(job),
		Results:           dto.NewImportFileResultResponseSlice(results),
		Violations:        dto.NewViolationResponseSlice(violations),
		DuplicateGroups:   dto.NewDuplicateGroupResponseSlice(groups),
	}

	return utils.SendSuccess(c, "import job", detail)
}

func (h *ImportHandler) results(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	results, err := h.imports.ListFileResults(requestContext(c), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "import job not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to load file results")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load file results")
	}

	return utils.SendSuccess(c, "file results", dto.NewImportFileResultResponseSlice(results))
}

func (h *ImportHandler) cancel(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	job, err := h.imports.Cancel(requestContext(c), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "import job not found")
		case errors.Is(err, service.ErrJobTerminal):
			return utils.SendError(c, fiber.StatusConflict, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("job_id", id).Msg("failed to cancel import job")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to cancel import job")
		}
	}

	message := "cancellation requested"
	if strings.EqualFold(job.Status, "cancelled") {
		message = "import job cancelled"
	}

	return utils.SendSuccess(c, message, dto.NewImportJobResponse(job))
}

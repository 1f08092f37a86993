package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/service"
	"github.com/examhub/examhub-go-api/internal/utils"
)

// ActivityHandler exposes the recent audit trail.
type ActivityHandler struct {
	activity service.ActivityRecorder
	logger   zerolog.Logger
}

// NewActivityHandler constructs the handler.
func NewActivityHandler(activity service.ActivityRecorder, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		activity: activity,
		logger:   logger.With().Str("component", "activity_handler").Logger(),
	}
}

// Register attaches the activity feed endpoint to the router group.
func (h *ActivityHandler) Register(router fiber.Router) {
	router.Get("/", h.recent)
}

func (h *ActivityHandler) recent(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	entries, err := h.activity.Recent(requestContext(c), limit)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list activity")
	}

	return utils.SendSuccess(c, "recent activity", entries)
}

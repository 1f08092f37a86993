package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/examhub/examhub-go-api/internal/config"
	"github.com/examhub/examhub-go-api/internal/handler"
	"github.com/examhub/examhub-go-api/internal/middleware"
	"github.com/examhub/examhub-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ImportHandler    *handler.ImportHandler
	GradingHandler   *handler.GradingHandler
	ViolationHandler *handler.ViolationHandler
	EventsHandler    *handler.EventsHandler
	ActivityHandler  *handler.ActivityHandler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	if deps.ImportHandler != nil {
		imports := api.Group("/imports")
		if cfg.UploadRateLimit > 0 {
			imports.Use(middleware.RateLimit("imports", cfg.UploadRateLimit, time.Minute))
		}
		deps.ImportHandler.Register(imports)
	}

	submissions := api.Group("/submissions")
	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(submissions)
	}

	if deps.ViolationHandler != nil {
		violations := api.Group("/violations")
		deps.ViolationHandler.Register(submissions, violations)
	}

	if deps.EventsHandler != nil {
		events := api.Group("/events")
		deps.EventsHandler.Register(events)
	}

	if deps.ActivityHandler != nil {
		activity := api.Group("/activity")
		deps.ActivityHandler.Register(activity)
	}
}

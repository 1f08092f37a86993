package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/config"
	"github.com/examhub/examhub-go-api/internal/database"
	"github.com/examhub/examhub-go-api/internal/handler"
	"github.com/examhub/examhub-go-api/internal/middleware"
	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/router"
	"github.com/examhub/examhub-go-api/internal/service"
	"github.com/examhub/examhub-go-api/pkg/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Exam{},
		&models.ImportJob{},
		&models.ImportFileResult{},
		&models.Submission{},
		&models.Violation{},
		&models.DuplicateGroup{},
		&models.DuplicateGroupMember{},
		&models.ActivityLog{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	storage, err := buildStorage(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize object storage: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	jobRepo := repository.NewImportJobRepository(db)
	examRepo := repository.NewExamRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	duplicateRepo := repository.NewDuplicateRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	rootCtx, stopRoot := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopRoot()

	eventService := service.NewEventService(redisClient, cfg.EventChannelBase, natsConn, logger)
	eventService.Start(rootCtx)

	activityService := service.NewActivityService(activityRepo, logger)
	archiveService := service.NewArchiveService(storage, cfg.MaxArchiveMB, logger)
	violationService := service.NewViolationService(violationRepo, submissionRepo, activityService, eventService, cfg.ZeroScoreSeverity, logger)
	duplicateService := service.NewDuplicateService(duplicateRepo, cfg.SimilarityThreshold, logger)
	importService := service.NewImportService(
		jobRepo, examRepo, submissionRepo, violationRepo,
		archiveService, violationService, duplicateService, eventService,
		redisClient, cfg.SnapshotCacheTTL, cfg.ImportWorkers, logger,
	)
	gradingService := service.NewGradingService(submissionRepo, activityService, eventService, cfg.GradingTolerance, cfg.BorderlineWindow, logger)

	if err := importService.RecoverInterrupted(rootCtx); err != nil {
		log.Fatalf("failed to settle interrupted import jobs: %v", err)
	}

	importHandler := handler.NewImportHandler(importService, violationService, duplicateService, validate, cfg.MaxArchiveMB, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, validate, logger)
	violationHandler := handler.NewViolationHandler(violationService, validate, logger)
	eventsHandler := handler.NewEventsHandler(eventService, cfg.StreamKeepAlive, logger)
	activityHandler := handler.NewActivityHandler(activityService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MaxArchiveMB + 8) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ImportHandler:    importHandler,
		GradingHandler:   gradingHandler,
		ViolationHandler: violationHandler,
		EventsHandler:    eventsHandler,
		ActivityHandler:  activityHandler,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(rootCtx, app, importService)
}

func buildStorage(cfg config.Config, logger zerolog.Logger) (objectstore.Storage, error) {
	if cfg.StorageDriver == "cloudinary" {
		return objectstore.NewCloudinary(objectstore.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
	}

	return objectstore.NewMinio(objectstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logger)
}

func waitForShutdown(rootCtx context.Context, app *fiber.App, imports service.ImportService) {
	<-rootCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// Let in-flight import jobs settle before the process exits.
	imports.Wait()

	log.Println("server stopped")
}

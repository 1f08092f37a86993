package handler_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/config"
	"github.com/examhub/examhub-go-api/internal/handler"
	"github.com/examhub/examhub-go-api/internal/middleware"
	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/router"
	"github.com/examhub/examhub-go-api/internal/service"
)

type testApp struct {
	app     *fiber.App
	db      *gorm.DB
	imports service.ImportService
	events  service.EventService
	exam    models.Exam
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// memoryStorage satisfies objectstore.Storage without external services.
type memoryStorage struct{}

func (memoryStorage) Upload(_ context.Context, name string, reader io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return "", err
	}
	return "mem://" + name, nil
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.ImportJob{},
		&models.ImportFileResult{},
		&models.Submission{},
		&models.Violation{},
		&models.DuplicateGroup{},
		&models.DuplicateGroupMember{},
		&models.ActivityLog{},
	))

	exam := models.Exam{Name: "Networks Midterm", MaxScore: 100, PassMark: 50}
	require.NoError(t, db.Create(&exam).Error)

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	jobRepo := repository.NewImportJobRepository(db)
	examRepo := repository.NewExamRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	violationRepo := repository.NewViolationRepository(db)
	duplicateRepo := repository.NewDuplicateRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	events := service.NewEventService(nil, "", nil, logger)
	activity := service.NewActivityService(activityRepo, logger)
	archive := service.NewArchiveService(memoryStorage{}, 8, logger)
	violations := service.NewViolationService(violationRepo, submissionRepo, activity, events, 3, logger)
	duplicates := service.NewDuplicateService(duplicateRepo, 0.82, logger)
	imports := service.NewImportService(
		jobRepo, examRepo, submissionRepo, violationRepo,
		archive, violations, duplicates, events,
		nil, time.Second, 1, logger,
	)
	grading := service.NewGradingService(submissionRepo, activity, events, 5, 3, logger)

	app := fiber.New()
	app.Use(middleware.CorrelationID())

	cfg := config.Config{AppName: "examhub-test", AppEnv: "test"}
	router.Register(app, cfg, router.Dependencies{
		ImportHandler:    handler.NewImportHandler(imports, violations, duplicates, validate, 8, logger),
		GradingHandler:   handler.NewGradingHandler(grading, validate, logger),
		ViolationHandler: handler.NewViolationHandler(violations, validate, logger),
		EventsHandler:    handler.NewEventsHandler(events, time.Second, logger),
		ActivityHandler:  handler.NewActivityHandler(activity, logger),
	})

	return &testApp{app: app, db: db, imports: imports, events: events, exam: exam}
}

func (a *testApp) seedSubmission(t *testing.T, status string) models.Submission {
	t.Helper()
	submission := models.Submission{
		ExamID:      a.exam.ID,
		JobID:       1,
		StudentCode: "SV1001",
		Status:      status,
	}
	require.NoError(t, a.db.Create(&submission).Error)
	return submission
}

func buildArchiveRequest(t *testing.T, examID uint, entries map[string][]byte) *http.Request {
	t.Helper()

	var archiveBuf bytes.Buffer
	writer := zip.NewWriter(&archiveBuf)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	require.NoError(t, form.WriteField("exam_id", fmt.Sprint(examID)))
	part, err := form.CreateFormFile("archive", "batch.zip")
	require.NoError(t, err)
	_, err = part.Write(archiveBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req
}

func performJSON(t *testing.T, app *fiber.App, method, path string, payload interface{}) *http.Response {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func itoa(id uint) string {
	return fmt.Sprint(id)
}

func decodeEnvelope(t *testing.T, resp *http.Response, target interface{}) apiEnvelope {
	t.Helper()
	defer resp.Body.Close()

	var envelope apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if target != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, target))
	}
	return envelope
}

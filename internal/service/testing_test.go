package service_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
	"github.com/examhub/examhub-go-api/internal/service"
)

func setupTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func seedExam(t *testing.T, db *gorm.DB) models.Exam {
	t.Helper()
	exam := models.Exam{Name: "Algorithms Final", MaxScore: 100, PassMark: 50}
	require.NoError(t, db.Create(&exam).Error)
	return exam
}

// memoryStorage keeps uploaded payloads in a map so tests can assert on them.
type memoryStorage struct {
	objects map[string][]byte
	fail    bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (s *memoryStorage) Upload(_ context.Context, name string, reader io.Reader) (string, error) {
	if s.fail {
		return "", fmt.Errorf("storage unavailable")
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	s.objects[name] = payload
	return "mem://" + name, nil
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func newTestEventService() service.EventService {
	return service.NewEventService(nil, "", nil, zerolog.Nop())
}

func newTestActivity(t *testing.T, db *gorm.DB) service.ActivityRecorder {
	t.Helper()
	return service.NewActivityService(repository.NewActivityLogRepository(db), zerolog.Nop())
}

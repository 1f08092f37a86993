package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/examhub/examhub-go-api/pkg/objectstore"
)

var (
	// ErrArchiveUnreadable indicates the archive container itself cannot be opened.
	ErrArchiveUnreadable = errors.New("archive cannot be opened")
	// ErrNoStudentCode indicates no student code could be derived from the entry name.
	ErrNoStudentCode = errors.New("student code not derivable from entry name")
	// ErrUnsupportedType indicates the entry payload type is not accepted.
	ErrUnsupportedType = errors.New("unsupported entry type")
	// ErrEntryTooLarge indicates the entry exceeds the per-file size limit.
	ErrEntryTooLarge = errors.New("entry exceeds maximum allowed size")
	// ErrEmptyEntry indicates the entry has no payload.
	ErrEmptyEntry = errors.New("entry payload is empty")
)

// Entry names follow `<CODE>_<anything>.<ext>` or `<CODE>/<anything>`;
// a code is 2-8 letters followed by 3-8 digits.
var studentCodePattern = regexp.MustCompile(`^([A-Za-z]{2,8}[0-9]{3,8})\b`)

// ArchiveEntry is one candidate file pulled out of the uploaded archive.
type ArchiveEntry struct {
	Position int
	Name     string
	Payload  []byte
}

// ExtractedFile is the successful outcome for one archive entry.
type ExtractedFile struct {
	Position       int
	FileName       string
	StudentCode    string
	StorageURL     string
	MimeType       string
	NormalizedText string
	Checksum       string
	ExtractedAt    time.Time
}

// ArchiveService unpacks uploaded archives and prepares individual
// submission payloads for import.
type ArchiveService interface {
	Open(payload []byte) ([]ArchiveEntry, error)
	Process(ctx context.Context, jobID uint, entry ArchiveEntry) (ExtractedFile, error)
}

type archiveService struct {
	storage      objectstore.Storage
	maxEntrySize int64
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewArchiveService constructs the archive ingestor.
func NewArchiveService(storage objectstore.Storage, maxEntryMB int, logger zerolog.Logger) ArchiveService {
	if maxEntryMB <= 0 {
		maxEntryMB = 32
	}
	return &archiveService{
		storage:      storage,
		maxEntrySize: int64(maxEntryMB) * 1024 * 1024,
		logger:       logger.With().Str("component", "archive_service").Logger(),
		tracer:       otel.Tracer("github.com/examhub/examhub-go-api/internal/service/archive"),
		now:          time.Now,
	}
}

// Open reads the archive container and returns its candidate entries in
// archive order. Directories and archive metadata entries are skipped.
// A container that cannot be opened at all is a job-fatal error.
func (s *archiveService) Open(payload []byte) ([]ArchiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}

	entries := make([]ArchiveEntry, 0, len(reader.File))
	position := 0
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || isMetadataEntry(file.Name) {
			continue
		}

		entry := ArchiveEntry{Position: position, Name: path.Clean(file.Name)}
		position++

		handle, err := file.Open()
		if err != nil {
			// Keep the entry so the failure surfaces as a per-file result.
			entries = append(entries, entry)
			continue
		}

		content, err := io.ReadAll(io.LimitReader(handle, s.maxEntrySize+1))
		_ = handle.Close()
		if err != nil {
			entries = append(entries, entry)
			continue
		}

		entry.Payload = content
		entries = append(entries, entry)
	}

	return entries, nil
}

// Process screens one entry, persists its payload to durable storage and
// returns the extracted file. All failures are per-entry and recoverable.
func (s *archiveService) Process(ctx context.Context, jobID uint, entry ArchiveEntry) (ExtractedFile, error) {
	ctx, span := s.tracer.Start(ctx, "archive.process_entry", trace.WithAttributes(
		attribute.Int64("import.job_id", int64(jobID)),
		attribute.String("import.entry", entry.Name),
	))
	defer span.End()

	if len(entry.Payload) == 0 {
		span.RecordError(ErrEmptyEntry)
		return ExtractedFile{}, fmt.Errorf("%s: %w", entry.Name, ErrEmptyEntry)
	}

	if int64(len(entry.Payload)) > s.maxEntrySize {
		span.RecordError(ErrEntryTooLarge)
		return ExtractedFile{}, fmt.Errorf("%s: %w", entry.Name, ErrEntryTooLarge)
	}

	code, err := DeriveStudentCode(entry.Name)
	if err != nil {
		span.RecordError(err)
		return ExtractedFile{}, err
	}

	mime := mimetype.Detect(entry.Payload)
	if !isAllowedSubmissionType(mime) {
		span.RecordError(ErrUnsupportedType)
		return ExtractedFile{}, fmt.Errorf("%s (%s): %w", entry.Name, mime.String(), ErrUnsupportedType)
	}

	checksum := sha256.Sum256(entry.Payload)
	storageName := fmt.Sprintf("job-%d/%s-%s", jobID, code, sanitizeEntryName(entry.Name))

	url, err := s.storage.Upload(ctx, storageName, bytes.NewReader(entry.Payload))
	if err != nil {
		span.RecordError(err)
		return ExtractedFile{}, fmt.Errorf("failed to store payload for %s: %w", entry.Name, err)
	}

	s.logger.Debug().
		Uint("job_id", jobID).
		Str("entry", entry.Name).
		Str("student_code", code).
		Msg("entry extracted")

	return ExtractedFile{
		Position:       entry.Position,
		FileName:       entry.Name,
		StudentCode:    code,
		StorageURL:     url,
		MimeType:       mime.String(),
		NormalizedText: NormalizeSubmissionText(entry.Payload, mime.String()),
		Checksum:       hex.EncodeToString(checksum[:]),
		ExtractedAt:    s.now().UTC(),
	}, nil
}

// DeriveStudentCode extracts the student code from an archive entry name.
// The first path segment is preferred (folder-per-student layouts), falling
// back to the file base name.
func DeriveStudentCode(name string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean(name), "./")

	candidates := []string{}
	if idx := strings.IndexByte(cleaned, '/'); idx > 0 {
		candidates = append(candidates, cleaned[:idx])
	}
	candidates = append(candidates, path.Base(cleaned))

	for _, candidate := range candidates {
		if match := studentCodePattern.FindStringSubmatch(candidate); match != nil {
			return strings.ToUpper(match[1]), nil
		}
	}

	return "", fmt.Errorf("%s: %w", name, ErrNoStudentCode)
}

// NormalizeSubmissionText lowercases and collapses textual content for
// similarity comparison. Binary payloads yield an empty string; they are
// still comparable through their checksum.
func NormalizeSubmissionText(payload []byte, mime string) string {
	if !strings.HasPrefix(mime, "text/") {
		return ""
	}

	var b strings.Builder
	b.Grow(len(payload))
	lastSpace := true
	for _, r := range strings.ToLower(string(payload)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func isMetadataEntry(name string) bool {
	cleaned := strings.TrimPrefix(path.Clean(name), "./")
	if strings.HasPrefix(cleaned, "__MACOSX/") {
		return true
	}
	base := path.Base(cleaned)
	return strings.HasPrefix(base, ".")
}

func isAllowedSubmissionType(mime *mimetype.MIME) bool {
	allowed := []string{
		"application/pdf",
		"application/zip",
		"application/x-zip-compressed",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/msword",
	}
	for _, a := range allowed {
		if mime.Is(a) {
			return true
		}
	}

	value := mime.String()
	return strings.HasPrefix(value, "text/") || strings.HasPrefix(value, "image/")
}

func sanitizeEntryName(name string) string {
	base := path.Base(name)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)

	if strings.Trim(base, "-.") == "" {
		base = fmt.Sprintf("entry-%d", time.Now().Unix())
	}

	return base
}

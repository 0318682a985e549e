package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
	"github.com/edumanager/edumanager-api/pkg/storage"
)

// RosterExport is a rendered roster file plus its download metadata.
type RosterExport struct {
	Payload     []byte
	ContentType string
	Filename    string

	// DownloadToken is empty when the archive is disabled.
	DownloadToken string
	ExpiresAt     time.Time
}

// ExportService renders course rosters and keeps an on-disk archive of the
// rendered files, addressable through signed download tokens.
type ExportService struct {
	enrollments *EnrollmentService
	archive     *storage.RosterArchive
	signer      *storage.SignedURLSigner
	logger      *zap.Logger
}

// NewExportService constructs ExportService. Archive and signer may be nil,
// in which case exports are rendered but not persisted.
func NewExportService(enrollments *EnrollmentService, archive *storage.RosterArchive, signer *storage.SignedURLSigner, logger *zap.Logger) *ExportService {
	return &ExportService{
		enrollments: enrollments,
		archive:     archive,
		signer:      signer,
		logger:      logger,
	}
}

// ExportRoster renders the active roster of the course in the requested
// format and, when the archive is enabled, stores a copy and returns a
// signed token that can be used to download it again.
func (s *ExportService) ExportRoster(ctx context.Context, courseID, format string) (*RosterExport, error) {
	payload, contentType, err := s.enrollments.ExportRoster(ctx, courseID, format)
	if err != nil {
		return nil, err
	}

	ext := "csv"
	if contentType == "application/pdf" {
		ext = "pdf"
	}
	result := &RosterExport{
		Payload:     payload,
		ContentType: contentType,
		Filename:    fmt.Sprintf("roster.%s", ext),
	}

	if s.archive == nil || s.signer == nil {
		return result, nil
	}

	relPath := fmt.Sprintf("%s/roster-%s.%s", courseID, time.Now().UTC().Format("20060102T150405"), ext)
	if _, err := s.archive.Save(relPath, payload); err != nil {
		s.logger.Warn("failed to archive roster export", zap.String("course_id", courseID), zap.Error(err))
		return result, nil
	}
	token, expiresAt, err := s.signer.Generate(courseID, relPath)
	if err != nil {
		s.logger.Warn("failed to sign roster export token", zap.String("course_id", courseID), zap.Error(err))
		return result, nil
	}
	result.DownloadToken = token
	result.ExpiresAt = expiresAt
	return result, nil
}

// Download validates a signed token and returns the archived export.
func (s *ExportService) Download(token string) (*RosterExport, error) {
	if s.archive == nil || s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export archive is disabled")
	}
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid download token")
	}
	payload, err := s.archive.Read(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export no longer available")
	}
	contentType := "text/csv"
	if strings.HasSuffix(relPath, ".pdf") {
		contentType = "application/pdf"
	}
	return &RosterExport{
		Payload:     payload,
		ContentType: contentType,
		Filename:    relPath[strings.LastIndex(relPath, "/")+1:],
	}, nil
}

// CleanupArchive drops archived exports older than the given TTL.
func (s *ExportService) CleanupArchive(ttl time.Duration) (int, error) {
	if s.archive == nil {
		return 0, nil
	}
	deleted, err := s.archive.CleanupOlderThan(ttl)
	if err != nil {
		return 0, err
	}
	return len(deleted), nil
}

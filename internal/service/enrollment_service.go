package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edumanager/edumanager-api/internal/models"
	"github.com/edumanager/edumanager-api/internal/repository"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
	"github.com/edumanager/edumanager-api/pkg/export"
)

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	FindActiveByPair(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error)
	ListActiveByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
	UpdateRecord(ctx context.Context, enrollment *models.Enrollment) error
	Count(ctx context.Context) (int, error)
	Drop(ctx context.Context, id string) (found bool, released bool, err error)
}

// courseLedger is the seat accounting surface the coordinator composes
// with the record store. ReserveSeat and ReleaseSeat are atomic per
// course; the coordinator never mutates the enrolled counter directly.
type courseLedger interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	ReserveSeat(ctx context.Context, courseID string) (*models.CourseSeats, error)
	ReleaseSeat(ctx context.Context, courseID string) (*models.CourseSeats, error)
}

// EnrollStudentRequest describes an admission request.
type EnrollStudentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	CourseID  string `json:"course_id" validate:"required"`
}

// UpdateEnrollmentRequest carries grade and status edits that do not
// affect seat occupancy.
type UpdateEnrollmentRequest struct {
	Grade  *string `json:"grade,omitempty"`
	Status string  `json:"status,omitempty"`
}

// EnrollmentService coordinates admission and withdrawal across the
// course seat ledger and the enrollment record store, keeping the two
// consistent under concurrent requests.
type EnrollmentService struct {
	repo       enrollmentRepository
	courses    courseLedger
	cache      *CacheService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses courseLedger, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, maxRetries int, retryDelay time.Duration) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &EnrollmentService{repo: repo, courses: courses, cache: cache, metrics: metrics, validator: validate, logger: logger, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Enroll admits a student into a course. The seat reservation and record
// creation form one unit of work: when record creation fails after a
// seat was reserved, the seat is released before the error surfaces.
// Transient storage failures retry the whole unit, never a part of it.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollStudentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	var detail *models.EnrollmentDetail
	var err error
	for attempt := 1; ; attempt++ {
		detail, err = s.enrollOnce(ctx, req)
		if err == nil || !repository.IsRetryable(err) || attempt >= s.maxRetries {
			break
		}
		s.logger.Warn("enrollment unit retrying",
			zap.String("student_id", req.StudentID),
			zap.String("course_id", req.CourseID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "enrollment aborted")
		case <-time.After(s.retryDelay):
		}
	}
	if err != nil {
		s.recordDecision("enroll", err)
		return nil, err
	}

	s.metrics.RecordEnrollmentDecision("enroll", "admitted")
	s.cache.Invalidate(ctx, "courses:*")
	s.logger.Info("student enrolled",
		zap.String("enrollment_id", detail.ID),
		zap.String("student_id", detail.StudentID),
		zap.String("course_id", detail.CourseID))
	return detail, nil
}

func (s *EnrollmentService) enrollOnce(ctx context.Context, req EnrollStudentRequest) (*models.EnrollmentDetail, error) {
	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	// Fast-path rejection. The authoritative duplicate guard is the
	// partial unique index checked again at insert time, so a race
	// between two requests for the same pair cannot slip through here.
	if _, err := s.repo.FindActiveByPair(ctx, req.StudentID, req.CourseID); err == nil {
		return nil, appErrors.ErrDuplicateEnrollment
	} else if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}

	// The check-and-increment is a single conditional update inside the
	// ledger, so concurrent admissions can never oversubscribe a course.
	seats, err := s.courses.ReserveSeat(ctx, req.CourseID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrCourseNotFound) || appErrors.Is(err, appErrors.ErrCourseFull) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
	}
	s.metrics.SetSeatOccupancy(req.CourseID, seats.Enrolled)

	enrollment := &models.Enrollment{
		StudentID:      req.StudentID,
		CourseID:       req.CourseID,
		EnrollmentDate: time.Now().UTC(),
		Status:         models.EnrollmentStatusEnrolled,
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		// Roll the reservation back before surfacing the failure so the
		// ledger and the record store never drift apart.
		if released, releaseErr := s.courses.ReleaseSeat(ctx, req.CourseID); releaseErr != nil {
			s.logger.Error("failed to release seat after create failure",
				zap.String("course_id", req.CourseID),
				zap.Error(releaseErr))
		} else {
			s.metrics.SetSeatOccupancy(req.CourseID, released.Enrolled)
		}
		if repository.IsUniqueViolation(err) {
			return nil, appErrors.ErrDuplicateEnrollment
		}
		if repository.IsRetryable(err) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// Drop withdraws an enrollment. Dropping an unknown id succeeds without
// side effects, and a second drop of the same record never releases a
// second seat.
func (s *EnrollmentService) Drop(ctx context.Context, id string) error {
	var found, released bool
	var err error
	for attempt := 1; ; attempt++ {
		found, released, err = s.repo.Drop(ctx, id)
		if err == nil || !repository.IsRetryable(err) || attempt >= s.maxRetries {
			break
		}
		s.logger.Warn("drop unit retrying", zap.String("enrollment_id", id), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return appErrors.Wrap(ctx.Err(), appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "drop aborted")
		case <-time.After(s.retryDelay):
		}
	}
	if err != nil {
		s.metrics.RecordEnrollmentDecision("drop", "error")
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop enrollment")
	}
	if !found {
		s.metrics.RecordEnrollmentDecision("drop", "noop")
		return nil
	}
	s.metrics.RecordEnrollmentDecision("drop", "dropped")
	if released {
		s.cache.Invalidate(ctx, "courses:*")
	}
	s.logger.Info("enrollment dropped", zap.String("enrollment_id", id), zap.Bool("seat_released", released))
	return nil
}

// Update applies grade and status edits that carry no capacity side
// effects; transitions into DROPPED must use Drop so the seat release
// fires.
func (s *EnrollmentService) Update(ctx context.Context, id string, req UpdateEnrollmentRequest) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if req.Status != "" {
		status := models.EnrollmentStatus(strings.ToUpper(req.Status))
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid enrollment status")
		}
		if status == models.EnrollmentStatusDropped && enrollment.Status != models.EnrollmentStatusDropped {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "withdrawals must use the drop operation")
		}
		if enrollment.Status == models.EnrollmentStatusDropped && status != models.EnrollmentStatusDropped {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "dropped enrollments cannot be reactivated")
		}
		enrollment.Status = status
	}
	if req.Grade != nil {
		enrollment.Grade = req.Grade
	}

	if err := s.repo.UpdateRecord(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
	}
	return enrollment, nil
}

// Get returns an enrollment with student and course context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// ListByStudent returns all enrollments for a student.
func (s *EnrollmentService) ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	enrollments, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student enrollments")
	}
	return enrollments, nil
}

// ListByCourse returns all enrollments for a course.
func (s *EnrollmentService) ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	enrollments, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course enrollments")
	}
	return enrollments, nil
}

// Count returns the number of enrollment records.
func (s *EnrollmentService) Count(ctx context.Context) (int, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
	}
	return total, nil
}

// ExportRoster renders the active roster of a course as CSV or PDF and
// returns the payload with its content type.
func (s *EnrollmentService) ExportRoster(ctx context.Context, courseID, format string) ([]byte, string, error) {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, "", appErrors.ErrCourseNotFound
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	roster, err := s.repo.ListActiveByCourse(ctx, courseID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	dataset := export.Dataset{Headers: []string{"Student", "Enrolled On", "Grade", "Status"}}
	for _, entry := range roster {
		grade := ""
		if entry.Grade != nil {
			grade = *entry.Grade
		}
		dataset.Append(entry.StudentName, entry.EnrollmentDate.Format("2006-01-02"), grade, string(entry.Status))
	}

	title := fmt.Sprintf("%s %s roster", course.Code, course.Name)
	switch strings.ToLower(format) {
	case "", "csv":
		payload, err := export.CSV(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster csv")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := export.PDF(dataset, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster pdf")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
}

func (s *EnrollmentService) recordDecision(operation string, err error) {
	switch {
	case appErrors.Is(err, appErrors.ErrCourseFull):
		s.metrics.RecordEnrollmentDecision(operation, "course_full")
	case appErrors.Is(err, appErrors.ErrDuplicateEnrollment):
		s.metrics.RecordEnrollmentDecision(operation, "duplicate")
	case appErrors.Is(err, appErrors.ErrCourseNotFound):
		s.metrics.RecordEnrollmentDecision(operation, "course_not_found")
	default:
		s.metrics.RecordEnrollmentDecision(operation, "error")
	}
}

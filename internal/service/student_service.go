package service

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumanager/edumanager-api/internal/models"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
	"github.com/edumanager/edumanager-api/pkg/jobs"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByEmail(ctx context.Context, email string) (*models.Student, error)
	ExistsByEmail(ctx context.Context, email string, excludeID string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	BatchInsert(ctx context.Context, students []models.Student) (int, error)
}

// CreateStudentRequest holds payload for creating students.
type CreateStudentRequest struct {
	FirstName string    `json:"first_name" validate:"required"`
	LastName  string    `json:"last_name" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	Phone     string    `json:"phone"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	Address   string    `json:"address"`
}

// UpdateStudentRequest holds payload for updating students.
type UpdateStudentRequest struct {
	FirstName string    `json:"first_name" validate:"required"`
	LastName  string    `json:"last_name" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	Phone     string    `json:"phone"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
}

// ImportStudentsRequest carries a batch of students for background import.
type ImportStudentsRequest struct {
	Students []CreateStudentRequest `json:"students" validate:"required,min=1,dive"`
}

// StudentService handles student use-cases, including chunked background
// imports through the jobs queue.
type StudentService struct {
	repo      studentRepository
	queue     *jobs.Queue
	chunkSize int
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service. Call StartImporter
// before accepting import requests.
func NewStudentService(repo studentRepository, validate *validator.Validate, logger *zap.Logger, workers, retries, chunkSize int) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}
	s := &StudentService{repo: repo, chunkSize: chunkSize, validator: validate, logger: logger}
	s.queue = jobs.NewQueue("student-import", s.handleImportJob, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: retries,
		Logger:     logger,
	})
	return s
}

// StartImporter launches the background import workers.
func (s *StudentService) StartImporter(ctx context.Context) {
	s.queue.Start(ctx)
}

// StopImporter drains and stops the background import workers.
func (s *StudentService) StopImporter() {
	s.queue.Stop()
}

// List returns students and pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
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
	return students, pagination, nil
}

// Get returns a student by ID.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// GetByEmail returns a student by email address.
func (s *StudentService) GetByEmail(ctx context.Context, email string) (*models.Student, error) {
	student, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	exists, err := s.repo.ExistsByEmail(ctx, req.Email, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate email")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already used")
	}
	student := &models.Student{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		BirthDate: req.BirthDate,
		Address:   req.Address,
		Status:    models.StudentStatusActive,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}
	return student, nil
}

// Update modifies an existing student record.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	exists, err := s.repo.ExistsByEmail(ctx, req.Email, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate email")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already used")
	}

	student.FirstName = req.FirstName
	student.LastName = req.LastName
	student.Email = req.Email
	student.Phone = req.Phone
	student.BirthDate = req.BirthDate
	student.Address = req.Address
	if req.Status != "" {
		status := models.StudentStatus(strings.ToUpper(req.Status))
		switch status {
		case models.StudentStatusActive, models.StudentStatusInactive, models.StudentStatusGraduated:
			student.Status = status
		default:
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid student status")
		}
	}

	if err := s.repo.Update(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	return student, nil
}

// Delete removes a student record.
func (s *StudentService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrStudentNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete student")
	}
	return nil
}

// Count returns the number of students.
func (s *StudentService) Count(ctx context.Context) (int, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count students")
	}
	return total, nil
}

// Import validates the batch, splits it into chunks and enqueues them
// for the background workers. It returns the number of queued chunks.
func (s *StudentService) Import(ctx context.Context, req ImportStudentsRequest) (int, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import payload")
	}

	students := make([]models.Student, 0, len(req.Students))
	for _, item := range req.Students {
		students = append(students, models.Student{
			FirstName: item.FirstName,
			LastName:  item.LastName,
			Email:     item.Email,
			Phone:     item.Phone,
			BirthDate: item.BirthDate,
			Address:   item.Address,
			Status:    models.StudentStatusActive,
		})
	}

	chunks := 0
	for start := 0; start < len(students); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(students) {
			end = len(students)
		}
		job := jobs.Job{
			ID:      uuid.NewString(),
			Type:    "student-import-chunk",
			Payload: students[start:end],
		}
		if err := s.queue.Enqueue(job); err != nil {
			return chunks, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue import chunk")
		}
		chunks++
	}
	s.logger.Info("student import queued", zap.Int("students", len(students)), zap.Int("chunks", chunks))
	return chunks, nil
}

func (s *StudentService) handleImportJob(ctx context.Context, job jobs.Job) error {
	chunk, ok := job.Payload.([]models.Student)
	if !ok {
		s.logger.Error("unexpected import payload", zap.String("job_id", job.ID))
		return nil
	}
	inserted, err := s.repo.BatchInsert(ctx, chunk)
	if err != nil {
		return err
	}
	s.logger.Info("student import chunk applied", zap.String("job_id", job.ID), zap.Int("inserted", inserted))
	return nil
}

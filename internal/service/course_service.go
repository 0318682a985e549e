package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edumanager/edumanager-api/internal/models"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
)

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindByCode(ctx context.Context, code string) (*models.Course, error)
	ExistsByCode(ctx context.Context, code string, excludeID string) (bool, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// CreateCourseRequest holds payload for creating courses.
type CreateCourseRequest struct {
	Code           string `json:"code" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Description    string `json:"description"`
	Credits        int    `json:"credits" validate:"gte=0"`
	Department     string `json:"department"`
	InstructorName string `json:"instructor_name"`
	Capacity       int    `json:"capacity" validate:"gte=0"`
}

// UpdateCourseRequest holds payload for updating courses.
type UpdateCourseRequest struct {
	Code           string `json:"code" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Description    string `json:"description"`
	Credits        int    `json:"credits" validate:"gte=0"`
	Department     string `json:"department"`
	InstructorName string `json:"instructor_name"`
	Capacity       int    `json:"capacity" validate:"gte=0"`
}

// CourseService handles course catalog use-cases. Seat accounting is not
// exposed here; it belongs to the enrollment coordinator.
type CourseService struct {
	repo      courseRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCourseService constructs the course service.
func NewCourseService(repo courseRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// List returns courses and pagination metadata, served from cache when possible.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	type cached struct {
		Courses    []models.Course    `json:"courses"`
		Pagination *models.Pagination `json:"pagination"`
	}
	key := listCacheKey(filter)
	var hit cached
	if ok, _ := s.cache.Get(ctx, key, &hit); ok {
		return hit.Courses, hit.Pagination, nil
	}

	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
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
	s.cache.Set(ctx, key, cached{Courses: courses, Pagination: pagination}, 0)
	return courses, pagination, nil
}

// Get returns a course by ID.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// GetByCode returns a course by its catalog code.
func (s *CourseService) GetByCode(ctx context.Context, code string) (*models.Course, error) {
	course, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// Create registers a new course starting with an empty roster.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	exists, err := s.repo.ExistsByCode(ctx, req.Code, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
	}
	course := &models.Course{
		Code:           req.Code,
		Name:           req.Name,
		Description:    req.Description,
		Credits:        req.Credits,
		Department:     req.Department,
		InstructorName: req.InstructorName,
		Capacity:       req.Capacity,
	}
	if err := s.repo.Create(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	s.cache.Invalidate(ctx, "courses:*")
	return course, nil
}

// Update modifies descriptive course fields. The enrolled counter never
// passes through here.
func (s *CourseService) Update(ctx context.Context, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	exists, err := s.repo.ExistsByCode(ctx, req.Code, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
	}
	if req.Capacity < course.Enrolled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "capacity cannot drop below occupied seats")
	}

	course.Code = req.Code
	course.Name = req.Name
	course.Description = req.Description
	course.Credits = req.Credits
	course.Department = req.Department
	course.InstructorName = req.InstructorName
	course.Capacity = req.Capacity

	if err := s.repo.Update(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}
	s.cache.Invalidate(ctx, "courses:*")
	return course, nil
}

// Delete removes a course from the catalog.
func (s *CourseService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrCourseNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete course")
	}
	s.cache.Invalidate(ctx, "courses:*")
	return nil
}

// Count returns the number of courses.
func (s *CourseService) Count(ctx context.Context) (int, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count courses")
	}
	return total, nil
}

func listCacheKey(filter models.CourseFilter) string {
	return fmt.Sprintf("courses:list:%s:%s:%t:%d:%d:%s:%s",
		filter.Search, filter.Department, filter.AvailableOnly, filter.Page, filter.PageSize, filter.SortBy, filter.SortOrder)
}

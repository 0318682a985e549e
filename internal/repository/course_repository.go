package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/edumanager/edumanager-api/internal/models"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
)

// CourseRepository handles persistence for courses and owns the seat
// ledger: the enrolled counter is only ever changed through ReserveSeat
// and ReleaseSeat.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

const courseColumns = "id, code, name, description, credits, department, instructor_name, capacity, enrolled, created_at, updated_at"

// List returns courses matching the provided filters.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	base := "FROM courses WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.Department != "" {
		conditions = append(conditions, fmt.Sprintf("department = $%d", len(args)+1))
		args = append(args, filter.Department)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(code) LIKE $%d OR LOWER(name) LIKE $%d OR LOWER(department) LIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	if filter.AvailableOnly {
		conditions = append(conditions, "enrolled < capacity")
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"code":       "code",
		"name":       "name",
		"department": "department",
		"created_at": "created_at",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "code"
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "code"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", courseColumns, base, column, order, size, offset)

	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := fmt.Sprintf("SELECT %s FROM courses WHERE id = $1", courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// FindByCode returns a course by its unique code.
func (r *CourseRepository) FindByCode(ctx context.Context, code string) (*models.Course, error) {
	query := fmt.Sprintf("SELECT %s FROM courses WHERE code = $1", courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, code); err != nil {
		return nil, err
	}
	return &course, nil
}

// ExistsByCode checks if a course with the given code exists optionally excluding an ID.
func (r *CourseRepository) ExistsByCode(ctx context.Context, code string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM courses WHERE code = $1"
	args := []interface{}{code}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check course code: %w", err)
	}
	return true, nil
}

// Create inserts a new course. New courses always start with zero occupied seats.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if course.CreatedAt.IsZero() {
		course.CreatedAt = now
	}
	course.UpdatedAt = now
	course.Enrolled = 0
	const query = `INSERT INTO courses (id, code, name, description, credits, department, instructor_name, capacity, enrolled, created_at, updated_at)
        VALUES (:id, :code, :name, :description, :credits, :department, :instructor_name, :capacity, :enrolled, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update modifies descriptive course fields. The enrolled counter is
// deliberately excluded from the statement.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET code = :code, name = :name, description = :description, credits = :credits, department = :department, instructor_name = :instructor_name, capacity = :capacity, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

// Delete removes a course.
func (r *CourseRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM courses WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return nil
}

// Count returns the total number of courses.
func (r *CourseRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM courses"); err != nil {
		return 0, fmt.Errorf("count courses: %w", err)
	}
	return total, nil
}

// ReserveSeat occupies one seat when capacity allows. The capacity check
// and the increment are a single conditional update so two concurrent
// reservations can never both take the last seat.
func (r *CourseRepository) ReserveSeat(ctx context.Context, courseID string) (*models.CourseSeats, error) {
	const query = `UPDATE courses SET enrolled = enrolled + 1, updated_at = NOW()
        WHERE id = $1 AND enrolled < capacity
        RETURNING capacity, enrolled`
	var seats models.CourseSeats
	err := r.db.GetContext(ctx, &seats, query, courseID)
	if err == nil {
		return &seats, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reserve seat: %w", err)
	}
	// No row matched: either the course is missing or it is full.
	var exists int
	if err := r.db.GetContext(ctx, &exists, "SELECT 1 FROM courses WHERE id = $1 LIMIT 1", courseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, fmt.Errorf("reserve seat lookup: %w", err)
	}
	return nil, appErrors.ErrCourseFull
}

// ReleaseSeat frees one seat, clamped at zero so a double release can
// never drive the counter negative.
func (r *CourseRepository) ReleaseSeat(ctx context.Context, courseID string) (*models.CourseSeats, error) {
	const query = `UPDATE courses SET enrolled = GREATEST(enrolled - 1, 0), updated_at = NOW()
        WHERE id = $1
        RETURNING capacity, enrolled`
	var seats models.CourseSeats
	if err := r.db.GetContext(ctx, &seats, query, courseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, fmt.Errorf("release seat: %w", err)
	}
	return &seats, nil
}

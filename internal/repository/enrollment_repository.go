package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edumanager/edumanager-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollment records.
//
// The repository performs no uniqueness checks of its own; the partial
// unique index on (student_id, course_id) WHERE status <> 'DROPPED'
// backstops the coordinator's duplicate detection under races.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = "id, student_id, course_id, enrollment_date, grade, status"

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrollmentDate.IsZero() {
		enrollment.EnrollmentDate = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusEnrolled
	}
	const query = `INSERT INTO enrollments (id, student_id, course_id, enrollment_date, grade, status)
        VALUES (:id, :student_id, :course_id, :enrollment_date, :grade, :status)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and course context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.enrollment_date, e.grade, e.status,
        s.first_name || ' ' || s.last_name AS student_name, c.code AS course_code, c.name AS course_name
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN courses c ON c.id = e.course_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindActiveByPair returns the non-DROPPED enrollment for a student and
// course pair, or sql.ErrNoRows when none exists.
func (r *EnrollmentRepository) FindActiveByPair(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE student_id = $1 AND course_id = $2 AND status <> $3 LIMIT 1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, courseID, models.EnrollmentStatusDropped); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN courses c ON c.id = e.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrollment_date": "e.enrollment_date",
		"student_name":    "s.last_name",
		"course_code":     "c.code",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "enrollment_date"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.enrollment_date"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.enrollment_date, e.grade, e.status,
        s.first_name || ' ' || s.last_name AS student_name, c.code AS course_code, c.name AS course_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListByStudent returns a student's enrollments, newest first.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE student_id = $1 ORDER BY enrollment_date DESC", enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// ListByCourse returns a course's enrollments, newest first.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE course_id = $1 ORDER BY enrollment_date DESC", enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return enrollments, nil
}

// ListActiveByCourse returns the seat-holding enrollments for a course
// joined with student info, used for roster exports.
func (r *EnrollmentRepository) ListActiveByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.enrollment_date, e.grade, e.status,
        s.first_name || ' ' || s.last_name AS student_name, c.code AS course_code, c.name AS course_name
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN courses c ON c.id = e.course_id
        WHERE e.course_id = $1 AND e.status = $2
        ORDER BY s.last_name ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID, models.EnrollmentStatusEnrolled); err != nil {
		return nil, fmt.Errorf("list course roster: %w", err)
	}
	return enrollments, nil
}

// UpdateRecord updates grade and status for an enrollment. Seat counters
// are never touched here; status changes that affect occupancy go
// through Drop.
func (r *EnrollmentRepository) UpdateRecord(ctx context.Context, enrollment *models.Enrollment) error {
	const query = `UPDATE enrollments SET grade = :grade, status = :status WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

// Count returns the total number of enrollment records.
func (r *EnrollmentRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM enrollments"); err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return total, nil
}

// Drop atomically marks an enrollment DROPPED and releases its seat when
// the record still holds one. The row lock serializes concurrent drops
// of the same enrollment so the seat is released at most once.
//
// Returns (found, released): found is false when no record exists, which
// callers treat as an idempotent success.
func (r *EnrollmentRepository) Drop(ctx context.Context, id string) (found bool, released bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin drop transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current struct {
		CourseID string                  `db:"course_id"`
		Status   models.EnrollmentStatus `db:"status"`
	}
	const selectQuery = `SELECT course_id, status FROM enrollments WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &current, selectQuery, id); err != nil {
		if err == sql.ErrNoRows {
			err = tx.Rollback()
			return false, false, err
		}
		return false, false, fmt.Errorf("lock enrollment: %w", err)
	}

	// Only an ENROLLED record holds a seat; dropping a COMPLETED or
	// already DROPPED record must not release one.
	if current.Status == models.EnrollmentStatusEnrolled {
		const releaseQuery = `UPDATE courses SET enrolled = GREATEST(enrolled - 1, 0), updated_at = NOW() WHERE id = $1`
		if _, err = tx.ExecContext(ctx, releaseQuery, current.CourseID); err != nil {
			return false, false, fmt.Errorf("release seat: %w", err)
		}
		released = true
	}

	if current.Status != models.EnrollmentStatusDropped {
		const dropQuery = `UPDATE enrollments SET status = $2 WHERE id = $1`
		if _, err = tx.ExecContext(ctx, dropQuery, id, models.EnrollmentStatusDropped); err != nil {
			return false, false, fmt.Errorf("mark enrollment dropped: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit drop: %w", err)
	}
	return true, released, nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, raised when the active-pair index rejects a duplicate.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsRetryable reports whether err is a transient serialization or
// deadlock failure worth retrying as a whole unit.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

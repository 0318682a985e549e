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
)

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

const studentColumns = "id, first_name, last_name, email, phone, birth_date, address, enrollment_date, status, created_at, updated_at"

// List returns students matching the provided filters.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	base := "FROM students WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(first_name) LIKE $%d OR LOWER(last_name) LIKE $%d OR LOWER(email) LIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"last_name":       "last_name",
		"email":           "email",
		"enrollment_date": "enrollment_date",
		"created_at":      "created_at",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "last_name"
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "last_name"
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", studentColumns, base, column, order, size, offset)

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID fetches a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE id = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByEmail fetches a student by email address.
func (r *StudentRepository) FindByEmail(ctx context.Context, email string) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE email = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, email); err != nil {
		return nil, err
	}
	return &student, nil
}

// ExistsByEmail checks if a student with given email exists optionally excluding an ID.
func (r *StudentRepository) ExistsByEmail(ctx context.Context, email string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM students WHERE email = $1"
	args := []interface{}{email}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check email: %w", err)
	}
	return true, nil
}

// Create inserts a new student record.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	student.UpdatedAt = now
	if student.EnrollmentDate.IsZero() {
		student.EnrollmentDate = now
	}
	if student.Status == "" {
		student.Status = models.StudentStatusActive
	}
	const query = `INSERT INTO students (id, first_name, last_name, email, phone, birth_date, address, enrollment_date, status, created_at, updated_at)
        VALUES (:id, :first_name, :last_name, :email, :phone, :birth_date, :address, :enrollment_date, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update modifies an existing student.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students SET first_name = :first_name, last_name = :last_name, email = :email, phone = :phone, birth_date = :birth_date, address = :address, status = :status, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	return nil
}

// Delete removes a student record.
func (r *StudentRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM students WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	return nil
}

// Count returns the total number of students.
func (r *StudentRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM students"); err != nil {
		return 0, fmt.Errorf("count students: %w", err)
	}
	return total, nil
}

// BatchInsert persists a chunk of students in one statement, used by the
// background import workers. Returns the number of rows written.
func (r *StudentRepository) BatchInsert(ctx context.Context, students []models.Student) (int, error) {
	if len(students) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for i := range students {
		if students[i].ID == "" {
			students[i].ID = uuid.NewString()
		}
		if students[i].CreatedAt.IsZero() {
			students[i].CreatedAt = now
		}
		students[i].UpdatedAt = now
		if students[i].EnrollmentDate.IsZero() {
			students[i].EnrollmentDate = now
		}
		if students[i].Status == "" {
			students[i].Status = models.StudentStatusActive
		}
	}
	const query = `INSERT INTO students (id, first_name, last_name, email, phone, birth_date, address, enrollment_date, status, created_at, updated_at)
        VALUES (:id, :first_name, :last_name, :email, :phone, :birth_date, :address, :enrollment_date, :status, :created_at, :updated_at)
        ON CONFLICT (email) DO NOTHING`
	result, err := r.db.NamedExecContext(ctx, query, students)
	if err != nil {
		return 0, fmt.Errorf("batch insert students: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return len(students), nil
	}
	return int(inserted), nil
}

package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumanager/edumanager-api/internal/models"
)

func newEnrollmentMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEnrollmentRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "s1", "c1", sqlmock.AnyArg(), nil, string(models.EnrollmentStatusEnrolled)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	enrollment := &models.Enrollment{StudentID: "s1", CourseID: "c1"}
	err := repo.Create(context.Background(), enrollment)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.ID)
	assert.False(t, enrollment.EnrollmentDate.IsZero())
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindActiveByPair(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "enrollment_date", "grade", "status"}).
		AddRow("enr-1", "s1", "c1", time.Now(), nil, models.EnrollmentStatusEnrolled)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, course_id, enrollment_date, grade, status FROM enrollments WHERE student_id = $1 AND course_id = $2 AND status <> $3 LIMIT 1")).
		WithArgs("s1", "c1", string(models.EnrollmentStatusDropped)).
		WillReturnRows(rows)

	enrollment, err := repo.FindActiveByPair(context.Background(), "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "enr-1", enrollment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDropReleasesSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT course_id, status FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"course_id", "status"}).AddRow("c1", models.EnrollmentStatusEnrolled))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET enrolled = GREATEST(enrolled - 1, 0)")).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2 WHERE id = $1")).
		WithArgs("enr-1", string(models.EnrollmentStatusDropped)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	found, released, err := repo.Drop(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDropCompletedKeepsSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT course_id, status FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"course_id", "status"}).AddRow("c1", models.EnrollmentStatusCompleted))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2 WHERE id = $1")).
		WithArgs("enr-1", string(models.EnrollmentStatusDropped)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	found, released, err := repo.Drop(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDropAlreadyDroppedIsNoop(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT course_id, status FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"course_id", "status"}).AddRow("c1", models.EnrollmentStatusDropped))
	mock.ExpectCommit()

	found, released, err := repo.Drop(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDropUnknownID(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT course_id, status FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"course_id", "status"}))
	mock.ExpectRollback()

	found, released, err := repo.Drop(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListActiveByCourse(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "enrollment_date", "grade", "status", "student_name", "course_code", "course_name"}).
		AddRow("enr-1", "s1", "c1", time.Now(), "A", models.EnrollmentStatusEnrolled, "Ayu Putri", "CS101", "Intro to CS")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.course_id = $1 AND e.status = $2")).
		WithArgs("c1", string(models.EnrollmentStatusEnrolled)).
		WillReturnRows(rows)

	roster, err := repo.ListActiveByCourse(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "Ayu Putri", roster[0].StudentName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(&pq.Error{Code: "40P01"}))
	assert.False(t, IsRetryable(assert.AnError))
}

package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumanager/edumanager-api/internal/models"
)

func newStudentMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func studentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "first_name", "last_name", "email", "phone", "birth_date", "address", "enrollment_date", "status", "created_at", "updated_at"}).
		AddRow("stu-1", "Ayu", "Putri", "ayu@example.com", "123", time.Now(), "Street", time.Now(), models.StudentStatusActive, time.Now(), time.Now())
}

func TestStudentRepositoryList(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, first_name, last_name, email, phone, birth_date, address, enrollment_date, status, created_at, updated_at FROM students WHERE 1=1 ORDER BY last_name ASC LIMIT 20 OFFSET 0")).
		WillReturnRows(studentRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students WHERE 1=1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	students, total, err := repo.List(context.Background(), models.StudentFilter{})
	require.NoError(t, err)
	assert.Len(t, students, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListFiltersByStatus(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE 1=1 AND status = $1")).
		WithArgs(string(models.StudentStatusGraduated)).
		WillReturnRows(studentRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students WHERE 1=1 AND status = $1")).
		WithArgs(string(models.StudentStatusGraduated)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, _, err := repo.List(context.Background(), models.StudentFilter{Status: models.StudentStatusGraduated})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("INSERT INTO students").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	student := &models.Student{FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com"}
	err := repo.Create(context.Background(), student)
	require.NoError(t, err)
	assert.NotEmpty(t, student.ID)
	assert.Equal(t, models.StudentStatusActive, student.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryBatchInsert(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("INSERT INTO students").
		WillReturnResult(sqlmock.NewResult(0, 2))

	inserted, err := repo.BatchInsert(context.Background(), []models.Student{
		{FirstName: "A", LastName: "One", Email: "one@example.com"},
		{FirstName: "B", LastName: "Two", Email: "two@example.com"},
		{FirstName: "C", LastName: "Dup", Email: "one@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryBatchInsertEmpty(t *testing.T) {
	db, _, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	inserted, err := repo.BatchInsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

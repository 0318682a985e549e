package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumanager/edumanager-api/internal/models"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
)

type mockStudentRepo struct {
	mu       sync.Mutex
	students map[string]models.Student
	nextID   int
	inserted int
}

func (m *mockStudentRepo) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Student
	for _, s := range m.students {
		list = append(list, s)
	}
	return list, len(list), nil
}

func (m *mockStudentRepo) FindByID(ctx context.Context, id string) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) FindByEmail(ctx context.Context, email string) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.students {
		if s.Email == email {
			return &s, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) ExistsByEmail(ctx context.Context, email string, excludeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.students {
		if s.Email == email && s.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStudentRepo) Create(ctx context.Context, student *models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	m.nextID++
	student.ID = fmt.Sprintf("stu-%d", m.nextID)
	m.students[student.ID] = *student
	return nil
}

func (m *mockStudentRepo) Update(ctx context.Context, student *models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[student.ID] = *student
	return nil
}

func (m *mockStudentRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.students, id)
	return nil
}

func (m *mockStudentRepo) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.students), nil
}

func (m *mockStudentRepo) BatchInsert(ctx context.Context, students []models.Student) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	inserted := 0
	for _, s := range students {
		duplicate := false
		for _, existing := range m.students {
			if existing.Email == s.Email {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		m.nextID++
		s.ID = fmt.Sprintf("stu-%d", m.nextID)
		m.students[s.ID] = s
		inserted++
	}
	m.inserted += inserted
	return inserted, nil
}

func (m *mockStudentRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.students)
}

func birthDate() time.Time {
	return time.Date(2008, 4, 12, 0, 0, 0, 0, time.UTC)
}

func TestStudentServiceCreate(t *testing.T) {
	repo := &mockStudentRepo{}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)

	student, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", BirthDate: birthDate(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StudentStatusActive, student.Status)
	assert.NotEmpty(t, student.ID)
}

func TestStudentServiceCreateDuplicateEmail(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"stu-1": {ID: "stu-1", Email: "ayu@example.com"},
	}}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", BirthDate: birthDate(),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestStudentServiceCreateValidatesEmail(t *testing.T) {
	svc := NewStudentService(&mockStudentRepo{}, validator.New(), zap.NewNop(), 1, 1, 10)

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName: "Ayu", LastName: "Putri", Email: "not-an-email", BirthDate: birthDate(),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestStudentServiceUpdateStatus(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"stu-1": {ID: "stu-1", FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", Status: models.StudentStatusActive},
	}}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)

	updated, err := svc.Update(context.Background(), "stu-1", UpdateStudentRequest{
		FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", BirthDate: birthDate(), Status: "graduated",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StudentStatusGraduated, updated.Status)
}

func TestStudentServiceUpdateRejectsUnknownStatus(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"stu-1": {ID: "stu-1", FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", Status: models.StudentStatusActive},
	}}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)

	_, err := svc.Update(context.Background(), "stu-1", UpdateStudentRequest{
		FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com", BirthDate: birthDate(), Status: "EXPELLED",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestStudentServiceGetByEmail(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"stu-1": {ID: "stu-1", FirstName: "Ayu", LastName: "Putri", Email: "ayu@example.com"},
	}}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)

	student, err := svc.GetByEmail(context.Background(), "ayu@example.com")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", student.ID)

	_, err = svc.GetByEmail(context.Background(), "nobody@example.com")
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotFound))
}

func TestStudentServiceGetNotFound(t *testing.T) {
	svc := NewStudentService(&mockStudentRepo{}, validator.New(), zap.NewNop(), 1, 1, 10)

	_, err := svc.Get(context.Background(), "missing")
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotFound))
}

func TestStudentServiceImportChunksAndApplies(t *testing.T) {
	repo := &mockStudentRepo{}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 2)
	svc.StartImporter(context.Background())
	defer svc.StopImporter()

	req := ImportStudentsRequest{}
	for i := 0; i < 5; i++ {
		req.Students = append(req.Students, CreateStudentRequest{
			FirstName: "Student",
			LastName:  fmt.Sprintf("Nr%d", i),
			Email:     fmt.Sprintf("student%d@example.com", i),
			BirthDate: birthDate(),
		})
	}

	chunks, err := svc.Import(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)

	require.Eventually(t, func() bool {
		return repo.count() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStudentServiceImportSkipsDuplicates(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"stu-1": {ID: "stu-1", Email: "student0@example.com"},
		},
		nextID: 1,
	}
	svc := NewStudentService(repo, validator.New(), zap.NewNop(), 1, 1, 10)
	svc.StartImporter(context.Background())
	defer svc.StopImporter()

	req := ImportStudentsRequest{Students: []CreateStudentRequest{
		{FirstName: "Student", LastName: "Zero", Email: "student0@example.com", BirthDate: birthDate()},
		{FirstName: "Student", LastName: "One", Email: "student1@example.com", BirthDate: birthDate()},
	}}

	_, err := svc.Import(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStudentServiceImportValidatesBatch(t *testing.T) {
	svc := NewStudentService(&mockStudentRepo{}, validator.New(), zap.NewNop(), 1, 1, 10)

	_, err := svc.Import(context.Background(), ImportStudentsRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.Import(context.Background(), ImportStudentsRequest{Students: []CreateStudentRequest{
		{FirstName: "Missing", LastName: "Email", BirthDate: birthDate()},
	}})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

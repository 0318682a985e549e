package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumanager/edumanager-api/internal/models"
	"github.com/edumanager/edumanager-api/internal/service"
	appErrors "github.com/edumanager/edumanager-api/pkg/errors"
	"github.com/edumanager/edumanager-api/pkg/response"
)

// fakeLedger implements the seat ledger over an in-memory course map.
type fakeLedger struct {
	mu      sync.Mutex
	courses map[string]*models.Course
}

func (f *fakeLedger) FindByID(ctx context.Context, id string) (*models.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.courses[id]; ok {
		course := *c
		return &course, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeLedger) ReserveSeat(ctx context.Context, courseID string) (*models.CourseSeats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return nil, appErrors.ErrCourseNotFound
	}
	if c.Enrolled >= c.Capacity {
		return nil, appErrors.ErrCourseFull
	}
	c.Enrolled++
	return &models.CourseSeats{Capacity: c.Capacity, Enrolled: c.Enrolled}, nil
}

func (f *fakeLedger) ReleaseSeat(ctx context.Context, courseID string) (*models.CourseSeats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if c.Enrolled > 0 {
		c.Enrolled--
	}
	return &models.CourseSeats{Capacity: c.Capacity, Enrolled: c.Enrolled}, nil
}

// fakeEnrollmentRepo is a map-backed record store.
type fakeEnrollmentRepo struct {
	mu          sync.Mutex
	enrollments map[string]models.Enrollment
	nextID      int
}

func (f *fakeEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrollments == nil {
		f.enrollments = make(map[string]models.Enrollment)
	}
	f.nextID++
	enrollment.ID = fmt.Sprintf("enr-%d", f.nextID)
	f.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (f *fakeEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e, StudentName: "Ayu Putri", CourseCode: "CS101", CourseName: "Intro to CS"}, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) FindActiveByPair(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID && e.Status != models.EnrollmentStatusDropped {
			return &e, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.EnrollmentDetail
	for _, e := range f.enrollments {
		list = append(list, models.EnrollmentDetail{Enrollment: e})
	}
	return list, len(list), nil
}

func (f *fakeEnrollmentRepo) ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	return nil, nil
}

func (f *fakeEnrollmentRepo) ListByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	return nil, nil
}

func (f *fakeEnrollmentRepo) ListActiveByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.EnrollmentDetail
	for _, e := range f.enrollments {
		if e.CourseID == courseID && e.Status == models.EnrollmentStatusEnrolled {
			list = append(list, models.EnrollmentDetail{Enrollment: e, StudentName: "Ayu Putri"})
		}
	}
	return list, nil
}

func (f *fakeEnrollmentRepo) UpdateRecord(ctx context.Context, enrollment *models.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (f *fakeEnrollmentRepo) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enrollments), nil
}

func (f *fakeEnrollmentRepo) Drop(ctx context.Context, id string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok {
		return false, false, nil
	}
	released := e.Status == models.EnrollmentStatusEnrolled
	e.Status = models.EnrollmentStatusDropped
	f.enrollments[id] = e
	return true, released, nil
}

func newEnrollmentRouter(repo *fakeEnrollmentRepo, ledger *fakeLedger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.NewEnrollmentService(repo, ledger, nil, nil, validator.New(), zap.NewNop(), 1, time.Millisecond)
	exports := service.NewExportService(svc, nil, nil, zap.NewNop())
	h := NewEnrollmentHandler(svc, exports)

	r := gin.New()
	r.GET("/enrollments", h.List)
	r.POST("/enrollments", h.Create)
	r.GET("/enrollments/count", h.Count)
	r.GET("/enrollments/:id", h.Get)
	r.PUT("/enrollments/:id", h.Update)
	r.DELETE("/enrollments/:id", h.Delete)
	r.GET("/courses/:id/roster/export", h.ExportRoster)
	return r
}

func TestEnrollmentHandlerCreate(t *testing.T) {
	ledger := &fakeLedger{courses: map[string]*models.Course{"c1": {ID: "c1", Code: "CS101", Name: "Intro to CS", Capacity: 30}}}
	router := newEnrollmentRouter(&fakeEnrollmentRepo{}, ledger)

	body := bytes.NewBufferString(`{"student_id":"s1","course_id":"c1"}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/enrollments", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Nil(t, envelope.Error)
	assert.Equal(t, 1, ledger.courses["c1"].Enrolled)
}

func TestEnrollmentHandlerCreateCourseFull(t *testing.T) {
	ledger := &fakeLedger{courses: map[string]*models.Course{"c1": {ID: "c1", Capacity: 1, Enrolled: 1}}}
	router := newEnrollmentRouter(&fakeEnrollmentRepo{}, ledger)

	body := bytes.NewBufferString(`{"student_id":"s1","course_id":"c1"}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/enrollments", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "COURSE_FULL", envelope.Error.Code)
}

func TestEnrollmentHandlerCreateCourseNotFound(t *testing.T) {
	router := newEnrollmentRouter(&fakeEnrollmentRepo{}, &fakeLedger{courses: map[string]*models.Course{}})

	body := bytes.NewBufferString(`{"student_id":"s1","course_id":"missing"}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/enrollments", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollmentHandlerCreateDuplicate(t *testing.T) {
	ledger := &fakeLedger{courses: map[string]*models.Course{"c1": {ID: "c1", Capacity: 30, Enrolled: 1}}}
	repo := &fakeEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"enr-1": {ID: "enr-1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusEnrolled},
	}}
	router := newEnrollmentRouter(repo, ledger)

	body := bytes.NewBufferString(`{"student_id":"s1","course_id":"c1"}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/enrollments", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "DUPLICATE_ENROLLMENT", envelope.Error.Code)
}

func TestEnrollmentHandlerCreateInvalidBody(t *testing.T) {
	router := newEnrollmentRouter(&fakeEnrollmentRepo{}, &fakeLedger{})

	body := bytes.NewBufferString(`{"student_id":`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/enrollments", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnrollmentHandlerDeleteIsIdempotent(t *testing.T) {
	repo := &fakeEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"enr-1": {ID: "enr-1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusEnrolled},
	}}
	router := newEnrollmentRouter(repo, &fakeLedger{courses: map[string]*models.Course{"c1": {ID: "c1", Capacity: 30, Enrolled: 1}}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodDelete, "/enrollments/enr-1", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Unknown ids also produce 204.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodDelete, "/enrollments/ghost", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestEnrollmentHandlerGetNotFound(t *testing.T) {
	router := newEnrollmentRouter(&fakeEnrollmentRepo{}, &fakeLedger{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/enrollments/ghost", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "ENROLLMENT_NOT_FOUND", envelope.Error.Code)
}

func TestEnrollmentHandlerUpdateRejectsDrop(t *testing.T) {
	repo := &fakeEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"enr-1": {ID: "enr-1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusEnrolled},
	}}
	router := newEnrollmentRouter(repo, &fakeLedger{})

	body := bytes.NewBufferString(`{"status":"DROPPED"}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPut, "/enrollments/enr-1", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestEnrollmentHandlerExportRosterCSV(t *testing.T) {
	ledger := &fakeLedger{courses: map[string]*models.Course{"c1": {ID: "c1", Code: "CS101", Name: "Intro to CS", Capacity: 30, Enrolled: 1}}}
	repo := &fakeEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"enr-1": {ID: "enr-1", StudentID: "s1", CourseID: "c1", EnrollmentDate: time.Now(), Status: models.EnrollmentStatusEnrolled},
	}}
	router := newEnrollmentRouter(repo, ledger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/courses/c1/roster/export?format=csv", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "roster.csv")
	assert.Contains(t, w.Body.String(), "Ayu Putri")
}

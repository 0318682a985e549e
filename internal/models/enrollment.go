package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. Only ENROLLED holds a seat.
const (
	EnrollmentStatusEnrolled  EnrollmentStatus = "ENROLLED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped   EnrollmentStatus = "DROPPED"
)

// Valid reports whether the status is one of the closed set.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusEnrolled, EnrollmentStatusCompleted, EnrollmentStatusDropped:
		return true
	}
	return false
}

// Enrollment captures a student's registration to a course.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	CourseID       string           `db:"course_id" json:"course_id"`
	EnrollmentDate time.Time        `db:"enrollment_date" json:"enrollment_date"`
	Grade          *string          `db:"grade" json:"grade,omitempty"`
	Status         EnrollmentStatus `db:"status" json:"status"`
}

// EnrollmentDetail enriches Enrollment with student and course info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	CourseCode  string `db:"course_code" json:"course_code"`
	CourseName  string `db:"course_name" json:"course_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

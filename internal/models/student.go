package models

import "time"

// StudentStatus represents the administrative state of a student.
type StudentStatus string

// Possible student statuses.
const (
	StudentStatusActive    StudentStatus = "ACTIVE"
	StudentStatusInactive  StudentStatus = "INACTIVE"
	StudentStatusGraduated StudentStatus = "GRADUATED"
)

// Student represents a learner registered in the institution.
type Student struct {
	ID             string        `db:"id" json:"id"`
	FirstName      string        `db:"first_name" json:"first_name"`
	LastName       string        `db:"last_name" json:"last_name"`
	Email          string        `db:"email" json:"email"`
	Phone          string        `db:"phone" json:"phone"`
	BirthDate      time.Time     `db:"birth_date" json:"birth_date"`
	Address        string        `db:"address" json:"address"`
	EnrollmentDate time.Time     `db:"enrollment_date" json:"enrollment_date"`
	Status         StudentStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Status    StudentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

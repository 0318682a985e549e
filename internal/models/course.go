package models

import "time"

// Course represents an offered course with a bounded number of seats.
//
// The Enrolled counter is owned by the capacity ledger: it is mutated only
// through CourseRepository.ReserveSeat and ReleaseSeat, never by Create or
// Update, so it always mirrors the number of active enrollment records.
type Course struct {
	ID             string    `db:"id" json:"id"`
	Code           string    `db:"code" json:"code"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	Credits        int       `db:"credits" json:"credits"`
	Department     string    `db:"department" json:"department"`
	InstructorName string    `db:"instructor_name" json:"instructor_name"`
	Capacity       int       `db:"capacity" json:"capacity"`
	Enrolled       int       `db:"enrolled" json:"enrolled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// AvailableSeats returns the number of unoccupied seats.
func (c Course) AvailableSeats() int {
	return c.Capacity - c.Enrolled
}

// HasAvailableSeats reports whether at least one seat remains.
func (c Course) HasAvailableSeats() bool {
	return c.Enrolled < c.Capacity
}

// CourseSeats carries the counters returned by seat ledger operations.
type CourseSeats struct {
	Capacity int `db:"capacity" json:"capacity"`
	Enrolled int `db:"enrolled" json:"enrolled"`
}

// CourseFilter defines filter criteria for listing courses.
type CourseFilter struct {
	Search        string
	Department    string
	AvailableOnly bool
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

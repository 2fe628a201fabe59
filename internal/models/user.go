package models

import "time"

// UserRole represents a level of the institutional hierarchy.
type UserRole string

const (
	RoleStudent   UserRole = "Student"
	RoleTeacher   UserRole = "Teacher"
	RoleHOD       UserRole = "HOD"
	RolePrincipal UserRole = "Principal"
	RoleDirector  UserRole = "Director"
	RoleCEO       UserRole = "CEO"
	RoleChairman  UserRole = "Chairman"
)

// Departments recognised by the institution. Department membership is required
// for students and department-scoped approver roles.
var Departments = []string{
	"Computer Science",
	"Information Technology",
	"MBA",
	"Hotel Management",
	"BBA",
}

// RequiresDepartment reports whether users holding the role must belong to a
// department.
func (r UserRole) RequiresDepartment() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleHOD, RolePrincipal:
		return true
	default:
		return false
	}
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Department   string     `db:"department" json:"department,omitempty"`
	RollNumber   string     `db:"roll_number" json:"roll_number,omitempty"`
	YearSemester string     `db:"year_semester" json:"year_semester,omitempty"`
	PhoneNumber  string     `db:"phone_number" json:"phone_number,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

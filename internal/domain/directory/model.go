package directory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a platform account. Patients have role "user".
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	FirstName    *string   `json:"first_name,omitempty"`
	LastName     *string   `json:"last_name,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName prefers the person's full name and falls back to the username.
func (u *User) DisplayName() string {
	var parts []string
	if u.FirstName != nil && *u.FirstName != "" {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil && *u.LastName != "" {
		parts = append(parts, *u.LastName)
	}
	if len(parts) == 0 {
		return u.Username
	}
	return strings.Join(parts, " ")
}

type Hospital struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	Country         string    `json:"country"`
	PostalCode      *string   `json:"postal_code,omitempty"`
	Phone           *string   `json:"phone,omitempty"`
	Email           *string   `json:"email,omitempty"`
	Website         *string   `json:"website,omitempty"`
	EstablishedYear *int      `json:"established_year,omitempty"`
	Type            *string   `json:"type,omitempty"`
	BedCount        *int      `json:"bed_count,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Department struct {
	ID           uuid.UUID `json:"id"`
	HospitalID   uuid.UUID `json:"hospital_id"`
	Name         string    `json:"name"`
	Floor        *string   `json:"floor,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	HospitalName string    `json:"hospital_name,omitempty"`
}

// Doctor is a doctor-to-department assignment joined with the doctor's
// account and the department's hospital.
type Doctor struct {
	UserID          uuid.UUID `json:"user_id"`
	DepartmentID    uuid.UUID `json:"department_id"`
	Specialty       string    `json:"specialty"`
	Title           string    `json:"title"`
	Phone           *string   `json:"phone,omitempty"`
	Bio             *string   `json:"bio,omitempty"`
	LicenseNumber   *string   `json:"license_number,omitempty"`
	YearsExperience *int      `json:"years_experience,omitempty"`
	Education       *string   `json:"education,omitempty"`
	AssignedAt      time.Time `json:"assigned_at"`

	Username       string    `json:"username,omitempty"`
	Email          string    `json:"email,omitempty"`
	DepartmentName string    `json:"department_name,omitempty"`
	HospitalID     uuid.UUID `json:"hospital_id,omitempty"`
	HospitalName   string    `json:"hospital_name,omitempty"`
}

// AssignDoctorRequest creates or promotes the account named by Username and
// attaches it to a department.
type AssignDoctorRequest struct {
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	Password        string     `json:"password"`
	DepartmentID    uuid.UUID  `json:"department_id"`
	HospitalID      *uuid.UUID `json:"hospital_id,omitempty"`
	Specialty       string     `json:"specialty"`
	Title           string     `json:"title"`
	Phone           *string    `json:"phone,omitempty"`
	Bio             *string    `json:"bio,omitempty"`
	LicenseNumber   *string    `json:"license_number,omitempty"`
	YearsExperience *int       `json:"years_experience,omitempty"`
	Education       *string    `json:"education,omitempty"`
}

// AssignDoctorResult reports the assignment and how many availability rows
// were seeded for it.
type AssignDoctorResult struct {
	Doctor      *Doctor `json:"doctor"`
	Created     bool    `json:"user_created"`
	SlotsSeeded int     `json:"slots_seeded"`
}

type CreateDepartmentRequest struct {
	Name       string     `json:"name"`
	HospitalID *uuid.UUID `json:"hospital_id,omitempty"`
	Floor      *string    `json:"floor,omitempty"`
	Phone      *string    `json:"phone,omitempty"`
}

type DoctorFilter struct {
	DepartmentID *uuid.UUID
	HospitalID   *uuid.UUID
	Limit        int
	Offset       int
}

// Caller identifies who is acting.
type Caller struct {
	UserID uuid.UUID
	Role   string
}

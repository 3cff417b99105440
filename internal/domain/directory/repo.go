package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Promote sets the role and reactivates the account.
	Promote(ctx context.Context, id uuid.UUID, role string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	// LockDoctor row-locks an active doctor account inside the caller's
	// transaction: FOR UPDATE when exclusive, FOR SHARE otherwise.
	LockDoctor(ctx context.Context, id uuid.UUID, exclusive bool) error
}

type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
	AddAdmin(ctx context.Context, hospitalID, userID uuid.UUID) error
	HospitalForAdmin(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

type DepartmentRepository interface {
	Create(ctx context.Context, d *Department) error
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
	List(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Department, int, error)
}

type DoctorRepository interface {
	Assign(ctx context.Context, d *Doctor) error
	Exists(ctx context.Context, userID, departmentID uuid.UUID) (bool, error)
	InHospital(ctx context.Context, userID, hospitalID uuid.UUID) (bool, error)
	List(ctx context.Context, f DoctorFilter) ([]*Doctor, int, error)
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Seeder writes the weekly availability template for a newly assigned doctor.
type Seeder interface {
	Seed(ctx context.Context, doctorID uuid.UUID) (int, error)
}

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("directory: not found")

// ErrDuplicate is returned when a unique key (username, email, hospital or
// department name, assignment) is already taken.
var ErrDuplicate = errors.New("directory: duplicate")

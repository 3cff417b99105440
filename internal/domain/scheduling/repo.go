package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/healthsync/healthsync/pkg/apperror"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("scheduling: not found")

// ErrSlotBooked is returned when a non-cancelled appointment already holds
// the doctor's date and start time. The storage unique index reports the
// same error when two bookings race.
var ErrSlotBooked = apperror.Conflict("Slot already booked")

type AvailabilityRepository interface {
	// InsertTemplate inserts rows, skipping any (doctor, day, start) already
	// present, and returns how many were written.
	InsertTemplate(ctx context.Context, rows []Availability) (int, error)
	ListForDay(ctx context.Context, doctorID uuid.UUID, day string) ([]Availability, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Availability, error)
	Exists(ctx context.Context, doctorID uuid.UUID, day, start, end string) (bool, error)
	DeleteByDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ActiveExists(ctx context.Context, doctorID uuid.UUID, date, start string) (bool, error)
	BookedStarts(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error)
	// Cancel moves a scheduled appointment to cancelled and reports whether
	// this call made the transition.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	CancelScheduledByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Appointment, error)
	List(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error)
}

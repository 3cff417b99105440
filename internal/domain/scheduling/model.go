package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthsync/healthsync/pkg/apperror"
)

// Appointment statuses. cancelled is terminal.
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	SlotLength = 30 * time.Minute
	DayStart   = "09:00"
	DayEnd     = "18:00"
)

// BookableDays are the weekdays seeded into every doctor's template.
var BookableDays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
}

// Availability is one row of a doctor's recurring weekly template.
type Availability struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	DayOfWeek string    `json:"day_of_week"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
}

// TimeSlot is a bookable interval; times are "HH:MM".
type TimeSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type Appointment struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	DepartmentID    uuid.UUID  `json:"department_id"`
	HospitalID      uuid.UUID  `json:"hospital_id"`
	AppointmentDate string     `json:"appointment_date"`
	StartTime       string     `json:"start_time"`
	EndTime         string     `json:"end_time"`
	Status          string     `json:"status"`
	Reason          *string    `json:"reason,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// BookingRequest is the input to Book. PatientID is the caller.
type BookingRequest struct {
	PatientID       uuid.UUID `json:"-"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	DepartmentID    uuid.UUID `json:"department_id"`
	HospitalID      uuid.UUID `json:"hospital_id"`
	AppointmentDate string    `json:"appointment_date"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	Reason          *string   `json:"reason,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
}

// AppointmentFilter narrows List. Dates are inclusive "YYYY-MM-DD" bounds.
type AppointmentFilter struct {
	PatientID        *uuid.UUID
	DoctorID         *uuid.UUID
	HospitalID       *uuid.UUID
	From             string
	To               string
	Status           string
	ExcludeCancelled bool
	Limit            int
	Offset           int
}

// CascadeResult summarizes a doctor removal.
type CascadeResult struct {
	DoctorID              uuid.UUID `json:"doctor_id"`
	AppointmentsCancelled int       `json:"appointments_cancelled"`
	AvailabilityRemoved   int64     `json:"availability_removed"`
	AssignmentsRemoved    int64     `json:"assignments_removed"`
}

// ParseDate parses a calendar date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperror.Validationf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// NormalizeTime accepts "H:MM", "HH:MM" or "HH:MM:SS" and returns "HH:MM".
func NormalizeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimeLayout, "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), nil
		}
	}
	return "", apperror.Validationf("invalid time %q: expected HH:MM", s)
}

// WeekdayName returns the template day name for d, e.g. "Monday".
func WeekdayName(d time.Time) string {
	return d.Weekday().String()
}

func dayIndex(name string) int {
	for i, d := range BookableDays {
		if d.String() == name {
			return i
		}
	}
	return len(BookableDays)
}

// DailySlots returns the fixed slots between DayStart and DayEnd.
func DailySlots() []TimeSlot {
	start, _ := time.Parse(TimeLayout, DayStart)
	end, _ := time.Parse(TimeLayout, DayEnd)
	var slots []TimeSlot
	for t := start; t.Add(SlotLength).Compare(end) <= 0; t = t.Add(SlotLength) {
		slots = append(slots, TimeSlot{
			StartTime: t.Format(TimeLayout),
			EndTime:   t.Add(SlotLength).Format(TimeLayout),
		})
	}
	return slots
}

// WeeklyTemplate builds the full availability template for a doctor.
func WeeklyTemplate(doctorID uuid.UUID) []Availability {
	daily := DailySlots()
	rows := make([]Availability, 0, len(BookableDays)*len(daily))
	for _, day := range BookableDays {
		for _, s := range daily {
			rows = append(rows, Availability{
				ID:        uuid.New(),
				DoctorID:  doctorID,
				DayOfWeek: day.String(),
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
			})
		}
	}
	return rows
}

// normalize validates the request's date and times in place and returns the
// parsed date.
func (r *BookingRequest) normalize() (time.Time, error) {
	date, err := ParseDate(r.AppointmentDate)
	if err != nil {
		return time.Time{}, err
	}
	start, err := NormalizeTime(r.StartTime)
	if err != nil {
		return time.Time{}, err
	}
	end, err := NormalizeTime(r.EndTime)
	if err != nil {
		return time.Time{}, err
	}
	if end <= start {
		return time.Time{}, apperror.Validation("end_time must be after start_time")
	}
	r.AppointmentDate = date.Format(DateLayout)
	r.StartTime = start
	r.EndTime = end
	return date, nil
}

// weekBounds returns Monday and Sunday of the week containing t.
func weekBounds(t time.Time) (time.Time, time.Time) {
	offset := (int(t.Weekday()) + 6) % 7
	monday := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, t.Location())
	return monday, monday.AddDate(0, 0, 6)
}

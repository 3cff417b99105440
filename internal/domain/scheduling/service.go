package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthsync/healthsync/internal/domain/directory"
	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/internal/platform/notification"
	"github.com/healthsync/healthsync/pkg/apperror"
)

// Directory resolves the people and places a booking refers to.
type Directory interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*directory.User, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*directory.User, error)
	GetDepartment(ctx context.Context, id uuid.UUID) (*directory.Department, error)
	GetHospital(ctx context.Context, id uuid.UUID) (*directory.Hospital, error)
	AdminHospital(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	DoctorInHospital(ctx context.Context, doctorID, hospitalID uuid.UUID) (bool, error)
	RemoveDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error)
	LockActiveDoctor(ctx context.Context, id uuid.UUID) error
	LockDoctorForRemoval(ctx context.Context, id uuid.UUID) error
}

// SlotCache holds computed free-slot lists keyed by doctor and date.
//
// Version returns a token that changes on every invalidation of the key.
// Set stores payload only while the key is still at version and reports
// whether it did, so a list computed before an invalidation is never cached
// after it.
type SlotCache interface {
	Get(ctx context.Context, doctorID, date string) ([]byte, bool, error)
	Version(ctx context.Context, doctorID, date string) (string, error)
	Set(ctx context.Context, doctorID, date, version string, payload []byte) (bool, error)
	InvalidateDate(ctx context.Context, doctorID, date string) error
	InvalidateDoctor(ctx context.Context, doctorID string) error
}

// Notifier accepts booking notices for asynchronous delivery. Calls must not
// block.
type Notifier interface {
	BookingConfirmed(n notification.BookingNotice)
	BookingCancelled(n notification.BookingNotice)
}

type Service struct {
	availability AvailabilityRepository
	appointments AppointmentRepository
	directory    Directory
	tx           db.TxRunner
	cache        SlotCache
	notifier     Notifier
	seeder       *Seeder
	tracer       trace.Tracer
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(avail AvailabilityRepository, appts AppointmentRepository, dir Directory,
	tx db.TxRunner, cache SlotCache, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		availability: avail,
		appointments: appts,
		directory:    dir,
		tx:           tx,
		cache:        cache,
		notifier:     notifier,
		seeder:       NewSeeder(avail),
		tracer:       otel.Tracer("github.com/healthsync/healthsync/scheduling"),
		logger:       logger.With().Str("component", "scheduling").Logger(),
		now:          time.Now,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil && apperror.KindOf(err) == apperror.KindStorage {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if err != nil {
		span.SetAttributes(attribute.String("outcome", string(apperror.KindOf(err))))
	}
	span.End()
}

// storage wraps a repository failure unless it is already classified.
func storage(op string, err error) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperror.Storage(op, err)
}

// -- Slot query --

// AvailableSlots returns the doctor's template slots for the weekday of date,
// minus start times held by non-cancelled appointments on that date.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]TimeSlot, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	date = d.Format(DateLayout)
	if _, err := s.directory.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	if payload, ok, err := s.cache.Get(ctx, doctorID.String(), date); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("slot cache read failed")
	} else if ok {
		var slots []TimeSlot
		if err := json.Unmarshal(payload, &slots); err == nil {
			return slots, nil
		}
	}

	version, err := s.cache.Version(ctx, doctorID.String(), date)
	cacheable := err == nil
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("slot cache version read failed")
	}

	template, err := s.availability.ListForDay(ctx, doctorID, WeekdayName(d))
	if err != nil {
		return nil, apperror.Storage("load availability", err)
	}
	booked, err := s.appointments.BookedStarts(ctx, doctorID, date)
	if err != nil {
		return nil, apperror.Storage("load booked slots", err)
	}
	taken := make(map[string]bool, len(booked))
	for _, start := range booked {
		taken[start] = true
	}

	slots := make([]TimeSlot, 0, len(template))
	for _, a := range template {
		if !taken[a.StartTime] {
			slots = append(slots, TimeSlot{StartTime: a.StartTime, EndTime: a.EndTime})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].StartTime < slots[j].StartTime })

	if !cacheable {
		return slots, nil
	}
	if payload, err := json.Marshal(slots); err == nil {
		stored, err := s.cache.Set(ctx, doctorID.String(), date, version, payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("slot cache write failed")
		} else if !stored {
			s.logger.Debug().Str("doctor_id", doctorID.String()).Str("date", date).
				Msg("slot cache write skipped: invalidated during computation")
		}
	}
	return slots, nil
}

// -- Booking --

// Book validates req and commits a scheduled appointment. The availability
// and double-booking checks share a transaction with the insert; the unique
// index on active slots settles concurrent bookings.
func (s *Service) Book(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.Book", trace.WithAttributes(
		attribute.String("doctor.id", req.DoctorID.String()),
		attribute.String("appointment.date", req.AppointmentDate),
		attribute.String("appointment.start", req.StartTime),
	))
	defer func() { endSpan(span, err) }()

	date, err := req.normalize()
	if err != nil {
		return nil, err
	}

	doctor, err := s.directory.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	dept, err := s.directory.GetDepartment(ctx, req.DepartmentID)
	if err != nil {
		return nil, err
	}
	hosp, err := s.directory.GetHospital(ctx, req.HospitalID)
	if err != nil {
		return nil, err
	}
	if dept.HospitalID != hosp.ID {
		return nil, apperror.Conflict("Department does not belong to hospital")
	}

	var patient *directory.User
	appt = &Appointment{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		DepartmentID:    req.DepartmentID,
		HospitalID:      req.HospitalID,
		AppointmentDate: req.AppointmentDate,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Reason:          req.Reason,
		Notes:           req.Notes,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		// Held until commit so a concurrent removal cannot cancel the
		// doctor's schedule without seeing this booking.
		if err := s.directory.LockActiveDoctor(ctx, req.DoctorID); err != nil {
			return err
		}
		offered, err := s.availability.Exists(ctx, req.DoctorID, WeekdayName(date), req.StartTime, req.EndTime)
		if err != nil {
			return apperror.Storage("check availability", err)
		}
		if !offered {
			return apperror.Conflict("Slot not offered")
		}
		booked, err := s.appointments.ActiveExists(ctx, req.DoctorID, req.AppointmentDate, req.StartTime)
		if err != nil {
			return apperror.Storage("check booking", err)
		}
		if booked {
			return ErrSlotBooked
		}
		if patient, err = s.directory.GetPatient(ctx, req.PatientID); err != nil {
			return err
		}
		if err := s.appointments.Create(ctx, appt); err != nil {
			return storage("create appointment", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotBooked) {
			s.logger.Info().
				Str("doctor_id", req.DoctorID.String()).
				Str("date", req.AppointmentDate).
				Str("start_time", req.StartTime).
				Msg("booking rejected: slot already booked")
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("appointment.id", appt.ID.String()))
	s.invalidateDate(ctx, appt.DoctorID, appt.AppointmentDate)
	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", appt.DoctorID.String()).
		Str("patient_id", appt.PatientID.String()).
		Str("date", appt.AppointmentDate).
		Str("start_time", appt.StartTime).
		Msg("appointment booked")

	if patient.Email != "" {
		s.notifier.BookingConfirmed(notification.BookingNotice{
			Recipient:   patient.Email,
			PatientName: patient.DisplayName(),
			DoctorName:  doctor.DisplayName(),
			Department:  dept.Name,
			Date:        appt.AppointmentDate,
			Time:        appt.StartTime + " - " + appt.EndTime,
			Hospital:    hosp.Name,
		})
	}
	return appt, nil
}

// -- Lifecycle --

// authorize checks that caller may see or change a.
func (s *Service) authorize(ctx context.Context, a *Appointment, caller directory.Caller) error {
	switch caller.Role {
	case auth.RoleSuperAdmin:
		return nil
	case auth.RoleAdmin:
		hospitalID, err := s.directory.AdminHospital(ctx, caller.UserID)
		if err != nil {
			return err
		}
		if hospitalID == a.HospitalID {
			return nil
		}
	case auth.RoleDoctor:
		if a.DoctorID == caller.UserID {
			return nil
		}
	default:
		if a.PatientID == caller.UserID {
			return nil
		}
	}
	return apperror.Forbidden("Not allowed to access this appointment")
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, caller directory.Caller) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("appointment")
	}
	if err != nil {
		return nil, apperror.Storage("load appointment", err)
	}
	if err := s.authorize(ctx, a, caller); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel moves a scheduled appointment to cancelled. Cancelling twice is a
// Conflict and changes nothing.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, caller directory.Caller) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.Cancel",
		trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer func() { endSpan(span, err) }()

	a, err := s.GetAppointment(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCancelled {
		return nil, apperror.Conflict("Appointment already cancelled")
	}
	ok, err := s.appointments.Cancel(ctx, id)
	if err != nil {
		return nil, apperror.Storage("cancel appointment", err)
	}
	if !ok {
		return nil, apperror.Conflict("Appointment already cancelled")
	}

	now := s.now()
	a.Status = StatusCancelled
	a.CancelledAt = &now
	a.UpdatedAt = now

	s.invalidateDate(ctx, a.DoctorID, a.AppointmentDate)
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("cancelled_by", caller.UserID.String()).
		Str("role", caller.Role).
		Msg("appointment cancelled")
	s.notifyCancelled(ctx, a, nil)
	return a, nil
}

// DeleteDoctorCascade removes a doctor: every scheduled appointment is
// cancelled, then availability and department assignments are deleted and
// the account deactivated, all in one transaction.
func (s *Service) DeleteDoctorCascade(ctx context.Context, doctorID uuid.UUID, caller directory.Caller) (res *CascadeResult, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.DeleteDoctorCascade",
		trace.WithAttributes(attribute.String("doctor.id", doctorID.String())))
	defer func() { endSpan(span, err) }()

	doctor, err := s.directory.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	switch caller.Role {
	case auth.RoleSuperAdmin:
	case auth.RoleAdmin:
		hospitalID, err := s.directory.AdminHospital(ctx, caller.UserID)
		if err != nil {
			return nil, err
		}
		ok, err := s.directory.DoctorInHospital(ctx, doctorID, hospitalID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Forbidden("Doctor is not on staff at your hospital")
		}
	default:
		return nil, apperror.Forbidden("Only administrators can remove doctors")
	}

	res = &CascadeResult{DoctorID: doctorID}
	var cancelled []*Appointment
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.directory.LockDoctorForRemoval(ctx, doctorID); err != nil {
			return err
		}
		var err error
		if cancelled, err = s.appointments.CancelScheduledByDoctor(ctx, doctorID); err != nil {
			return apperror.Storage("cancel doctor appointments", err)
		}
		if res.AvailabilityRemoved, err = s.availability.DeleteByDoctor(ctx, doctorID); err != nil {
			return apperror.Storage("delete availability", err)
		}
		if res.AssignmentsRemoved, err = s.directory.RemoveDoctor(ctx, doctorID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("doctor removal rolled back")
		return nil, err
	}
	res.AppointmentsCancelled = len(cancelled)

	if err := s.cache.InvalidateDoctor(ctx, doctorID.String()); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("slot cache invalidation failed")
	}
	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Int("appointments_cancelled", res.AppointmentsCancelled).
		Int64("availability_removed", res.AvailabilityRemoved).
		Int64("assignments_removed", res.AssignmentsRemoved).
		Msg("doctor removed")
	for _, a := range cancelled {
		s.notifyCancelled(ctx, a, doctor)
	}
	return res, nil
}

// -- Availability --

// SeedAvailability writes the weekly template for a doctor. Rows that already
// exist are kept, so reseeding is safe.
func (s *Service) SeedAvailability(ctx context.Context, doctorID uuid.UUID) (int, error) {
	if _, err := s.directory.GetDoctor(ctx, doctorID); err != nil {
		return 0, err
	}
	n, err := s.seeder.Seed(ctx, doctorID)
	if err != nil {
		return 0, apperror.Storage("seed availability", err)
	}
	if err := s.cache.InvalidateDoctor(ctx, doctorID.String()); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("slot cache invalidation failed")
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Int("inserted", n).Msg("availability seeded")
	return n, nil
}

// AvailabilityTemplate lists the doctor's weekly template, Monday first.
func (s *Service) AvailabilityTemplate(ctx context.Context, doctorID uuid.UUID) ([]Availability, error) {
	if _, err := s.directory.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}
	rows, err := s.availability.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, apperror.Storage("load availability", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		di, dj := dayIndex(rows[i].DayOfWeek), dayIndex(rows[j].DayOfWeek)
		if di != dj {
			return di < dj
		}
		return rows[i].StartTime < rows[j].StartTime
	})
	return rows, nil
}

// -- Listing --

// ListAppointments scopes f to what caller may see: patients their own,
// doctors their schedule, admins their hospital. Superadmins see everything
// except cancelled appointments unless a status is requested.
func (s *Service) ListAppointments(ctx context.Context, caller directory.Caller, f AppointmentFilter) ([]*Appointment, int, error) {
	if f.Status != "" && f.Status != StatusScheduled && f.Status != StatusCancelled {
		return nil, 0, apperror.Validationf("invalid status %q", f.Status)
	}
	for _, bound := range []string{f.From, f.To} {
		if bound == "" {
			continue
		}
		if _, err := ParseDate(bound); err != nil {
			return nil, 0, err
		}
	}

	switch caller.Role {
	case auth.RoleSuperAdmin:
		if f.Status == "" {
			f.ExcludeCancelled = true
		}
	case auth.RoleAdmin:
		hospitalID, err := s.directory.AdminHospital(ctx, caller.UserID)
		if err != nil {
			return nil, 0, err
		}
		f.HospitalID = &hospitalID
	case auth.RoleDoctor:
		f.DoctorID = &caller.UserID
	default:
		f.PatientID = &caller.UserID
	}

	items, total, err := s.appointments.List(ctx, f)
	if err != nil {
		return nil, 0, apperror.Storage("list appointments", err)
	}
	return items, total, nil
}

// DoctorDay lists the doctor's non-cancelled appointments for today.
func (s *Service) DoctorDay(ctx context.Context, doctorID uuid.UUID) ([]*Appointment, error) {
	today := s.now().Format(DateLayout)
	return s.doctorRange(ctx, doctorID, today, today)
}

// DoctorWeek lists the doctor's non-cancelled appointments from Monday to
// Sunday of the current week.
func (s *Service) DoctorWeek(ctx context.Context, doctorID uuid.UUID) ([]*Appointment, error) {
	monday, sunday := weekBounds(s.now())
	return s.doctorRange(ctx, doctorID, monday.Format(DateLayout), sunday.Format(DateLayout))
}

func (s *Service) doctorRange(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*Appointment, error) {
	items, _, err := s.appointments.List(ctx, AppointmentFilter{
		DoctorID:         &doctorID,
		From:             from,
		To:               to,
		ExcludeCancelled: true,
	})
	if err != nil {
		return nil, apperror.Storage("list doctor schedule", err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, nil
}

// -- helpers --

func (s *Service) invalidateDate(ctx context.Context, doctorID uuid.UUID, date string) {
	if err := s.cache.InvalidateDate(ctx, doctorID.String(), date); err != nil {
		s.logger.Warn().Err(err).
			Str("doctor_id", doctorID.String()).
			Str("date", date).
			Msg("slot cache invalidation failed")
	}
}

// notifyCancelled enqueues a cancellation notice. Lookup failures only skip
// the notice. doctor may be passed when the account is no longer resolvable.
func (s *Service) notifyCancelled(ctx context.Context, a *Appointment, doctor *directory.User) {
	patient, err := s.directory.GetPatient(ctx, a.PatientID)
	if err != nil || patient.Email == "" {
		return
	}
	if doctor == nil {
		if doctor, err = s.directory.GetDoctor(ctx, a.DoctorID); err != nil {
			s.logger.Debug().Err(err).Str("appointment_id", a.ID.String()).Msg("cancellation notice skipped")
			return
		}
	}
	n := notification.BookingNotice{
		Recipient:   patient.Email,
		PatientName: patient.DisplayName(),
		DoctorName:  doctor.DisplayName(),
		Date:        a.AppointmentDate,
		Time:        a.StartTime + " - " + a.EndTime,
	}
	if dept, err := s.directory.GetDepartment(ctx, a.DepartmentID); err == nil {
		n.Department = dept.Name
		n.Hospital = dept.HospitalName
	}
	s.notifier.BookingCancelled(n)
}

// Seeder writes weekly availability templates. It satisfies
// directory.Seeder so doctor assignment can seed inside its transaction.
type Seeder struct {
	availability AvailabilityRepository
}

func NewSeeder(avail AvailabilityRepository) *Seeder {
	return &Seeder{availability: avail}
}

func (s *Seeder) Seed(ctx context.Context, doctorID uuid.UUID) (int, error) {
	return s.availability.InsertTemplate(ctx, WeeklyTemplate(doctorID))
}

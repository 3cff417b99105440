package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsync/healthsync/internal/platform/db"
)

var pg = goqu.Dialect("postgres")

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const availCols = `id, doctor_id, day_of_week, start_time, end_time`

func (r *availabilityRepoPG) InsertTemplate(ctx context.Context, rows []Availability) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	records := make([]interface{}, 0, len(rows))
	for _, a := range rows {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		records = append(records, goqu.Record{
			"id":          a.ID,
			"doctor_id":   a.DoctorID,
			"day_of_week": a.DayOfWeek,
			"start_time":  a.StartTime,
			"end_time":    a.EndTime,
		})
	}
	query, args, err := pg.Insert("doctor_availability").
		Rows(records...).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build availability insert: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *availabilityRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]Availability, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Availability
	for rows.Next() {
		var a Availability
		if err := rows.Scan(&a.ID, &a.DoctorID, &a.DayOfWeek, &a.StartTime, &a.EndTime); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) ListForDay(ctx context.Context, doctorID uuid.UUID, day string) ([]Availability, error) {
	return r.list(ctx, `SELECT `+availCols+` FROM doctor_availability
		WHERE doctor_id = $1 AND day_of_week = $2 ORDER BY start_time`, doctorID, day)
}

func (r *availabilityRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Availability, error) {
	return r.list(ctx, `SELECT `+availCols+` FROM doctor_availability
		WHERE doctor_id = $1 ORDER BY day_of_week, start_time`, doctorID)
}

func (r *availabilityRepoPG) Exists(ctx context.Context, doctorID uuid.UUID, day, start, end string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM doctor_availability
			WHERE doctor_id = $1 AND day_of_week = $2 AND start_time = $3 AND end_time = $4)`,
		doctorID, day, start, end).Scan(&ok)
	return ok, err
}

func (r *availabilityRepoPG) DeleteByDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctor_availability WHERE doctor_id = $1`, doctorID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, department_id, hospital_id,
	to_char(appointment_date, 'YYYY-MM-DD'), start_time, end_time, status,
	reason, notes, created_at, updated_at, cancelled_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.DepartmentID, &a.HospitalID,
		&a.AppointmentDate, &a.StartTime, &a.EndTime, &a.Status,
		&a.Reason, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	a.Status = StatusScheduled
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, department_id, hospital_id,
			appointment_date, start_time, end_time, status, reason, notes)
		VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.DepartmentID, a.HospitalID,
		a.AppointmentDate, a.StartTime, a.EndTime, a.Status, a.Reason, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrSlotBooked
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) ActiveExists(ctx context.Context, doctorID uuid.UUID, date, start string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND appointment_date = $2::date AND start_time = $3
			  AND status <> 'cancelled')`,
		doctorID, date, start).Scan(&ok)
	return ok, err
}

func (r *appointmentRepoPG) BookedStarts(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT start_time FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2::date AND status <> 'cancelled'`,
		doctorID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *appointmentRepoPG) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) CancelScheduledByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE doctor_id = $1 AND status = 'scheduled'
		RETURNING `+apptCols, doctorID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	base := pg.From("appointments")
	if f.PatientID != nil {
		base = base.Where(goqu.C("patient_id").Eq(*f.PatientID))
	}
	if f.DoctorID != nil {
		base = base.Where(goqu.C("doctor_id").Eq(*f.DoctorID))
	}
	if f.HospitalID != nil {
		base = base.Where(goqu.C("hospital_id").Eq(*f.HospitalID))
	}
	if f.From != "" {
		base = base.Where(goqu.C("appointment_date").Gte(goqu.L("?::date", f.From)))
	}
	if f.To != "" {
		base = base.Where(goqu.C("appointment_date").Lte(goqu.L("?::date", f.To)))
	}
	if f.Status != "" {
		base = base.Where(goqu.C("status").Eq(f.Status))
	}
	if f.ExcludeCancelled {
		base = base.Where(goqu.C("status").Neq(StatusCancelled))
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment count: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, args, err := base.Select(goqu.L(apptCols)).
		Order(goqu.C("appointment_date").Asc(), goqu.C("start_time").Asc()).
		Limit(uint(f.Limit)).Offset(uint(f.Offset)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment list: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

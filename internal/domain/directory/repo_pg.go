package directory

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

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const userCols = `id, username, email, password_hash, role, first_name, last_name, phone, active, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&u.FirstName, &u.LastName, &u.Phone, &u.Active, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, first_name, last_name, phone, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE)
		RETURNING active, created_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.FirstName, u.LastName, u.Phone,
	).Scan(&u.Active, &u.CreatedAt)
	return mapErr(err)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username))
}

func (r *userRepoPG) Promote(ctx context.Context, id uuid.UUID, role string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET role = $2, active = TRUE, updated_at = NOW() WHERE id = $1`, id, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) LockDoctor(ctx context.Context, id uuid.UUID, exclusive bool) error {
	mode := "FOR SHARE"
	if exclusive {
		mode = "FOR UPDATE"
	}
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM users WHERE id = $1 AND role = 'doctor' AND active `+mode, id).Scan(&locked)
	return mapErr(err)
}

// =========== Hospital Repository ===========

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository { return &hospitalRepoPG{pool: pool} }

func (r *hospitalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const hospitalCols = `id, name, address, city, state, country, postal_code, phone, email,
	website, established_year, type, bed_count, created_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.City, &h.State, &h.Country,
		&h.PostalCode, &h.Phone, &h.Email, &h.Website, &h.EstablishedYear, &h.Type,
		&h.BedCount, &h.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &h, nil
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospitals (id, name, address, city, state, country, postal_code, phone,
			email, website, established_year, type, bed_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		h.ID, h.Name, h.Address, h.City, h.State, h.Country, h.PostalCode, h.Phone,
		h.Email, h.Website, h.EstablishedYear, h.Type, h.BedCount,
	).Scan(&h.CreatedAt)
	return mapErr(err)
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospitals WHERE id = $1`, id))
}

func (r *hospitalRepoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospitals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+hospitalCols+` FROM hospitals ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

func (r *hospitalRepoPG) AddAdmin(ctx context.Context, hospitalID, userID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO hospital_admins (hospital_id, user_id) VALUES ($1, $2)`, hospitalID, userID)
	return mapErr(err)
}

func (r *hospitalRepoPG) HospitalForAdmin(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT hospital_id FROM hospital_admins WHERE user_id = $1`, userID).Scan(&id)
	return id, mapErr(err)
}

// =========== Department Repository ===========

type departmentRepoPG struct{ pool *pgxpool.Pool }

func NewDepartmentRepoPG(pool *pgxpool.Pool) DepartmentRepository {
	return &departmentRepoPG{pool: pool}
}

func (r *departmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

func scanDepartment(row pgx.Row) (*Department, error) {
	var d Department
	if err := row.Scan(&d.ID, &d.HospitalID, &d.Name, &d.Floor, &d.Phone, &d.HospitalName); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (r *departmentRepoPG) Create(ctx context.Context, d *Department) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO departments (id, hospital_id, name, floor, phone) VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.HospitalID, d.Name, d.Floor, d.Phone)
	return mapErr(err)
}

func (r *departmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	return scanDepartment(r.conn(ctx).QueryRow(ctx, `
		SELECT d.id, d.hospital_id, d.name, d.floor, d.phone, h.name
		FROM departments d JOIN hospitals h ON h.id = d.hospital_id
		WHERE d.id = $1`, id))
}

func (r *departmentRepoPG) List(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Department, int, error) {
	base := pg.From(goqu.T("departments").As("d")).
		Join(goqu.T("hospitals").As("h"), goqu.On(goqu.I("h.id").Eq(goqu.I("d.hospital_id"))))
	if hospitalID != nil {
		base = base.Where(goqu.I("d.hospital_id").Eq(*hospitalID))
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build department count: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, args, err := base.
		Select("d.id", "d.hospital_id", "d.name", "d.floor", "d.phone", goqu.I("h.name")).
		Order(goqu.I("h.name").Asc(), goqu.I("d.name").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build department list: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

func (r *doctorRepoPG) Assign(ctx context.Context, d *Doctor) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctors (user_id, department_id, specialty, title, phone, bio,
			license_number, years_experience, education)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING assigned_at`,
		d.UserID, d.DepartmentID, d.Specialty, d.Title, d.Phone, d.Bio,
		d.LicenseNumber, d.YearsExperience, d.Education,
	).Scan(&d.AssignedAt)
	return mapErr(err)
}

func (r *doctorRepoPG) Exists(ctx context.Context, userID, departmentID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM doctors WHERE user_id = $1 AND department_id = $2)`,
		userID, departmentID).Scan(&ok)
	return ok, err
}

func (r *doctorRepoPG) InHospital(ctx context.Context, userID, hospitalID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM doctors d JOIN departments dept ON dept.id = d.department_id
			WHERE d.user_id = $1 AND dept.hospital_id = $2)`,
		userID, hospitalID).Scan(&ok)
	return ok, err
}

func (r *doctorRepoPG) List(ctx context.Context, f DoctorFilter) ([]*Doctor, int, error) {
	base := pg.From(goqu.T("doctors").As("d")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("d.user_id")))).
		Join(goqu.T("departments").As("dept"), goqu.On(goqu.I("dept.id").Eq(goqu.I("d.department_id")))).
		Join(goqu.T("hospitals").As("h"), goqu.On(goqu.I("h.id").Eq(goqu.I("dept.hospital_id")))).
		Where(goqu.I("u.active").IsTrue())
	if f.DepartmentID != nil {
		base = base.Where(goqu.I("d.department_id").Eq(*f.DepartmentID))
	}
	if f.HospitalID != nil {
		base = base.Where(goqu.I("dept.hospital_id").Eq(*f.HospitalID))
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build doctor count: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, args, err := base.Select(
		"d.user_id", "d.department_id", "d.specialty", "d.title", "d.phone", "d.bio",
		"d.license_number", "d.years_experience", "d.education", "d.assigned_at",
		"u.username", "u.email", goqu.I("dept.name"), "dept.hospital_id", goqu.I("h.name"),
	).
		Order(goqu.I("u.username").Asc()).
		Limit(uint(f.Limit)).Offset(uint(f.Offset)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build doctor list: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.UserID, &d.DepartmentID, &d.Specialty, &d.Title, &d.Phone, &d.Bio,
			&d.LicenseNumber, &d.YearsExperience, &d.Education, &d.AssignedAt,
			&d.Username, &d.Email, &d.DepartmentName, &d.HospitalID, &d.HospitalName); err != nil {
			return nil, 0, err
		}
		items = append(items, &d)
	}
	return items, total, rows.Err()
}

func (r *doctorRepoPG) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctors WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/pkg/apperror"
)

type Service struct {
	users       UserRepository
	hospitals   HospitalRepository
	departments DepartmentRepository
	doctors     DoctorRepository
	tx          db.TxRunner
	seeder      Seeder
	logger      zerolog.Logger
	hashCost    int
}

func NewService(users UserRepository, hospitals HospitalRepository, departments DepartmentRepository,
	doctors DoctorRepository, tx db.TxRunner, seeder Seeder, logger zerolog.Logger) *Service {
	return &Service{
		users:       users,
		hospitals:   hospitals,
		departments: departments,
		doctors:     doctors,
		tx:          tx,
		seeder:      seeder,
		logger:      logger.With().Str("component", "directory").Logger(),
		hashCost:    bcrypt.DefaultCost,
	}
}

// -- Lookups --

// GetDoctor resolves an active user holding the doctor role.
func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("doctor")
	}
	if err != nil {
		return nil, apperror.Storage("load doctor", err)
	}
	if u.Role != auth.RoleDoctor || !u.Active {
		return nil, apperror.NotFound("doctor")
	}
	return u, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("patient")
	}
	if err != nil {
		return nil, apperror.Storage("load patient", err)
	}
	if !u.Active {
		return nil, apperror.NotFound("patient")
	}
	return u, nil
}

// LockActiveDoctor takes a shared row lock on the doctor inside the
// transaction carried by ctx. A removal committed first yields NotFound.
func (s *Service) LockActiveDoctor(ctx context.Context, id uuid.UUID) error {
	return s.lockDoctor(ctx, id, false)
}

// LockDoctorForRemoval takes the exclusive lock that serializes a removal
// against concurrent bookings for the same doctor.
func (s *Service) LockDoctorForRemoval(ctx context.Context, id uuid.UUID) error {
	return s.lockDoctor(ctx, id, true)
}

func (s *Service) lockDoctor(ctx context.Context, id uuid.UUID, exclusive bool) error {
	err := s.users.LockDoctor(ctx, id, exclusive)
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("doctor")
	}
	if err != nil {
		return apperror.Storage("lock doctor", err)
	}
	return nil
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	h, err := s.hospitals.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("hospital")
	}
	if err != nil {
		return nil, apperror.Storage("load hospital", err)
	}
	return h, nil
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	d, err := s.departments.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("department")
	}
	if err != nil {
		return nil, apperror.Storage("load department", err)
	}
	return d, nil
}

// AdminHospital returns the hospital an admin account administers.
func (s *Service) AdminHospital(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	id, err := s.hospitals.HospitalForAdmin(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, apperror.Forbidden("Admin is not assigned to a hospital")
	}
	if err != nil {
		return uuid.Nil, apperror.Storage("load admin hospital", err)
	}
	return id, nil
}

func (s *Service) DoctorInHospital(ctx context.Context, doctorID, hospitalID uuid.UUID) (bool, error) {
	ok, err := s.doctors.InHospital(ctx, doctorID, hospitalID)
	if err != nil {
		return false, apperror.Storage("check doctor hospital", err)
	}
	return ok, nil
}

// RemoveDoctor drops every department assignment of the doctor and
// deactivates the account. It joins the transaction carried by ctx.
func (s *Service) RemoveDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	n, err := s.doctors.DeleteByUser(ctx, doctorID)
	if err != nil {
		return 0, apperror.Storage("delete doctor assignments", err)
	}
	if err := s.users.Deactivate(ctx, doctorID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, apperror.NotFound("doctor")
		}
		return 0, apperror.Storage("deactivate doctor", err)
	}
	return n, nil
}

// -- Hospitals --

func (s *Service) CreateHospital(ctx context.Context, h *Hospital) error {
	h.Name = strings.TrimSpace(h.Name)
	switch {
	case h.Name == "":
		return apperror.Validation("name is required")
	case h.Address == "" || h.City == "" || h.State == "" || h.Country == "":
		return apperror.Validation("address, city, state and country are required")
	}
	if h.BedCount != nil && *h.BedCount < 0 {
		return apperror.Validation("bed_count must not be negative")
	}
	if err := s.hospitals.Create(ctx, h); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return apperror.Conflict("Hospital already exists")
		}
		return apperror.Storage("create hospital", err)
	}
	s.logger.Info().Str("hospital_id", h.ID.String()).Str("name", h.Name).Msg("hospital created")
	return nil
}

func (s *Service) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	items, total, err := s.hospitals.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperror.Storage("list hospitals", err)
	}
	return items, total, nil
}

// AssignHospitalAdmin promotes an existing user to admin of a hospital. A user
// administers at most one hospital.
func (s *Service) AssignHospitalAdmin(ctx context.Context, hospitalID, userID uuid.UUID) error {
	if _, err := s.GetHospital(ctx, hospitalID); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByID(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return apperror.NotFound("user")
		}
		if err != nil {
			return apperror.Storage("load user", err)
		}
		if u.Role != auth.RoleSuperAdmin {
			if err := s.users.Promote(ctx, userID, auth.RoleAdmin); err != nil {
				return apperror.Storage("promote admin", err)
			}
		}
		if err := s.hospitals.AddAdmin(ctx, hospitalID, userID); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return apperror.Conflict("User already administers a hospital")
			}
			return apperror.Storage("assign hospital admin", err)
		}
		return nil
	})
}

// -- Departments --

// scopeHospital picks the hospital an admin action applies to: admins act on
// their own hospital, superadmins must name one.
func (s *Service) scopeHospital(ctx context.Context, caller Caller, requested *uuid.UUID) (uuid.UUID, error) {
	switch caller.Role {
	case auth.RoleAdmin:
		own, err := s.AdminHospital(ctx, caller.UserID)
		if err != nil {
			return uuid.Nil, err
		}
		if requested != nil && *requested != own {
			return uuid.Nil, apperror.Forbidden("Admins may only manage their own hospital")
		}
		return own, nil
	case auth.RoleSuperAdmin:
		if requested == nil || *requested == uuid.Nil {
			return uuid.Nil, apperror.Validation("hospital_id is required")
		}
		if _, err := s.GetHospital(ctx, *requested); err != nil {
			return uuid.Nil, err
		}
		return *requested, nil
	default:
		return uuid.Nil, apperror.Forbidden("Only administrators can manage hospital staff")
	}
}

func (s *Service) CreateDepartment(ctx context.Context, req CreateDepartmentRequest, caller Caller) (*Department, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperror.Validation("name is required")
	}
	hospitalID, err := s.scopeHospital(ctx, caller, req.HospitalID)
	if err != nil {
		return nil, err
	}
	d := &Department{HospitalID: hospitalID, Name: name, Floor: req.Floor, Phone: req.Phone}
	if err := s.departments.Create(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperror.Conflict("Department already exists in hospital")
		}
		return nil, apperror.Storage("create department", err)
	}
	s.logger.Info().
		Str("department_id", d.ID.String()).
		Str("hospital_id", hospitalID.String()).
		Msg("department created")
	return d, nil
}

func (s *Service) ListDepartments(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Department, int, error) {
	items, total, err := s.departments.List(ctx, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, apperror.Storage("list departments", err)
	}
	return items, total, nil
}

// -- Doctors --

func validateAssign(req *AssignDoctorRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	switch {
	case req.Username == "":
		return apperror.Validation("username is required")
	case req.DepartmentID == uuid.Nil:
		return apperror.Validation("department_id is required")
	case strings.TrimSpace(req.Specialty) == "":
		return apperror.Validation("specialty is required")
	case strings.TrimSpace(req.Title) == "":
		return apperror.Validation("title is required")
	}
	if req.YearsExperience != nil && *req.YearsExperience < 0 {
		return apperror.Validation("years_experience must not be negative")
	}
	return nil
}

// AssignDoctor attaches a doctor to a department of the caller's hospital.
// An existing account is promoted to the doctor role; otherwise one is
// created. The assignment and the weekly availability template commit
// together.
func (s *Service) AssignDoctor(ctx context.Context, req AssignDoctorRequest, caller Caller) (*AssignDoctorResult, error) {
	if err := validateAssign(&req); err != nil {
		return nil, err
	}
	hospitalID, err := s.scopeHospital(ctx, caller, req.HospitalID)
	if err != nil {
		return nil, err
	}
	dept, err := s.GetDepartment(ctx, req.DepartmentID)
	if err != nil {
		return nil, err
	}
	if dept.HospitalID != hospitalID {
		return nil, apperror.Conflict("Department does not belong to hospital")
	}

	result := &AssignDoctorResult{}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		u, created, err := s.resolveDoctorAccount(ctx, req)
		if err != nil {
			return err
		}
		result.Created = created

		exists, err := s.doctors.Exists(ctx, u.ID, dept.ID)
		if err != nil {
			return apperror.Storage("check assignment", err)
		}
		if exists {
			return apperror.Conflict("Doctor already assigned to department")
		}

		doc := &Doctor{
			UserID:          u.ID,
			DepartmentID:    dept.ID,
			Specialty:       req.Specialty,
			Title:           req.Title,
			Phone:           req.Phone,
			Bio:             req.Bio,
			LicenseNumber:   req.LicenseNumber,
			YearsExperience: req.YearsExperience,
			Education:       req.Education,
			Username:        u.Username,
			Email:           u.Email,
			DepartmentName:  dept.Name,
			HospitalID:      dept.HospitalID,
			HospitalName:    dept.HospitalName,
		}
		if err := s.doctors.Assign(ctx, doc); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return apperror.Conflict("Doctor already assigned to department")
			}
			return apperror.Storage("assign doctor", err)
		}
		result.Doctor = doc

		n, err := s.seeder.Seed(ctx, u.ID)
		if err != nil {
			return apperror.Storage("seed availability", err)
		}
		result.SlotsSeeded = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("doctor_id", result.Doctor.UserID.String()).
		Str("department_id", dept.ID.String()).
		Bool("user_created", result.Created).
		Int("slots_seeded", result.SlotsSeeded).
		Msg("doctor assigned")
	return result, nil
}

func (s *Service) resolveDoctorAccount(ctx context.Context, req AssignDoctorRequest) (*User, bool, error) {
	u, err := s.users.GetByUsername(ctx, req.Username)
	switch {
	case err == nil:
		if u.Role == auth.RoleAdmin || u.Role == auth.RoleSuperAdmin {
			return nil, false, apperror.Conflict("Administrators cannot be assigned as doctors")
		}
		if u.Role != auth.RoleDoctor || !u.Active {
			if err := s.users.Promote(ctx, u.ID, auth.RoleDoctor); err != nil {
				return nil, false, apperror.Storage("promote doctor", err)
			}
			u.Role = auth.RoleDoctor
			u.Active = true
		}
		return u, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, apperror.Storage("load user", err)
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, false, apperror.Validation("email and password are required for a new doctor account")
	}
	u, err = s.newUser(ctx, req.Username, req.Email, req.Password, auth.RoleDoctor)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (s *Service) newUser(ctx context.Context, username, email, password, role string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, apperror.Validationf("invalid password: %v", err)
	}
	u := &User{
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperror.Conflict("Username or email already registered")
		}
		return nil, apperror.Storage("create user", err)
	}
	return u, nil
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter) ([]*Doctor, int, error) {
	items, total, err := s.doctors.List(ctx, f)
	if err != nil {
		return nil, 0, apperror.Storage("list doctors", err)
	}
	return items, total, nil
}

// -- Bootstrap --

// EnsureUser creates the account when the username is free and reports
// whether it did. An existing account is returned untouched.
func (s *Service) EnsureUser(ctx context.Context, username, email, password, role string) (*User, bool, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, apperror.Storage("load user", err)
	}
	u, err = s.newUser(ctx, username, email, password, role)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info().Str("username", username).Str("role", role).Msg("user bootstrapped")
	return u, true, nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(u *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/pkg/apperror"
)

// -- Mock Repositories --

type mockUserRepo struct {
	users map[uuid.UUID]*User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Active = true
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepo) GetByUsername(_ context.Context, username string) (*User, error) {
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) Promote(_ context.Context, id uuid.UUID, role string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.Active = true
	return nil
}

func (m *mockUserRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = false
	return nil
}

func (m *mockUserRepo) LockDoctor(_ context.Context, id uuid.UUID, _ bool) error {
	u, ok := m.users[id]
	if !ok || u.Role != auth.RoleDoctor || !u.Active {
		return ErrNotFound
	}
	return nil
}

type mockHospitalRepo struct {
	hospitals map[uuid.UUID]*Hospital
	admins    map[uuid.UUID]uuid.UUID
}

func newMockHospitalRepo() *mockHospitalRepo {
	return &mockHospitalRepo{
		hospitals: make(map[uuid.UUID]*Hospital),
		admins:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockHospitalRepo) Create(_ context.Context, h *Hospital) error {
	for _, existing := range m.hospitals {
		if existing.Name == h.Name {
			return ErrDuplicate
		}
	}
	h.ID = uuid.New()
	h.CreatedAt = time.Now()
	m.hospitals[h.ID] = h
	return nil
}

func (m *mockHospitalRepo) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	h, ok := m.hospitals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (m *mockHospitalRepo) List(_ context.Context, limit, offset int) ([]*Hospital, int, error) {
	var result []*Hospital
	for _, h := range m.hospitals {
		result = append(result, h)
	}
	return result, len(result), nil
}

func (m *mockHospitalRepo) AddAdmin(_ context.Context, hospitalID, userID uuid.UUID) error {
	if _, ok := m.admins[userID]; ok {
		return ErrDuplicate
	}
	m.admins[userID] = hospitalID
	return nil
}

func (m *mockHospitalRepo) HospitalForAdmin(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	id, ok := m.admins[userID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

type mockDepartmentRepo struct {
	depts map[uuid.UUID]*Department
}

func newMockDepartmentRepo() *mockDepartmentRepo {
	return &mockDepartmentRepo{depts: make(map[uuid.UUID]*Department)}
}

func (m *mockDepartmentRepo) Create(_ context.Context, d *Department) error {
	for _, existing := range m.depts {
		if existing.HospitalID == d.HospitalID && existing.Name == d.Name {
			return ErrDuplicate
		}
	}
	d.ID = uuid.New()
	m.depts[d.ID] = d
	return nil
}

func (m *mockDepartmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Department, error) {
	d, ok := m.depts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockDepartmentRepo) List(_ context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Department, int, error) {
	var result []*Department
	for _, d := range m.depts {
		if hospitalID == nil || d.HospitalID == *hospitalID {
			result = append(result, d)
		}
	}
	return result, len(result), nil
}

type assignmentKey struct{ user, dept uuid.UUID }

type mockDoctorRepo struct {
	assignments map[assignmentKey]*Doctor
	depts       *mockDepartmentRepo
	failAssign  error
}

func newMockDoctorRepo(depts *mockDepartmentRepo) *mockDoctorRepo {
	return &mockDoctorRepo{assignments: make(map[assignmentKey]*Doctor), depts: depts}
}

func (m *mockDoctorRepo) Assign(_ context.Context, d *Doctor) error {
	if m.failAssign != nil {
		return m.failAssign
	}
	k := assignmentKey{d.UserID, d.DepartmentID}
	if _, ok := m.assignments[k]; ok {
		return ErrDuplicate
	}
	d.AssignedAt = time.Now()
	m.assignments[k] = d
	return nil
}

func (m *mockDoctorRepo) Exists(_ context.Context, userID, departmentID uuid.UUID) (bool, error) {
	_, ok := m.assignments[assignmentKey{userID, departmentID}]
	return ok, nil
}

func (m *mockDoctorRepo) InHospital(_ context.Context, userID, hospitalID uuid.UUID) (bool, error) {
	for k := range m.assignments {
		if k.user != userID {
			continue
		}
		if d, ok := m.depts.depts[k.dept]; ok && d.HospitalID == hospitalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockDoctorRepo) List(_ context.Context, f DoctorFilter) ([]*Doctor, int, error) {
	var result []*Doctor
	for k, d := range m.assignments {
		if f.DepartmentID != nil && k.dept != *f.DepartmentID {
			continue
		}
		result = append(result, d)
	}
	return result, len(result), nil
}

func (m *mockDoctorRepo) DeleteByUser(_ context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	for k := range m.assignments {
		if k.user == userID {
			delete(m.assignments, k)
			n++
		}
	}
	return n, nil
}

type passthroughTx struct{ calls int }

func (p *passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

type mockSeeder struct {
	seeded map[uuid.UUID]int
	err    error
}

func (m *mockSeeder) Seed(_ context.Context, doctorID uuid.UUID) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.seeded[doctorID]++
	return 108, nil
}

type testEnv struct {
	svc       *Service
	users     *mockUserRepo
	hospitals *mockHospitalRepo
	depts     *mockDepartmentRepo
	doctors   *mockDoctorRepo
	seeder    *mockSeeder
	tx        *passthroughTx
}

func newTestEnv() *testEnv {
	env := &testEnv{
		users:     newMockUserRepo(),
		hospitals: newMockHospitalRepo(),
		depts:     newMockDepartmentRepo(),
		seeder:    &mockSeeder{seeded: make(map[uuid.UUID]int)},
		tx:        &passthroughTx{},
	}
	env.doctors = newMockDoctorRepo(env.depts)
	env.svc = NewService(env.users, env.hospitals, env.depts, env.doctors, env.tx, env.seeder, zerolog.Nop())
	env.svc.hashCost = bcrypt.MinCost
	return env
}

// seedHospital creates a hospital with one department and an admin for it.
func (env *testEnv) seedHospital(t *testing.T, name string) (*Hospital, *Department, Caller) {
	t.Helper()
	h := &Hospital{Name: name, Address: "1 Main St", City: "Pune", State: "MH", Country: "IN"}
	if err := env.svc.CreateHospital(context.Background(), h); err != nil {
		t.Fatalf("create hospital: %v", err)
	}
	admin := &User{Username: name + "-admin", Email: name + "@example.com", Role: auth.RoleAdmin}
	env.users.Create(context.Background(), admin)
	env.hospitals.admins[admin.ID] = h.ID

	caller := Caller{UserID: admin.ID, Role: auth.RoleAdmin}
	d, err := env.svc.CreateDepartment(context.Background(), CreateDepartmentRequest{Name: "Cardiology"}, caller)
	if err != nil {
		t.Fatalf("create department: %v", err)
	}
	d.HospitalName = h.Name
	return h, d, caller
}

func assertKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperror.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

// -- Lookups --

func TestService_GetDoctor(t *testing.T) {
	env := newTestEnv()
	doc := &User{Username: "dr_jane", Email: "jane@example.com", Role: auth.RoleDoctor}
	patient := &User{Username: "pat", Email: "pat@example.com", Role: auth.RolePatient}
	env.users.Create(context.Background(), doc)
	env.users.Create(context.Background(), patient)

	if _, err := env.svc.GetDoctor(context.Background(), doc.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := env.svc.GetDoctor(context.Background(), patient.ID)
	assertKind(t, err, apperror.KindNotFound)
	if err.Error() != "NOT_FOUND: Doctor not found" {
		t.Errorf("unexpected message: %v", err)
	}

	env.users.Deactivate(context.Background(), doc.ID)
	_, err = env.svc.GetDoctor(context.Background(), doc.ID)
	assertKind(t, err, apperror.KindNotFound)
}

func TestService_GetPatient_NotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.GetPatient(context.Background(), uuid.New())
	assertKind(t, err, apperror.KindNotFound)
}

func TestService_GetPatient_InactiveAccount(t *testing.T) {
	env := newTestEnv()
	patient := &User{Username: "pat", Email: "pat@example.com", Role: auth.RolePatient}
	env.users.Create(context.Background(), patient)

	if _, err := env.svc.GetPatient(context.Background(), patient.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.users.Deactivate(context.Background(), patient.ID)
	_, err := env.svc.GetPatient(context.Background(), patient.ID)
	assertKind(t, err, apperror.KindNotFound)
	if err.Error() != "NOT_FOUND: Patient not found" {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestService_LockDoctor(t *testing.T) {
	env := newTestEnv()
	doc := &User{Username: "dr_jane", Email: "jane@example.com", Role: auth.RoleDoctor}
	patient := &User{Username: "pat", Email: "pat@example.com", Role: auth.RolePatient}
	env.users.Create(context.Background(), doc)
	env.users.Create(context.Background(), patient)

	if err := env.svc.LockActiveDoctor(context.Background(), doc.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.svc.LockDoctorForRemoval(context.Background(), doc.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertKind(t, env.svc.LockActiveDoctor(context.Background(), patient.ID), apperror.KindNotFound)
	assertKind(t, env.svc.LockActiveDoctor(context.Background(), uuid.New()), apperror.KindNotFound)

	env.users.Deactivate(context.Background(), doc.ID)
	assertKind(t, env.svc.LockActiveDoctor(context.Background(), doc.ID), apperror.KindNotFound)
}

func TestService_AdminHospital_Unassigned(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.AdminHospital(context.Background(), uuid.New())
	assertKind(t, err, apperror.KindForbidden)
}

// -- Hospitals --

func TestService_CreateHospital_Validation(t *testing.T) {
	env := newTestEnv()
	err := env.svc.CreateHospital(context.Background(), &Hospital{Name: "  "})
	assertKind(t, err, apperror.KindValidation)

	err = env.svc.CreateHospital(context.Background(), &Hospital{Name: "City"})
	assertKind(t, err, apperror.KindValidation)
}

func TestService_CreateHospital_Duplicate(t *testing.T) {
	env := newTestEnv()
	env.seedHospital(t, "city")
	err := env.svc.CreateHospital(context.Background(), &Hospital{
		Name: "city", Address: "2 Side St", City: "Pune", State: "MH", Country: "IN",
	})
	assertKind(t, err, apperror.KindConflict)
}

func TestService_AssignHospitalAdmin(t *testing.T) {
	env := newTestEnv()
	h, _, _ := env.seedHospital(t, "city")
	u := &User{Username: "newadmin", Email: "na@example.com", Role: auth.RolePatient}
	env.users.Create(context.Background(), u)

	if err := env.svc.AssignHospitalAdmin(context.Background(), h.ID, u.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.users.users[u.ID].Role != auth.RoleAdmin {
		t.Errorf("expected role admin, got %s", env.users.users[u.ID].Role)
	}
	got, err := env.svc.AdminHospital(context.Background(), u.ID)
	if err != nil || got != h.ID {
		t.Errorf("expected admin of %s, got %s (%v)", h.ID, got, err)
	}

	err = env.svc.AssignHospitalAdmin(context.Background(), h.ID, u.ID)
	assertKind(t, err, apperror.KindConflict)

	err = env.svc.AssignHospitalAdmin(context.Background(), uuid.New(), u.ID)
	assertKind(t, err, apperror.KindNotFound)
}

// -- Departments --

func TestService_CreateDepartment_Scoping(t *testing.T) {
	env := newTestEnv()
	h, _, admin := env.seedHospital(t, "city")
	other, _, _ := env.seedHospital(t, "county")

	_, err := env.svc.CreateDepartment(context.Background(),
		CreateDepartmentRequest{Name: "Oncology", HospitalID: &other.ID}, admin)
	assertKind(t, err, apperror.KindForbidden)

	d, err := env.svc.CreateDepartment(context.Background(), CreateDepartmentRequest{Name: "Oncology"}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.HospitalID != h.ID {
		t.Errorf("expected department in admin's hospital")
	}

	_, err = env.svc.CreateDepartment(context.Background(), CreateDepartmentRequest{Name: "Oncology"}, admin)
	assertKind(t, err, apperror.KindConflict)

	super := Caller{UserID: uuid.New(), Role: auth.RoleSuperAdmin}
	_, err = env.svc.CreateDepartment(context.Background(), CreateDepartmentRequest{Name: "ENT"}, super)
	assertKind(t, err, apperror.KindValidation)

	d, err = env.svc.CreateDepartment(context.Background(),
		CreateDepartmentRequest{Name: "ENT", HospitalID: &other.ID}, super)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.HospitalID != other.ID {
		t.Errorf("expected department in requested hospital")
	}

	patient := Caller{UserID: uuid.New(), Role: auth.RolePatient}
	_, err = env.svc.CreateDepartment(context.Background(), CreateDepartmentRequest{Name: "X"}, patient)
	assertKind(t, err, apperror.KindForbidden)
}

// -- Doctors --

func TestService_AssignDoctor_CreatesAccountAndSeeds(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")

	res, err := env.svc.AssignDoctor(context.Background(), AssignDoctorRequest{
		Username:     "dr_jane",
		Email:        "jane@example.com",
		Password:     "s3cret",
		DepartmentID: dept.ID,
		Specialty:    "Cardiology",
		Title:        "Dr.",
	}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created {
		t.Error("expected a new account to be created")
	}
	if res.SlotsSeeded != 108 {
		t.Errorf("expected 108 slots seeded, got %d", res.SlotsSeeded)
	}
	u := env.users.users[res.Doctor.UserID]
	if u.Role != auth.RoleDoctor {
		t.Errorf("expected role doctor, got %s", u.Role)
	}
	if !CheckPassword(u, "s3cret") {
		t.Error("expected stored hash to match password")
	}
	if env.seeder.seeded[u.ID] != 1 {
		t.Errorf("expected one seed call, got %d", env.seeder.seeded[u.ID])
	}
	if env.tx.calls != 1 {
		t.Errorf("expected assignment in one transaction, got %d", env.tx.calls)
	}
}

func TestService_AssignDoctor_PromotesExistingUser(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")
	u := &User{Username: "sam", Email: "sam@example.com", Role: auth.RolePatient}
	env.users.Create(context.Background(), u)

	res, err := env.svc.AssignDoctor(context.Background(), AssignDoctorRequest{
		Username: "sam", DepartmentID: dept.ID, Specialty: "GP", Title: "Dr.",
	}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created {
		t.Error("expected existing account to be reused")
	}
	if env.users.users[u.ID].Role != auth.RoleDoctor {
		t.Errorf("expected promotion to doctor")
	}
}

func TestService_AssignDoctor_Duplicate(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")
	req := AssignDoctorRequest{
		Username: "dr_jane", Email: "jane@example.com", Password: "pw",
		DepartmentID: dept.ID, Specialty: "Cardiology", Title: "Dr.",
	}
	if _, err := env.svc.AssignDoctor(context.Background(), req, admin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.AssignDoctor(context.Background(), req, admin)
	assertKind(t, err, apperror.KindConflict)
	if err.Error() != "CONFLICT: Doctor already assigned to department" {
		t.Errorf("unexpected message: %v", err)
	}
	for id, n := range env.seeder.seeded {
		if n != 1 {
			t.Errorf("doctor %s seeded %d times", id, n)
		}
	}
}

func TestService_AssignDoctor_DepartmentChecks(t *testing.T) {
	env := newTestEnv()
	_, _, admin := env.seedHospital(t, "city")
	_, otherDept, _ := env.seedHospital(t, "county")

	base := AssignDoctorRequest{
		Username: "dr_jane", Email: "jane@example.com", Password: "pw",
		Specialty: "Cardiology", Title: "Dr.",
	}

	req := base
	req.DepartmentID = uuid.New()
	_, err := env.svc.AssignDoctor(context.Background(), req, admin)
	assertKind(t, err, apperror.KindNotFound)

	req.DepartmentID = otherDept.ID
	_, err = env.svc.AssignDoctor(context.Background(), req, admin)
	assertKind(t, err, apperror.KindConflict)
}

func TestService_AssignDoctor_Validation(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")

	tests := []struct {
		name string
		req  AssignDoctorRequest
	}{
		{"missing username", AssignDoctorRequest{DepartmentID: dept.ID, Specialty: "x", Title: "y"}},
		{"missing department", AssignDoctorRequest{Username: "a", Specialty: "x", Title: "y"}},
		{"missing specialty", AssignDoctorRequest{Username: "a", DepartmentID: dept.ID, Title: "y"}},
		{"new account without password", AssignDoctorRequest{
			Username: "a", Email: "a@example.com", DepartmentID: dept.ID, Specialty: "x", Title: "y",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.AssignDoctor(context.Background(), tt.req, admin)
			assertKind(t, err, apperror.KindValidation)
		})
	}
}

func TestService_AssignDoctor_RejectsAdminAccount(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")
	adminUser := env.users.users[admin.UserID]

	_, err := env.svc.AssignDoctor(context.Background(), AssignDoctorRequest{
		Username: adminUser.Username, DepartmentID: dept.ID, Specialty: "x", Title: "y",
	}, admin)
	assertKind(t, err, apperror.KindConflict)
}

func TestService_AssignDoctor_SeedFailure(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")
	env.seeder.err = errors.New("connection reset")

	_, err := env.svc.AssignDoctor(context.Background(), AssignDoctorRequest{
		Username: "dr_jane", Email: "jane@example.com", Password: "pw",
		DepartmentID: dept.ID, Specialty: "Cardiology", Title: "Dr.",
	}, admin)
	assertKind(t, err, apperror.KindStorage)
}

func TestService_RemoveDoctor(t *testing.T) {
	env := newTestEnv()
	_, dept, admin := env.seedHospital(t, "city")
	res, err := env.svc.AssignDoctor(context.Background(), AssignDoctorRequest{
		Username: "dr_jane", Email: "jane@example.com", Password: "pw",
		DepartmentID: dept.ID, Specialty: "Cardiology", Title: "Dr.",
	}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := res.Doctor.UserID

	ok, _ := env.svc.DoctorInHospital(context.Background(), id, dept.HospitalID)
	if !ok {
		t.Fatal("expected doctor to be in hospital")
	}

	n, err := env.svc.RemoveDoctor(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 assignment removed, got %d", n)
	}
	if env.users.users[id].Active {
		t.Error("expected doctor account deactivated")
	}
	if _, err := env.svc.GetDoctor(context.Background(), id); !apperror.IsNotFound(err) {
		t.Errorf("expected removed doctor to be not found, got %v", err)
	}
}

// -- Bootstrap --

func TestService_EnsureUser(t *testing.T) {
	env := newTestEnv()
	u, created, err := env.svc.EnsureUser(context.Background(), "root", "root@example.com", "pw", auth.RoleSuperAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || u.Role != auth.RoleSuperAdmin {
		t.Errorf("expected superadmin to be created, got %+v", u)
	}

	again, created, err := env.svc.EnsureUser(context.Background(), "root", "root@example.com", "other", auth.RoleSuperAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || again.ID != u.ID {
		t.Error("expected existing user to be returned")
	}
	if !CheckPassword(again, "pw") {
		t.Error("expected original password to be kept")
	}
}

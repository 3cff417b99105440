package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/domain/directory"
	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/internal/platform/notification"
	"github.com/healthsync/healthsync/pkg/apperror"
)

// -- Mock Repositories --

type availKey struct {
	doctor uuid.UUID
	day    string
	start  string
}

type mockAvailRepo struct {
	mu         sync.Mutex
	rows       map[availKey]Availability
	failDelete error
}

func newMockAvailRepo() *mockAvailRepo {
	return &mockAvailRepo{rows: make(map[availKey]Availability)}
}

func (m *mockAvailRepo) InsertTemplate(_ context.Context, rows []Availability) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range rows {
		k := availKey{a.DoctorID, a.DayOfWeek, a.StartTime}
		if _, ok := m.rows[k]; ok {
			continue
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		m.rows[k] = a
		n++
	}
	return n, nil
}

func (m *mockAvailRepo) ListForDay(_ context.Context, doctorID uuid.UUID, day string) ([]Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Availability
	for k, a := range m.rows {
		if k.doctor == doctorID && k.day == day {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *mockAvailRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Availability
	for k, a := range m.rows {
		if k.doctor == doctorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAvailRepo) Exists(_ context.Context, doctorID uuid.UUID, day, start, end string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[availKey{doctorID, day, start}]
	return ok && a.EndTime == end, nil
}

func (m *mockAvailRepo) DeleteByDoctor(_ context.Context, doctorID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return 0, m.failDelete
	}
	var n int64
	for k := range m.rows {
		if k.doctor == doctorID {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *mockAvailRepo) count(doctorID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.rows {
		if k.doctor == doctorID {
			n++
		}
	}
	return n
}

func (m *mockAvailRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[availKey]Availability, len(m.rows))
	for k, v := range m.rows {
		saved[k] = v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.rows = saved
		m.mu.Unlock()
	}
}

// mockApptRepo enforces the active-slot uniqueness the database index
// provides.
type mockApptRepo struct {
	mu           sync.Mutex
	appts        map[uuid.UUID]*Appointment
	beforeCreate func()
	// afterBookedStarts runs once the booked starts have been read.
	afterBookedStarts func()
}

func newMockApptRepo() *mockApptRepo {
	return &mockApptRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockApptRepo) Create(_ context.Context, a *Appointment) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if existing.Status != StatusCancelled && existing.DoctorID == a.DoctorID &&
			existing.AppointmentDate == a.AppointmentDate && existing.StartTime == a.StartTime {
			return ErrSlotBooked
		}
	}
	a.ID = uuid.New()
	a.Status = StatusScheduled
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockApptRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockApptRepo) ActiveExists(_ context.Context, doctorID uuid.UUID, date, start string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.Status != StatusCancelled && a.DoctorID == doctorID && a.AppointmentDate == date && a.StartTime == start {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockApptRepo) BookedStarts(_ context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	m.mu.Lock()
	var out []string
	for _, a := range m.appts {
		if a.Status != StatusCancelled && a.DoctorID == doctorID && a.AppointmentDate == date {
			out = append(out, a.StartTime)
		}
	}
	hook := m.afterBookedStarts
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *mockApptRepo) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != StatusScheduled {
		return false, nil
	}
	now := time.Now()
	a.Status = StatusCancelled
	a.CancelledAt = &now
	return true, nil
}

func (m *mockApptRepo) CancelScheduledByDoctor(_ context.Context, doctorID uuid.UUID) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	now := time.Now()
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status == StatusScheduled {
			a.Status = StatusCancelled
			a.CancelledAt = &now
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockApptRepo) List(_ context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		switch {
		case f.PatientID != nil && a.PatientID != *f.PatientID,
			f.DoctorID != nil && a.DoctorID != *f.DoctorID,
			f.HospitalID != nil && a.HospitalID != *f.HospitalID,
			f.From != "" && a.AppointmentDate < f.From,
			f.To != "" && a.AppointmentDate > f.To,
			f.Status != "" && a.Status != f.Status,
			f.ExcludeCancelled && a.Status == StatusCancelled:
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppointmentDate != out[j].AppointmentDate {
			return out[i].AppointmentDate < out[j].AppointmentDate
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, len(out), nil
}

func (m *mockApptRepo) get(id uuid.UUID) Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.appts[id]
}

func (m *mockApptRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]Appointment, len(m.appts))
	for k, v := range m.appts {
		saved[k] = *v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.appts = make(map[uuid.UUID]*Appointment, len(saved))
		for k, v := range saved {
			v := v
			m.appts[k] = &v
		}
		m.mu.Unlock()
	}
}

// -- Mock Directory --

type mockDirectory struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*directory.User
	departments map[uuid.UUID]*directory.Department
	hospitals   map[uuid.UUID]*directory.Hospital
	admins      map[uuid.UUID]uuid.UUID
	staff       map[uuid.UUID]uuid.UUID
	failRemove  error

	// afterGetDoctor runs once GetDoctor has returned its copy, standing in
	// for a removal that commits between the lookup and the booking tx.
	afterGetDoctor func(id uuid.UUID)
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		users:       make(map[uuid.UUID]*directory.User),
		departments: make(map[uuid.UUID]*directory.Department),
		hospitals:   make(map[uuid.UUID]*directory.Hospital),
		admins:      make(map[uuid.UUID]uuid.UUID),
		staff:       make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockDirectory) GetDoctor(_ context.Context, id uuid.UUID) (*directory.User, error) {
	m.mu.Lock()
	u, ok := m.users[id]
	if !ok || u.Role != auth.RoleDoctor || !u.Active {
		m.mu.Unlock()
		return nil, apperror.NotFound("doctor")
	}
	cp := *u
	hook := m.afterGetDoctor
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (m *mockDirectory) GetPatient(_ context.Context, id uuid.UUID) (*directory.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || !u.Active {
		return nil, apperror.NotFound("patient")
	}
	cp := *u
	return &cp, nil
}

func (m *mockDirectory) GetDepartment(_ context.Context, id uuid.UUID) (*directory.Department, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.departments[id]
	if !ok {
		return nil, apperror.NotFound("department")
	}
	return d, nil
}

func (m *mockDirectory) GetHospital(_ context.Context, id uuid.UUID) (*directory.Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hospitals[id]
	if !ok {
		return nil, apperror.NotFound("hospital")
	}
	return h, nil
}

func (m *mockDirectory) AdminHospital(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.admins[userID]
	if !ok {
		return uuid.Nil, apperror.Forbidden("Admin is not assigned to a hospital")
	}
	return id, nil
}

func (m *mockDirectory) DoctorInHospital(_ context.Context, doctorID, hospitalID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staff[doctorID] == hospitalID, nil
}

func (m *mockDirectory) RemoveDoctor(_ context.Context, doctorID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemove != nil {
		return 0, apperror.Storage("deactivate doctor", m.failRemove)
	}
	u, ok := m.users[doctorID]
	if !ok {
		return 0, apperror.NotFound("doctor")
	}
	u.Active = false
	delete(m.staff, doctorID)
	return 1, nil
}

func (m *mockDirectory) LockActiveDoctor(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Role != auth.RoleDoctor || !u.Active {
		return apperror.NotFound("doctor")
	}
	return nil
}

func (m *mockDirectory) LockDoctorForRemoval(ctx context.Context, id uuid.UUID) error {
	return m.LockActiveDoctor(ctx, id)
}

func (m *mockDirectory) addUser(username, email, role string) *directory.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &directory.User{ID: uuid.New(), Username: username, Email: email, Role: role, Active: true}
	m.users[u.ID] = u
	return u
}

func (m *mockDirectory) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]directory.User, len(m.users))
	for k, v := range m.users {
		saved[k] = *v
	}
	staff := make(map[uuid.UUID]uuid.UUID, len(m.staff))
	for k, v := range m.staff {
		staff[k] = v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		for k, v := range saved {
			*m.users[k] = v
		}
		m.staff = staff
		m.mu.Unlock()
	}
}

// snapshotTx restores every mock store when fn fails, standing in for a
// database rollback.
type snapshotTx struct {
	stores []interface{ snapshot() func() }
}

func (s *snapshotTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	restores := make([]func(), 0, len(s.stores))
	for _, st := range s.stores {
		restores = append(restores, st.snapshot())
	}
	if err := fn(ctx); err != nil {
		for _, r := range restores {
			r()
		}
		return err
	}
	return nil
}

// -- Cache and notifier --

type memCache struct {
	mu      sync.Mutex
	items   map[string][]byte
	dateGen map[string]int
	docGen  map[string]int
	sets    int
	fail    bool
}

func newMemCache() *memCache {
	return &memCache{
		items:   make(map[string][]byte),
		dateGen: make(map[string]int),
		docGen:  make(map[string]int),
	}
}

func (c *memCache) Get(_ context.Context, doctorID, date string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, false, errors.New("cache unavailable")
	}
	b, ok := c.items[doctorID+"|"+date]
	return b, ok, nil
}

func (c *memCache) version(doctorID, date string) string {
	return fmt.Sprintf("%d:%d", c.docGen[doctorID], c.dateGen[doctorID+"|"+date])
}

func (c *memCache) Version(_ context.Context, doctorID, date string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return "", errors.New("cache unavailable")
	}
	return c.version(doctorID, date), nil
}

func (c *memCache) Set(_ context.Context, doctorID, date, version string, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return false, errors.New("cache unavailable")
	}
	if c.version(doctorID, date) != version {
		return false, nil
	}
	c.sets++
	c.items[doctorID+"|"+date] = payload
	return true, nil
}

func (c *memCache) InvalidateDate(_ context.Context, doctorID, date string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dateGen[doctorID+"|"+date]++
	delete(c.items, doctorID+"|"+date)
	return nil
}

func (c *memCache) InvalidateDoctor(_ context.Context, doctorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docGen[doctorID]++
	for k := range c.items {
		if strings.HasPrefix(k, doctorID+"|") {
			delete(c.items, k)
		}
	}
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []notification.BookingNotice
	cancelled []notification.BookingNotice
}

func (n *recordingNotifier) BookingConfirmed(b notification.BookingNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, b)
}

func (n *recordingNotifier) BookingCancelled(b notification.BookingNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, b)
}

// -- Fixture --

type fixture struct {
	svc      *Service
	avail    *mockAvailRepo
	appts    *mockApptRepo
	dir      *mockDirectory
	cache    *memCache
	notifier *recordingNotifier

	hospital   *directory.Hospital
	department *directory.Department
	doctor     *directory.User
	patient    *directory.User
	admin      directory.Caller
}

// mondayDate is a Monday.
const mondayDate = "2026-10-19"

func newFixture() *fixture {
	f := &fixture{
		avail:    newMockAvailRepo(),
		appts:    newMockApptRepo(),
		dir:      newMockDirectory(),
		cache:    newMemCache(),
		notifier: &recordingNotifier{},
	}
	tx := &snapshotTx{stores: []interface{ snapshot() func() }{f.avail, f.appts, f.dir}}
	f.svc = NewService(f.avail, f.appts, f.dir, tx, f.cache, f.notifier, zerolog.Nop())
	f.svc.now = func() time.Time { return time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC) }

	f.hospital = &directory.Hospital{ID: uuid.New(), Name: "City General"}
	f.dir.hospitals[f.hospital.ID] = f.hospital
	f.department = &directory.Department{
		ID: uuid.New(), HospitalID: f.hospital.ID, Name: "Cardiology", HospitalName: f.hospital.Name,
	}
	f.dir.departments[f.department.ID] = f.department

	f.doctor = f.dir.addUser("dr_jane", "jane@example.com", auth.RoleDoctor)
	f.dir.staff[f.doctor.ID] = f.hospital.ID
	f.patient = f.dir.addUser("pat", "pat@example.com", auth.RolePatient)

	adminUser := f.dir.addUser("admin", "admin@example.com", auth.RoleAdmin)
	f.dir.admins[adminUser.ID] = f.hospital.ID
	f.admin = directory.Caller{UserID: adminUser.ID, Role: auth.RoleAdmin}
	return f
}

// offer adds a single availability row for the fixture doctor.
func (f *fixture) offer(day, start, end string) {
	f.avail.InsertTemplate(context.Background(), []Availability{{
		DoctorID: f.doctor.ID, DayOfWeek: day, StartTime: start, EndTime: end,
	}})
}

func (f *fixture) request(date, start, end string) BookingRequest {
	return BookingRequest{
		PatientID:       f.patient.ID,
		DoctorID:        f.doctor.ID,
		DepartmentID:    f.department.ID,
		HospitalID:      f.hospital.ID,
		AppointmentDate: date,
		StartTime:       start,
		EndTime:         end,
	}
}

func (f *fixture) patientCaller() directory.Caller {
	return directory.Caller{UserID: f.patient.ID, Role: auth.RolePatient}
}

func (f *fixture) doctorCaller() directory.Caller {
	return directory.Caller{UserID: f.doctor.ID, Role: auth.RoleDoctor}
}

type passTx struct{}

func (passTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

package scheduling

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthsync/healthsync/internal/domain/directory"
	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/pkg/apperror"
	"github.com/healthsync/healthsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the scheduling endpoints. bookingMW wraps only the
// booking route, e.g. a stricter rate limit.
func (h *Handler) RegisterRoutes(api *echo.Group, bookingMW ...echo.MiddlewareFunc) {
	// Read endpoints – any authenticated caller
	api.GET("/doctors/:id/slots", h.GetAvailableSlots)
	api.GET("/doctors/:id/availability", h.GetAvailability)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)

	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	patientGroup.POST("/appointments", h.BookAppointment, bookingMW...)

	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.GET("/doctor/appointments/today", h.DoctorToday)
	doctorGroup.GET("/doctor/appointments/week", h.DoctorWeek)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/doctors/:id", h.DeleteDoctor)
	adminGroup.POST("/doctors/:id/availability/seed", h.SeedAvailability)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Slot Handlers --

type slotsResponse struct {
	DoctorID  uuid.UUID  `json:"doctor_id"`
	Date      string     `json:"date"`
	DayOfWeek string     `json:"day_of_week"`
	Slots     []TimeSlot `json:"slots"`
}

func (h *Handler) GetAvailableSlots(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	date := c.QueryParam("date")
	slots, err := h.svc.AvailableSlots(c.Request().Context(), id, date)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	d, _ := ParseDate(date)
	return c.JSON(http.StatusOK, slotsResponse{
		DoctorID:  id,
		Date:      d.Format(DateLayout),
		DayOfWeek: WeekdayName(d),
		Slots:     slots,
	})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.AvailabilityTemplate(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) SeedAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.SeedAvailability(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"inserted": n})
}

// -- Appointment Handlers --

func (h *Handler) BookAppointment(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.PatientID = caller.UserID
	appt, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id, caller)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := AppointmentFilter{
		From:   c.QueryParam("from"),
		To:     c.QueryParam("to"),
		Status: c.QueryParam("status"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if raw := c.QueryParam("doctor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), caller, f)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Cancel(c.Request().Context(), id, caller)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// -- Doctor Handlers --

func (h *Handler) DoctorToday(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.svc.DoctorDay(c.Request().Context(), caller.UserID)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DoctorWeek(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.svc.DoctorWeek(c.Request().Context(), caller.UserID)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeleteDoctor(c echo.Context) error {
	caller, err := directory.CallerFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.DeleteDoctorCascade(c.Request().Context(), id, caller)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

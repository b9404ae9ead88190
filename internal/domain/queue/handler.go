package queue

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/pkg/pagination"
)

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeICS  = "text/calendar; charset=utf-8"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinic := auth.RequireClinicAccess("clinicId")

	// Read endpoints, anyone working the clinic
	read := api.Group("", auth.RequireRole("admin", "doctor", "nurse", "receptionist"), clinic)
	read.GET("/clinics/:clinicId/staff/:staffId/queue", h.GetQueue)
	read.GET("/clinics/:clinicId/staff/:staffId/queue/history", h.ListHistory)
	read.GET("/clinics/:clinicId/staff/:staffId/queue/export.xlsx", h.ExportWorkbook)
	read.GET("/clinics/:clinicId/staff/:staffId/queue/export.ics", h.ExportCalendar)
	read.GET("/clinics/:clinicId/staff/:staffId/slots", h.ListSlots)
	read.GET("/clinics/:clinicId/disruptions", h.ListDisruptions)
	read.GET("/clinics/:clinicId/queue-config", h.GetClinicConfig)
	read.GET("/appointments/:id", h.GetAppointment)

	// Front desk
	desk := api.Group("", auth.RequireRole("doctor", "nurse", "receptionist"), clinic)
	desk.POST("/appointments", h.CreateAppointment)
	desk.POST("/appointments/:id/check-in", h.CheckIn)
	desk.POST("/appointments/:id/absent", h.MarkAbsent)
	desk.POST("/appointments/:id/return", h.MarkReturned)
	desk.POST("/appointments/:id/resolve", h.ResolveAbsent)
	desk.POST("/appointments/:id/cancel", h.Cancel)

	// Clinical flow
	clinical := api.Group("", auth.RequireRole("doctor", "nurse"), clinic)
	clinical.POST("/clinics/:clinicId/staff/:staffId/queue/call-next", h.CallNext)
	clinical.POST("/clinics/:clinicId/staff/:staffId/queue/reorder", h.Reorder)
	clinical.POST("/appointments/:id/complete", h.Complete)
	clinical.POST("/appointments/:id/no-show", h.NoShow)

	admin := api.Group("", auth.RequireRole("admin"), clinic)
	admin.PUT("/clinics/:clinicId/queue-config", h.PutClinicConfig)
}

// httpError maps engine error kinds onto HTTP responses.
func httpError(err error) error {
	var qe *Error
	if !errors.As(err, &qe) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	status := http.StatusInternalServerError
	switch qe.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindValidation:
		status = http.StatusUnprocessableEntity
	case KindConflict, KindBusinessRule:
		status = http.StatusConflict
	case KindExternalService:
		status = http.StatusServiceUnavailable
	case KindIntegrity:
		return echo.NewHTTPError(status, map[string]string{"error": string(qe.Kind), "message": "internal error"})
	}
	body := map[string]string{"error": string(qe.Kind), "message": qe.Message}
	if qe.Field != "" {
		body["field"] = qe.Field
	}
	return echo.NewHTTPError(status, body)
}

func performedBy(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return "anonymous"
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

// appointmentID resolves the :id of an appointment route and checks that the
// caller works at the appointment's clinic. Clinic ids never change, so the
// check stays valid for the mutation that follows.
func (h *Handler) appointmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, err
	}
	e, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return uuid.Nil, httpError(err)
	}
	if !auth.HasClinicAccess(c.Request().Context(), e.ClinicID.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "no access to clinic "+e.ClinicID.String())
	}
	return id, nil
}

func scopeParams(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	staffID, err := uuidParam(c, "staffId")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return clinicID, staffID, nil
}

// -- Queue views --

func (h *Handler) GetQueue(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetSchedule(c.Request().Context(), clinicID, staffID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListHistory(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHistory(c.Request().Context(), clinicID, staffID, c.QueryParam("date"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ExportWorkbook(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	snap, err := h.svc.GetSchedule(ctx, clinicID, staffID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	cfg, err := h.svc.GetClinicConfig(ctx, clinicID)
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := WriteDayWorkbook(&buf, snap, cfg.Location()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="queue_%s.xlsx"`, snap.Scope.Date.Format(DateLayout)))
	return c.Blob(http.StatusOK, mimeXLSX, buf.Bytes())
}

func (h *Handler) ExportCalendar(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetSchedule(c.Request().Context(), clinicID, staffID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := WriteDayCalendar(&buf, snap); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}
	return c.Blob(http.StatusOK, mimeICS, buf.Bytes())
}

func (h *Handler) ListSlots(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), clinicID, staffID, c.QueryParam("date"), c.QueryParam("type"))
	if err != nil {
		return httpError(err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *Handler) ListDisruptions(c echo.Context) error {
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.Disruptions(clinicID))
}

// -- Queue actions --

func (h *Handler) CallNext(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	var dto CallNextPatientDTO
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&dto); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if dto.Date == "" {
		dto.Date = c.QueryParam("date")
	}
	dto.ClinicID, dto.StaffID, dto.PerformedBy = clinicID, staffID, performedBy(c)
	e, err := h.svc.CallNextPatient(c.Request().Context(), dto)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Reorder(c echo.Context) error {
	clinicID, staffID, err := scopeParams(c)
	if err != nil {
		return err
	}
	var dto ReorderQueueDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dto.ClinicID, dto.StaffID, dto.PerformedBy = clinicID, staffID, performedBy(c)
	items, err := h.svc.ReorderQueue(c.Request().Context(), dto)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Appointment handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var dto CreateQueueEntryDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !auth.HasClinicAccess(c.Request().Context(), dto.ClinicID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "no access to clinic "+dto.ClinicID.String())
	}
	dto.PerformedBy = performedBy(c)
	e, err := h.svc.CreateAppointment(c.Request().Context(), dto)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !auth.HasClinicAccess(c.Request().Context(), e.ClinicID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "no access to clinic "+e.ClinicID.String())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CheckInPatient(c.Request().Context(), id, performedBy(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MarkAbsent(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.MarkPatientAbsent(c.Request().Context(), MarkAbsentDTO{AppointmentID: id, PerformedBy: performedBy(c)})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) MarkReturned(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.MarkPatientReturned(c.Request().Context(), id, performedBy(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ResolveAbsent(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	var dto ResolveAbsentDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.ResolveAbsentAppointment(c.Request().Context(), id, performedBy(c), dto.Resolution)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CompleteAppointment(c.Request().Context(), id, performedBy(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	e, err := h.svc.CancelAppointment(c.Request().Context(), id, performedBy(c), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) NoShow(c echo.Context) error {
	id, err := h.appointmentID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.MarkNoShow(c.Request().Context(), id, performedBy(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Clinic configuration --

func (h *Handler) GetClinicConfig(c echo.Context) error {
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return err
	}
	cfg, err := h.svc.GetClinicConfig(c.Request().Context(), clinicID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) PutClinicConfig(c echo.Context) error {
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return err
	}
	var cfg ClinicConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg.ClinicID = clinicID
	out, err := h.svc.ConfigureClinic(c.Request().Context(), &cfg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

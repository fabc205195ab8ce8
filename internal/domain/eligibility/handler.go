package eligibility

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicware/eligibility/internal/platform/auth"
	"github.com/clinicware/eligibility/internal/platform/db"
	"github.com/clinicware/eligibility/internal/platform/payerportal"
	"github.com/clinicware/eligibility/pkg/pagination"
)

// Submitter starts remote verification tasks.
type Submitter interface {
	Submit(ctx context.Context, req payerportal.SubmitRequest) (*payerportal.SubmitResponse, error)
}

type Handler struct {
	svc      *Service
	manager  *Manager
	mediator *Mediator
	portal   Submitter
	logger   zerolog.Logger
}

func NewHandler(svc *Service, manager *Manager, mediator *Mediator, portal Submitter, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, manager: manager, mediator: mediator, portal: portal, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleBilling, auth.RoleClinician))
	read.GET("/checks", h.ListChecks)
	read.GET("/checks/active", h.ListActive)
	read.GET("/checks/completed", h.ListCompleted)
	read.GET("/checks/lookup", h.Lookup)
	read.GET("/checks/:id", h.GetCheck)
	read.GET("/checks/task/:taskId", h.GetByTask)
	read.GET("/checks/patient/:patientId", h.ListByPatient)
	read.GET("/checks/mpi/:mpi", h.ListByMPI)
	read.GET("/status/current", h.CurrentStatus)
	read.GET("/checks/task/:taskId/presentation", h.Presentation)
	read.DELETE("/checks/task/:taskId/presentation", h.ClosePresentation)
	read.GET("/watch", h.Watch)
	read.GET("/pollers", h.ListPollers)

	write := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleBilling))
	write.POST("/checks", h.Submit)
	write.PUT("/checks/:id", h.UpdateCheck)
	write.PUT("/checks/task/:taskId", h.UpdateByTask)
	write.DELETE("/checks/:id", h.DeleteCheck)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/checks", h.ClearAll)
}

// SubmitCheckRequest is the body of POST /checks.
type SubmitCheckRequest struct {
	PatientID     string            `json:"patient_id" validate:"required_without_all=PatientMPI AppointmentID,max=128"`
	PatientMPI    string            `json:"patient_mpi" validate:"max=128"`
	AppointmentID string            `json:"appointment_id" validate:"max=128"`
	EncounterID   string            `json:"encounter_id" validate:"max=128"`
	PayerID       string            `json:"payer_id" validate:"required_without=SearchAll,max=128"`
	SearchAll     bool              `json:"search_all"`
	Member        map[string]string `json:"member" validate:"omitempty,max=32"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (h *Handler) Submit(c echo.Context) error {
	var req SubmitCheckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	clinicID := db.ClinicFromEcho(c)

	resp, err := h.portal.Submit(ctx, payerportal.SubmitRequest{
		PatientID:     req.PatientID,
		PatientMPI:    req.PatientMPI,
		AppointmentID: req.AppointmentID,
		EncounterID:   req.EncounterID,
		PayerID:       req.PayerID,
		SearchAll:     req.SearchAll,
		Member:        req.Member,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("clinic_id", clinicID).Msg("submit to payer portal failed")
		return echo.NewHTTPError(http.StatusBadGateway, "payer portal unavailable")
	}
	if resp.TaskID == "" {
		return echo.NewHTTPError(http.StatusBadGateway, "payer portal returned no task id")
	}

	status := LifecycleStatus(resp.Status)
	if !status.Valid() || status.Terminal() {
		status = StatusPending
	}
	rec := &CheckRecord{
		TaskID:        resp.TaskID,
		PatientID:     optional(req.PatientID),
		PatientMPI:    optional(req.PatientMPI),
		AppointmentID: optional(req.AppointmentID),
		EncounterID:   optional(req.EncounterID),
		PayerID:       optional(req.PayerID),
		SearchAll:     req.SearchAll,
		Status:        status,
	}
	if err := h.svc.Create(ctx, clinicID, rec); err != nil {
		return httpError(err)
	}
	if _, err := h.manager.Watch(ctx, clinicID, TaskRef{TaskID: rec.TaskID}); err != nil {
		h.logger.Warn().Err(err).Str("clinic_id", clinicID).Str("task_id", rec.TaskID).Msg("failed to start poller")
	}
	return c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) ListChecks(c echo.Context) error {
	return h.list(c, h.svc.GetAll)
}

func (h *Handler) ListActive(c echo.Context) error {
	return h.list(c, h.svc.GetActive)
}

func (h *Handler) ListCompleted(c echo.Context) error {
	return h.list(c, h.svc.GetCompleted)
}

type listFunc func(ctx context.Context, clinicID string, limit, offset int) ([]*CheckRecord, int, error)

func (h *Handler) list(c echo.Context, fn listFunc) error {
	pg := pagination.FromContext(c)
	items, total, err := fn(c.Request().Context(), db.ClinicFromEcho(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*CheckRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.QueryParams()))
}

func (h *Handler) GetCheck(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetByID(c.Request().Context(), db.ClinicFromEcho(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, Resolve(rec))
}

func (h *Handler) GetByTask(c echo.Context) error {
	rec, err := h.svc.GetByTaskID(c.Request().Context(), db.ClinicFromEcho(c), c.Param("taskId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, Resolve(rec))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	items, err := h.svc.GetByPatientID(c.Request().Context(), db.ClinicFromEcho(c), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": nonNil(items)})
}

func (h *Handler) ListByMPI(c echo.Context) error {
	items, err := h.svc.GetByMPI(c.Request().Context(), db.ClinicFromEcho(c), c.Param("mpi"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": nonNil(items)})
}

// Lookup walks the appointment, patient, MPI fallback chain.
func (h *Handler) Lookup(c echo.Context) error {
	l := Lookup{
		AppointmentID: c.QueryParam("appointment_id"),
		PatientID:     c.QueryParam("patient_id"),
		MPI:           c.QueryParam("mpi"),
	}
	if l.AppointmentID == "" && l.PatientID == "" && l.MPI == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "one of appointment_id, patient_id or mpi is required")
	}
	items, kind, err := h.svc.PriorChecks(c.Request().Context(), db.ClinicFromEcho(c), l)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"matched_by": kind,
		"data":       nonNil(items),
	})
}

func (h *Handler) CurrentStatus(c echo.Context) error {
	var keys []PatientKey
	for _, kind := range []KeyKind{KeyAppointment, KeyPatient, KeyMPI} {
		if v := c.QueryParam(string(kind)); v != "" {
			keys = append(keys, PatientKey{Kind: kind, Value: v})
		}
	}
	if len(keys) != 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of appointment_id, patient_id or mpi is required")
	}
	res, err := h.svc.CurrentStatus(c.Request().Context(), db.ClinicFromEcho(c), keys[0])
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdateCheck(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Update(c.Request().Context(), db.ClinicFromEcho(c), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateByTask(c echo.Context) error {
	var snap Snapshot
	if err := c.Bind(&snap); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.UpdateByTaskID(c.Request().Context(), db.ClinicFromEcho(c), c.Param("taskId"), snap)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteCheck(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	clinicID := db.ClinicFromEcho(c)
	rec, err := h.svc.GetByID(ctx, clinicID, id)
	if err != nil {
		return httpError(err)
	}
	if err := h.svc.Delete(ctx, clinicID, id); err != nil {
		return httpError(err)
	}
	h.manager.Stop(clinicID, rec.TaskID)
	h.mediator.Close(clinicID, rec.TaskID)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ClearAll(c echo.Context) error {
	clinicID := db.ClinicFromEcho(c)
	for _, taskID := range h.manager.Active(clinicID) {
		h.manager.Stop(clinicID, taskID)
	}
	n, err := h.svc.ClearAll(c.Request().Context(), clinicID)
	if err != nil {
		return httpError(err)
	}
	h.mediator.CloseClinic(clinicID)
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

// Presentation opens a view on a stored check. In-flight checks get a poller
// so the view is moved to the drawer when they resolve.
func (h *Handler) Presentation(c echo.Context) error {
	ctx := c.Request().Context()
	clinicID := db.ClinicFromEcho(c)
	rec, err := h.svc.GetByTaskID(ctx, clinicID, c.Param("taskId"))
	if err != nil {
		return httpError(err)
	}
	p := h.mediator.Open(clinicID, rec)
	if !rec.Status.Terminal() {
		if _, err := h.manager.Watch(ctx, clinicID, TaskRef{TaskID: rec.TaskID}); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ClosePresentation(c echo.Context) error {
	clinicID := db.ClinicFromEcho(c)
	taskID := c.Param("taskId")
	closed := h.mediator.Close(clinicID, taskID)
	stopped := h.manager.Stop(clinicID, taskID)
	return c.JSON(http.StatusOK, map[string]bool{"closed": closed, "stopped": stopped})
}

// Watch binds a poller to ?task_id= or to the most recent task of
// ?appointment_id= and returns the view decision for it.
func (h *Handler) Watch(c echo.Context) error {
	ref := TaskRef{TaskID: c.QueryParam("task_id"), AppointmentID: c.QueryParam("appointment_id")}
	if ref.TaskID == "" && ref.AppointmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id or appointment_id is required")
	}
	ctx := c.Request().Context()
	clinicID := db.ClinicFromEcho(c)
	taskID, err := h.manager.Watch(ctx, clinicID, ref)
	if err != nil {
		return httpError(err)
	}
	rec, err := h.svc.GetByTaskID(ctx, clinicID, taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return httpError(err)
	}
	p := h.mediator.Open(clinicID, rec)
	p.TaskID = taskID
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPollers(c echo.Context) error {
	ids := h.manager.Active(db.ClinicFromEcho(c))
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"task_ids": ids})
}

func nonNil(items []*CheckRecord) []*CheckRecord {
	if items == nil {
		return []*CheckRecord{}
	}
	return items
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStatusRegression), errors.Is(err, ErrDuplicateTask):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnresolvableTask):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrClinicRequired), errors.Is(err, ErrTaskIDRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

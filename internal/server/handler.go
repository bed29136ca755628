package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"DowTracker/internal/exporter"
	"DowTracker/internal/logger"
	"DowTracker/internal/model"
	"DowTracker/internal/scheduler"
)

// Tracker is the capture side of the control API.
type Tracker interface {
	Status() model.Status
	RefreshNow(ctx context.Context) scheduler.Capture
	BackfillToNow(ctx context.Context) scheduler.Capture
}

// Exporter is the export side of the control API.
type Exporter interface {
	ExportNow(ctx context.Context, day model.Day, reason model.ExportReason) error
	ForceFinal(ctx context.Context, day model.Day) error
}

// ExportRequest asks for an export of Day, today when empty.
type ExportRequest struct {
	Day    string `json:"day" validate:"omitempty,datetime=2006-01-02"`
	Reason string `json:"reason" default:"bucket-complete" validate:"oneof=bucket-complete forced-final"`
}

// ExportResponse reports an export outcome.
type ExportResponse struct {
	Day     model.Day `json:"day"`
	Reason  string    `json:"reason"`
	Outcome string    `json:"outcome"`
}

// Handler serves the control routes.
type Handler struct {
	tracker  Tracker
	exporter Exporter
	now      func() time.Time
	tt       model.Timetable
	log      *logger.Logger
}

// NewHandler creates a Handler. now may be nil.
func NewHandler(t Tracker, exp Exporter, tt model.Timetable, now func() time.Time, log *logger.Logger) *Handler {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{tracker: t, exporter: exp, now: now, tt: tt, log: log}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/status", h.Status)
	g.POST("/refresh", h.Refresh)
	g.POST("/backfill", h.Backfill)
	g.POST("/export", h.Export)
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (h *Handler) Status(c echo.Context) error {
	return dataResponse(c, http.StatusOK, h.tracker.Status())
}

func (h *Handler) Refresh(c echo.Context) error {
	return dataResponse(c, http.StatusOK, h.tracker.RefreshNow(c.Request().Context()))
}

func (h *Handler) Backfill(c echo.Context) error {
	return dataResponse(c, http.StatusOK, h.tracker.BackfillToNow(c.Request().Context()))
}

func (h *Handler) Export(c echo.Context) error {
	req := &ExportRequest{}
	if verrs := readRequest(c, req); verrs != nil {
		return dataResponse(c, http.StatusBadRequest, verrs)
	}
	day := h.tt.DayOf(h.now())
	if req.Day != "" {
		day = model.Day(req.Day)
	}

	final := model.ExportReason(req.Reason) == model.ReasonForcedFinal
	if final && !exporter.FinalDue(h.tt, day, h.now()) {
		return dataResponse(c, http.StatusConflict, []ValidationError{{
			Code:    "ERR_NOT_CLOSED",
			Field:   "Reason",
			Message: "forced-final is only allowed once the closing bucket is due",
		}})
	}

	ctx := c.Request().Context()
	var err error
	if final {
		err = h.exporter.ForceFinal(ctx, day)
	} else {
		err = h.exporter.ExportNow(ctx, day, model.ReasonBucketComplete)
	}

	resp := ExportResponse{Day: day, Reason: req.Reason, Outcome: exporter.OutcomeSuccess}
	switch {
	case errors.Is(err, exporter.ErrExportSkipped):
		resp.Outcome = exporter.OutcomeSkipped
	case err != nil:
		h.log.Error("export request", logger.String("day", day.String()), logger.Err(err))
		resp.Outcome = exporter.OutcomeFailure
		return dataResponse(c, http.StatusInternalServerError, resp)
	}
	return dataResponse(c, http.StatusOK, resp)
}

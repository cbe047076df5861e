package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/inquest/internal/store"
)

// SchedulesHandler manages recurring research questions.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	expr, err := cronexpr.Parse(req.Cron)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+err.Error())
	}
	userID, _ := c.Get("user_id").(string)

	rec, err := h.Store.CreateSchedule(c.Request().Context(), store.ScheduleRecord{
		Question:  req.Question,
		CronExpr:  req.Cron,
		CreatedBy: userID,
		NextRun:   expr.Next(time.Now()),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, scheduleResponse(rec))
}

func (h *SchedulesHandler) list(c echo.Context) error {
	records, err := h.Store.ListSchedules(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ScheduleResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, scheduleResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func scheduleResponse(rec store.ScheduleRecord) ScheduleResponse {
	return ScheduleResponse{
		ID:        rec.ID,
		Question:  rec.Question,
		Cron:      rec.CronExpr,
		CreatedAt: rec.CreatedAt,
		LastRun:   rec.LastRun,
		NextRun:   rec.NextRun,
	}
}

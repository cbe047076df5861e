package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
)

func TestCreateScheduleValidCron(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	handler := &SchedulesHandler{Store: st}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO schedules (question, cron_expr, created_by, next_run)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at
`)).
		WithArgs("daily ai digest", "0 8 * * *", "user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("sched-1", now))

	req := jsonRequest(http.MethodPost, "/api/schedules", `{"question":"daily ai digest","cron":"0 8 * * *"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "sched-1" || resp.Cron != "0 8 * * *" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.NextRun.After(now.Add(-time.Second)) {
		t.Fatalf("next run not in the future: %v", resp.NextRun)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateScheduleRejectsInvalidCron(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	handler := &SchedulesHandler{Store: st}

	req := jsonRequest(http.MethodPost, "/api/schedules", `{"question":"daily digest","cron":"every morning"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
	if msg, _ := httpErr.Message.(string); !strings.Contains(msg, "invalid cron") {
		t.Fatalf("unexpected message: %v", httpErr.Message)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateScheduleRequiresQuestion(t *testing.T) {
	e := echo.New()
	st, _ := newMockStore(t)
	handler := &SchedulesHandler{Store: st}

	req := jsonRequest(http.MethodPost, "/api/schedules", `{"question":"","cron":"0 8 * * *"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestListSchedules(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	handler := &SchedulesHandler{Store: st}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, question, cron_expr, created_by, created_at, last_run, next_run
FROM schedules
ORDER BY created_at DESC
`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "cron_expr", "created_by", "created_at", "last_run", "next_run"}).
			AddRow("sched-2", "newer", "0 9 * * *", "user-1", now, now.Add(-time.Hour), now.Add(time.Hour)).
			AddRow("sched-1", "older", "0 8 * * *", nil, now.Add(-time.Hour), nil, now.Add(2*time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := handler.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp []ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 || resp[0].ID != "sched-2" || resp[1].LastRun != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

package server

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/inquest/internal/engine"
	"github.com/mohammad-safakhou/inquest/internal/store"
)

const defaultArchiveWindow = 20

// Runner executes one research session under a caller-chosen id.
type Runner interface {
	RunWithID(ctx context.Context, sessionID, question string) (*engine.Report, []engine.TraceEvent, error)
}

// ReportCache is the question-keyed report cache in front of the engine.
// *store.ReportCache satisfies it.
type ReportCache interface {
	Get(ctx context.Context, question string) (*engine.Report, bool, error)
	Put(ctx context.Context, question string, report *engine.Report) error
}

// SessionsHandler exposes the async session API: accept a question, run the
// engine in the background, serve status, report and trace.
type SessionsHandler struct {
	Store  *store.Store
	Cache  ReportCache // optional
	Runner Runner
	Window int // episodic window used for archive snapshots
	Logger *log.Logger
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.GET("/:id/trace", h.trace)
	g.GET("/:id/episodes", h.episodes)
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	if h.Cache != nil {
		if report, hit, err := h.Cache.Get(c.Request().Context(), question); err == nil && hit {
			return c.JSON(http.StatusOK, CreateSessionResponse{
				SessionID: report.SessionID,
				Cached:    true,
				Report:    report,
			})
		}
	}

	id := uuid.NewString()
	if err := h.Store.CreateSession(c.Request().Context(), id, question); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	go h.runSession(id, question)

	return c.JSON(http.StatusAccepted, CreateSessionResponse{SessionID: id})
}

// runSession drives the engine outside the request lifecycle and persists
// whatever it produced.
func (h *SessionsHandler) runSession(id, question string) {
	ctx := context.Background()
	if err := h.Store.UpdateSessionStatus(ctx, id, store.SessionStatusRunning, ""); err != nil {
		h.logf("session %s: mark running: %v", id, err)
	}

	report, trace, err := h.Runner.RunWithID(ctx, id, question)
	if err != nil {
		h.logf("session %s: %v", id, err)
		if uerr := h.Store.UpdateSessionStatus(ctx, id, store.SessionStatusFailed, err.Error()); uerr != nil {
			h.logf("session %s: mark failed: %v", id, uerr)
		}
		if len(trace) > 0 {
			if terr := h.Store.SaveTraceEvents(ctx, id, trace); terr != nil {
				h.logf("session %s: save trace: %v", id, terr)
			}
		}
		return
	}

	if err := h.Store.SaveReport(ctx, report); err != nil {
		h.logf("session %s: save report: %v", id, err)
	}
	if err := h.Store.SaveTraceEvents(ctx, id, trace); err != nil {
		h.logf("session %s: save trace: %v", id, err)
	}
	for round, snapshot := range episodeWindows(trace, h.Window) {
		if err := h.Store.SaveEpisodeArchive(ctx, id, round, snapshot); err != nil {
			h.logf("session %s: archive round %d: %v", id, round, err)
		}
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, question, report); err != nil {
			h.logf("session %s: cache report: %v", id, err)
		}
	}
	if err := h.Store.UpdateSessionStatus(ctx, id, store.SessionStatusComplete, ""); err != nil {
		h.logf("session %s: mark complete: %v", id, err)
	}
}

func (h *SessionsHandler) get(c echo.Context) error {
	id := c.Param("id")
	rec, ok, err := h.Store.GetSession(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	resp := SessionResponse{
		SessionID: rec.ID,
		Question:  rec.Question,
		Status:    rec.Status,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status == store.SessionStatusComplete {
		if report, found, err := h.Store.GetReport(c.Request().Context(), id); err == nil && found {
			resp.Report = report
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *SessionsHandler) trace(c echo.Context) error {
	id := c.Param("id")
	_, ok, err := h.Store.GetSession(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	events, err := h.Store.ListTraceEvents(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, TraceResponse{SessionID: id, Events: events})
}

func (h *SessionsHandler) episodes(c echo.Context) error {
	id := c.Param("id")
	_, ok, err := h.Store.GetSession(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	archive, err := h.Store.ListEpisodeArchive(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rounds := make([]int, 0, len(archive))
	for r := range archive {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)
	resp := EpisodeArchiveResponse{SessionID: id, Rounds: make([]EpisodeRound, 0, len(rounds))}
	for _, r := range rounds {
		resp.Rounds = append(resp.Rounds, EpisodeRound{Round: r, Episodes: archive[r]})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *SessionsHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// episodeWindows rebuilds each round's episodic window from the tool-call
// trace. Workers emit one tool_call event per episode, so the trace carries
// the same summaries the in-memory window held.
func episodeWindows(events []engine.TraceEvent, window int) map[int][]engine.Episode {
	if window < 1 {
		window = defaultArchiveWindow
	}
	var episodes []engine.Episode
	rounds := map[int]bool{}
	for _, ev := range events {
		if ev.Kind != engine.TraceToolCall {
			continue
		}
		episodes = append(episodes, engine.Episode{
			Round:   ev.Round,
			TaskID:  ev.TaskID,
			Tool:    ev.Tool,
			Summary: ev.Detail,
			Failed:  ev.Err != "",
		})
		rounds[ev.Round] = true
	}
	if len(episodes) == 0 {
		return nil
	}

	ordered := make([]int, 0, len(rounds))
	for r := range rounds {
		ordered = append(ordered, r)
	}
	sort.Ints(ordered)

	out := make(map[int][]engine.Episode, len(ordered))
	for _, r := range ordered {
		var upTo []engine.Episode
		for _, ep := range episodes {
			if ep.Round <= r {
				upTo = append(upTo, ep)
			}
		}
		if len(upTo) > window {
			upTo = upTo[len(upTo)-window:]
		}
		out[r] = upTo
	}
	return out
}

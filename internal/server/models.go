package server

import (
	"time"

	"github.com/mohammad-safakhou/inquest/internal/engine"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// RegisterRequest represents the account registration payload.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents the login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// CreateSessionRequest asks for a new research session.
type CreateSessionRequest struct {
	Question string `json:"question"`
}

// CreateSessionResponse acknowledges an accepted session. For cache hits the
// stored report rides along and no new session starts.
type CreateSessionResponse struct {
	SessionID string         `json:"session_id"`
	Cached    bool           `json:"cached,omitempty"`
	Report    *engine.Report `json:"report,omitempty"`
}

// SessionResponse is the session status view, with the report attached once
// the session completes.
type SessionResponse struct {
	SessionID string         `json:"session_id"`
	Question  string         `json:"question"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Report    *engine.Report `json:"report,omitempty"`
}

// TraceResponse is the ordered execution trace of one session.
type TraceResponse struct {
	SessionID string              `json:"session_id"`
	Events    []engine.TraceEvent `json:"events"`
}

// EpisodeArchiveResponse carries the archived per-round episodic window
// snapshots of one session, in round order.
type EpisodeArchiveResponse struct {
	SessionID string         `json:"session_id"`
	Rounds    []EpisodeRound `json:"rounds"`
}

// EpisodeRound is the episodic window as it stood at the end of one round.
type EpisodeRound struct {
	Round    int              `json:"round"`
	Episodes []engine.Episode `json:"episodes"`
}

// CreateScheduleRequest registers a recurring research question.
type CreateScheduleRequest struct {
	Question string `json:"question"`
	Cron     string `json:"cron"`
}

// ScheduleResponse is one schedule row.
type ScheduleResponse struct {
	ID        string     `json:"id"`
	Question  string     `json:"question"`
	Cron      string     `json:"cron"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
}

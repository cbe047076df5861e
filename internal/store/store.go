// Package store persists sessions, reports, traces and episode archives to
// Postgres, with a Redis cache in front of report reads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/inquest/internal/engine"
)

// Session statuses persisted for async session processing.
const (
	SessionStatusPending  = "pending"
	SessionStatusRunning  = "running"
	SessionStatusComplete = "complete"
	SessionStatusFailed   = "failed"
)

type Store struct {
	DB *sql.DB
}

var (
	metricsOnce       sync.Once
	sessionsPersisted otelmetric.Int64Counter
	eventsPersisted   otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("inquest/store")
	sessionsPersisted, _ = meter.Int64Counter("store_sessions_persisted_total",
		otelmetric.WithDescription("Sessions written to Postgres"))
	eventsPersisted, _ = meter.Int64Counter("store_trace_events_persisted_total",
		otelmetric.WithDescription("Trace events written to Postgres"))
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	metricsOnce.Do(initStoreMetrics)
	return &Store{DB: db}, nil
}

// SessionRecord is one research session's lifecycle row.
type SessionRecord struct {
	ID        string
	Question  string
	Status    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateSession inserts a pending session row.
func (s *Store) CreateSession(ctx context.Context, id, question string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("question required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, question, status)
VALUES ($1,$2,$3)
`, id, question, SessionStatusPending)
	if err == nil && sessionsPersisted != nil {
		sessionsPersisted.Add(ctx, 1)
	}
	return err
}

// UpdateSessionStatus moves a session through its lifecycle. errMsg is only
// stored for failed sessions.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error {
	var errVal sql.NullString
	if strings.TrimSpace(errMsg) != "" {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET status=$2, error=$3, updated_at=NOW()
WHERE id=$1
`, id, status, errVal)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// GetSession fetches a session row; the bool reports existence.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, question, status, error, created_at, updated_at
FROM sessions
WHERE id=$1
`, id)
	var rec SessionRecord
	var errMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Question, &rec.Status, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return rec, true, nil
}

// SaveReport upserts the session's final report, denormalizing the columns
// the API filters on and keeping the full document as JSON.
func (s *Store) SaveReport(ctx context.Context, report *engine.Report) error {
	if report == nil || report.SessionID == "" {
		return fmt.Errorf("report with session id required")
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO reports (session_id, narrative, document, partial, degraded, rounds, tokens_used, cost, elapsed_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (session_id) DO UPDATE SET
  narrative   = EXCLUDED.narrative,
  document    = EXCLUDED.document,
  partial     = EXCLUDED.partial,
  degraded    = EXCLUDED.degraded,
  rounds      = EXCLUDED.rounds,
  tokens_used = EXCLUDED.tokens_used,
  cost        = EXCLUDED.cost,
  elapsed_ms  = EXCLUDED.elapsed_ms
`, report.SessionID, report.Narrative, doc, report.Partial, report.Degraded,
		report.Rounds, report.TokensUsed, report.Cost, report.Elapsed.Milliseconds())
	return err
}

// GetReport loads a session's report document; the bool reports existence.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*engine.Report, bool, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT document FROM reports WHERE session_id=$1
`, sessionID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var report engine.Report
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, false, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, true, nil
}

// SaveTraceEvents batch-inserts a session's ordered trace inside one
// transaction so a partial trace never persists.
func (s *Store) SaveTraceEvents(ctx context.Context, sessionID string, events []engine.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, ev := range events {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO trace_events (session_id, seq, occurred_at, kind, state, round, task_id, role, tool, detail, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, sessionID, ev.Seq, ev.Time, string(ev.Kind), ev.State, ev.Round, ev.TaskID, ev.Role, ev.Tool, ev.Detail, ev.Err); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if eventsPersisted != nil {
		eventsPersisted.Add(ctx, int64(len(events)))
	}
	return nil
}

// ListTraceEvents returns a session's trace in seq order.
func (s *Store) ListTraceEvents(ctx context.Context, sessionID string) ([]engine.TraceEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT seq, occurred_at, kind, state, round, task_id, role, tool, detail, error
FROM trace_events
WHERE session_id=$1
ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.TraceEvent
	for rows.Next() {
		var ev engine.TraceEvent
		var kind string
		if err := rows.Scan(&ev.Seq, &ev.Time, &kind, &ev.State, &ev.Round, &ev.TaskID, &ev.Role, &ev.Tool, &ev.Detail, &ev.Err); err != nil {
			return nil, err
		}
		ev.Kind = engine.TraceKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveEpisodeArchive stores one round's episodic window snapshot for replay.
func (s *Store) SaveEpisodeArchive(ctx context.Context, sessionID string, round int, episodes []engine.Episode) error {
	if len(episodes) == 0 {
		return nil
	}
	snapshot, err := json.Marshal(episodes)
	if err != nil {
		return fmt.Errorf("marshal episodes: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO episode_archive (session_id, round, snapshot)
VALUES ($1,$2,$3)
ON CONFLICT (session_id, round) DO UPDATE SET snapshot = EXCLUDED.snapshot
`, sessionID, round, snapshot)
	return err
}

// ListEpisodeArchive returns a session's per-round window snapshots keyed by
// round.
func (s *Store) ListEpisodeArchive(ctx context.Context, sessionID string) (map[int][]engine.Episode, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT round, snapshot FROM episode_archive
WHERE session_id=$1
ORDER BY round ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int][]engine.Episode{}
	for rows.Next() {
		var round int
		var snapshot []byte
		if err := rows.Scan(&round, &snapshot); err != nil {
			return nil, err
		}
		var episodes []engine.Episode
		if err := json.Unmarshal(snapshot, &episodes); err != nil {
			return nil, fmt.Errorf("unmarshal round %d snapshot: %w", round, err)
		}
		out[round] = episodes
	}
	return out, rows.Err()
}

// User operations back the API's register and login endpoints.

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id
`, email, passwordHash).Scan(&id)
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, passwordHash string, err error) {
	err = s.DB.QueryRowContext(ctx, `
SELECT id, password_hash FROM users WHERE email=$1
`, email).Scan(&id, &passwordHash)
	return
}

// ScheduleRecord is one recurring research question.
type ScheduleRecord struct {
	ID        string
	Question  string
	CronExpr  string
	CreatedBy string
	CreatedAt time.Time
	LastRun   *time.Time
	NextRun   time.Time
}

// CreateSchedule inserts a schedule with its precomputed next run.
func (s *Store) CreateSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	if strings.TrimSpace(rec.Question) == "" {
		return ScheduleRecord{}, fmt.Errorf("question required")
	}
	if strings.TrimSpace(rec.CronExpr) == "" {
		return ScheduleRecord{}, fmt.Errorf("cron expression required")
	}
	var createdBy sql.NullString
	if strings.TrimSpace(rec.CreatedBy) != "" {
		createdBy = sql.NullString{String: rec.CreatedBy, Valid: true}
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO schedules (question, cron_expr, created_by, next_run)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at
`, rec.Question, rec.CronExpr, createdBy, rec.NextRun)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return ScheduleRecord{}, err
	}
	return rec, nil
}

// ListSchedules returns every schedule, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, question, cron_expr, created_by, created_at, last_run, next_run
FROM schedules
ORDER BY created_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns schedules whose next run is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, question, cron_expr, created_by, created_at, last_run, next_run
FROM schedules
WHERE next_run <= $1
ORDER BY next_run ASC
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// MarkScheduleRun records a firing and advances the next run.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE schedules SET last_run=$2, next_run=$3 WHERE id=$1
`, id, ranAt, nextRun)
	return err
}

func scanSchedules(rows *sql.Rows) ([]ScheduleRecord, error) {
	var out []ScheduleRecord
	for rows.Next() {
		var rec ScheduleRecord
		var createdBy sql.NullString
		var lastRun sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Question, &rec.CronExpr, &createdBy, &rec.CreatedAt, &lastRun, &rec.NextRun); err != nil {
			return nil, err
		}
		if createdBy.Valid {
			rec.CreatedBy = createdBy.String
		}
		if lastRun.Valid {
			t := lastRun.Time
			rec.LastRun = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

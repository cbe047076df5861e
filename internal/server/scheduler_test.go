package server

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/inquest/internal/engine"
	"github.com/mohammad-safakhou/inquest/internal/store"
)

type fakeLocker struct {
	mu      sync.Mutex
	allow   bool
	unlocks []string
}

func (f *fakeLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allow, nil
}

func (f *fakeLocker) Unlock(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, name)
}

func (f *fakeLocker) unlocked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unlocks...)
}

func dueScheduleRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "question", "cron_expr", "created_by", "created_at", "last_run", "next_run"}).
		AddRow("sched-1", "daily digest", "0 8 * * *", nil, now.Add(-time.Hour), nil, now.Add(-time.Minute))
}

func TestSchedulerSkipsHeldLocks(t *testing.T) {
	st, mock := newMockStore(t)
	runner := &fakeRunner{report: &engine.Report{}}
	locker := &fakeLocker{allow: false}
	sched := &Scheduler{
		Store:    st,
		Locks:    locker,
		Sessions: &SessionsHandler{Store: st, Runner: runner},
		Stop:     make(chan struct{}),
	}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, question, cron_expr, created_by, created_at, last_run, next_run
FROM schedules
WHERE next_run <= $1
ORDER BY next_run ASC
`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(dueScheduleRows(time.Now()))

	sched.tick()

	if runner.callCount() != 0 {
		t.Fatalf("held lock must not fire the schedule")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	st, mock := newMockStore(t)
	runner := &fakeRunner{report: &engine.Report{Narrative: "scheduled digest"}}
	locker := &fakeLocker{allow: true}
	sched := &Scheduler{
		Store:    st,
		Locks:    locker,
		Sessions: &SessionsHandler{Store: st, Runner: runner},
		Stop:     make(chan struct{}),
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, question, cron_expr, created_by, created_at, last_run, next_run`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(dueScheduleRows(time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE schedules SET last_run=$2, next_run=$3 WHERE id=$1`)).
		WithArgs("sched-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).
		WithArgs(sqlmock.AnyArg(), "daily digest", store.SessionStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions`)).
		WithArgs(sqlmock.AnyArg(), store.SessionStatusRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reports`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions`)).
		WithArgs(sqlmock.AnyArg(), store.SessionStatusComplete, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched.tick()

	awaitExpectations(t, mock, 5*time.Second)

	if runner.callCount() != 1 {
		t.Fatalf("expected one engine run, got %d", runner.callCount())
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(locker.unlocked()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := locker.unlocked(); len(got) != 1 || got[0] != "sched:sched-1" {
		t.Fatalf("expected lock release for sched-1, got %v", got)
	}
}

func TestNextRunFallsBackDailyOnBadExpression(t *testing.T) {
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	if got := nextRun("definitely not cron", base); !got.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("expected daily fallback, got %v", got)
	}
	got := nextRun("0 8 * * *", base)
	want := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

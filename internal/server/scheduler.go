package server

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/inquest/internal/store"
)

// Locker is the distributed lock backend. *store.ReportCache satisfies it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string)
}

// Scheduler fires due schedules as fresh sessions. With Redis configured,
// a best-effort lock keeps multiple replicas from double-firing.
type Scheduler struct {
	Store    *store.Store
	Locks    Locker // optional
	Sessions *SessionsHandler
	Interval time.Duration
	Logger   *log.Logger
	Stop     chan struct{}
}

func (s *Scheduler) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	now := time.Now()
	due, err := s.Store.DueSchedules(ctx, now)
	if err != nil {
		s.logf("scheduler: list due: %v", err)
		return
	}
	for _, sched := range due {
		if s.Locks != nil {
			ok, err := s.Locks.TryLock(ctx, "sched:"+sched.ID, 2*time.Minute)
			if err != nil || !ok {
				continue
			}
		}

		next := nextRun(sched.CronExpr, now)
		if err := s.Store.MarkScheduleRun(ctx, sched.ID, now, next); err != nil {
			s.logf("scheduler: mark %s: %v", sched.ID, err)
			continue
		}

		sessionID := uuid.NewString()
		if err := s.Store.CreateSession(ctx, sessionID, sched.Question); err != nil {
			s.logf("scheduler: create session for %s: %v", sched.ID, err)
			continue
		}
		s.logf("scheduler: firing %s as session %s", sched.ID, sessionID)
		go func(schedID, sessionID, question string) {
			s.Sessions.runSession(sessionID, question)
			if s.Locks != nil {
				s.Locks.Unlock(context.Background(), "sched:"+schedID)
			}
		}(sched.ID, sessionID, sched.Question)
	}
}

// nextRun computes the next firing after base. Unparseable expressions fall
// back to daily so a bad row cannot wedge the loop.
func nextRun(cronSpec string, base time.Time) time.Time {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return base.Add(24 * time.Hour)
	}
	next := expr.Next(base)
	if next.IsZero() {
		return base.Add(24 * time.Hour)
	}
	return next
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrPlanning marks plan-construction failures; callers match it with
// errors.Is and read detail from PlanningError.
var ErrPlanning = errors.New("planning failed")

// PlanningError describes why a proposed plan was rejected. It is recorded
// in the trace when the session degrades to the default graph, and only
// fatal when even the first reasoning call is unreachable.
type PlanningError struct {
	Stage  string
	Detail string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning %s: %s: %v", e.Stage, e.Detail, e.Err)
	}
	return fmt.Sprintf("planning %s: %s", e.Stage, e.Detail)
}

func (e *PlanningError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrPlanning
}

func (e *PlanningError) Is(target error) bool { return target == ErrPlanning }

// TaskTimeoutError marks a task that exceeded its per-task budget. The task
// is failed with a stub finding; the round continues.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %v", e.TaskID, e.Timeout)
}

// TaskExecutionError marks a task that failed mid-execution (tool chain
// exhausted, completion call failed). Recoverable: stub finding.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// ReconciliationError marks a degraded merge. The segment it accompanies is
// still usable (verbatim listing); never fatal.
type ReconciliationError struct {
	Round int
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation round %d degraded: %v", e.Round, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// SessionTimeoutError marks round-budget exhaustion; the session finalizes
// with the material it has.
type SessionTimeoutError struct {
	Rounds int
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("round budget exhausted after %d rounds", e.Rounds)
}

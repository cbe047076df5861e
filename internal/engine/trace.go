package engine

import "time"

// TraceKind classifies execution-trace entries.
type TraceKind string

const (
	TraceState     TraceKind = "state"
	TracePlan      TraceKind = "plan"
	TraceDispatch  TraceKind = "dispatch"
	TraceToolCall  TraceKind = "tool_call"
	TraceFinding   TraceKind = "finding"
	TraceReconcile TraceKind = "reconcile"
	TraceEvaluate  TraceKind = "evaluate"
	TraceFinalize  TraceKind = "finalize"
	TraceError     TraceKind = "error"
)

// TraceEvent is one entry in the ordered execution trace. Seq is assigned by
// the supervisor's recorder, so the sequence of events is identical across
// runs with identical inputs even though workers execute concurrently.
type TraceEvent struct {
	Seq    int       `json:"seq"`
	Time   time.Time `json:"time"`
	Kind   TraceKind `json:"kind"`
	State  string    `json:"state,omitempty"`
	Round  int       `json:"round,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"error,omitempty"`
}

// recorder assigns sequence numbers. Single-writer: only the supervisor
// goroutine appends; workers hand their local events back through results.
type recorder struct {
	events []TraceEvent
	seq    int
}

func (r *recorder) add(ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.events = append(r.events, ev)
}

func (r *recorder) addAll(events []TraceEvent) {
	for _, ev := range events {
		r.add(ev)
	}
}

func (r *recorder) snapshot() []TraceEvent {
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

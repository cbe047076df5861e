package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/llm"
	"github.com/mohammad-safakhou/inquest/internal/telemetry"
	"github.com/mohammad-safakhou/inquest/internal/tools"
)

var engineTracer oteltrace.Tracer = otel.Tracer("inquest/engine")

// State names the supervisor's control-loop phases.
type State string

const (
	StatePlanning        State = "PLANNING"
	StateDispatching     State = "DISPATCHING"
	StateAwaitingResults State = "AWAITING_RESULTS"
	StateReconciling     State = "RECONCILING"
	StateEvaluating      State = "EVALUATING"
	StateFinalizing      State = "FINALIZING"
	StateTerminated      State = "TERMINATED"
)

// Supervisor drives a research session through the state machine
// PLANNING → DISPATCHING → AWAITING_RESULTS → RECONCILING → EVALUATING →
// {DISPATCHING | FINALIZING} → TERMINATED under a hard round budget.
type Supervisor struct {
	cfg      config.EngineConfig
	routing  config.RoutingConfig
	provider llm.Provider
	registry *tools.Registry
	tel      *telemetry.Telemetry
	logger   *log.Logger
}

// NewSupervisor wires a supervisor from its collaborators.
func NewSupervisor(cfg config.EngineConfig, routing config.RoutingConfig, provider llm.Provider, registry *tools.Registry, tel *telemetry.Telemetry) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		routing:  routing,
		provider: provider,
		registry: registry,
		tel:      tel,
		logger:   log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
}

// usageTracker wraps the session's reasoner and accumulates token/cost
// totals across every call the session makes, whichever component makes it.
type usageTracker struct {
	inner  Reasoner
	mu     sync.Mutex
	inTok  int64
	outTok int64
	cost   float64
}

func (u *usageTracker) Generate(ctx context.Context, system, user, model string) (string, error) {
	text, _, _, _, err := u.GenerateWithTokens(ctx, system, user, model)
	return text, err
}

func (u *usageTracker) GenerateWithTokens(ctx context.Context, system, user, model string) (string, int64, int64, float64, error) {
	text, inTok, outTok, cost, err := u.inner.GenerateWithTokens(ctx, system, user, model)
	u.mu.Lock()
	u.inTok += inTok
	u.outTok += outTok
	u.cost += cost
	u.mu.Unlock()
	return text, inTok, outTok, cost, err
}

func (u *usageTracker) totals() (int64, int64, float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inTok, u.outTok, u.cost
}

// Run executes one research session under a fresh session id.
func (s *Supervisor) Run(ctx context.Context, question string) (*Report, []TraceEvent, error) {
	return s.RunWithID(ctx, uuid.NewString(), question)
}

// RunWithID executes one research session under a caller-chosen id, so async
// callers can hand out the id before the session finishes. It always returns
// a Report (possibly Partial/Degraded) with the ordered trace; the only fatal
// path is the reasoning service being unreachable on the very first call.
func (s *Supervisor) RunWithID(ctx context.Context, sessionID, question string) (*Report, []TraceEvent, error) {
	start := time.Now()
	ctx, span := engineTracer.Start(ctx, "engine.session",
		oteltrace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("engine.max_rounds", s.cfg.MaxRounds),
		))
	defer span.End()

	rec := &recorder{}
	memory := NewMemory(s.cfg.EpisodeWindow)
	usage := &usageTracker{inner: llm.NewRouter(s.provider, s.routing)}

	planner := NewPlanner(usage, s.routing.ModelFor("architect"), s.cfg.MaxFanOut, nil)
	pool := newWorkerPool(s.registry, usage, s.cfg.MaxConcurrent, s.cfg.TaskTimeout, s.cfg.ToolRetries, s.tel, nil)
	reconciler := NewReconciler(usage, s.routing.ModelFor("analyst"), nil)
	var policy EvaluationPolicy = RoundCapPolicy{}
	if s.cfg.EvaluationPolicy == "llm" {
		policy = NewLLMPolicy(usage, s.routing.ModelFor("supervisor"), s.logger)
	}

	transition := func(state State, round int) {
		rec.add(TraceEvent{Kind: TraceState, State: string(state), Round: round})
		s.logger.Printf("session %s: %s (round %d)", sessionID, state, round)
	}

	transition(StatePlanning, 0)
	catalog := Catalog{Roles: DefaultRoles(s.catalogToolNames()), Tools: s.registry.Catalog()}
	planCtx, planSpan := engineTracer.Start(ctx, "engine.plan")
	graph, warn, err := planner.Build(planCtx, question, catalog)
	if err != nil {
		planSpan.RecordError(err)
		planSpan.SetStatus(codes.Error, err.Error())
		planSpan.End()
		rec.add(TraceEvent{Kind: TraceError, Detail: "planning fatal", Err: err.Error()})
		transition(StateTerminated, 0)
		span.SetStatus(codes.Error, err.Error())
		return nil, rec.snapshot(), fmt.Errorf("session %s: %w", sessionID, err)
	}
	planSpan.SetStatus(codes.Ok, "completed")
	planSpan.End()

	degraded := false
	partial := false
	if warn != nil {
		degraded = true
		rec.add(TraceEvent{Kind: TraceError, Detail: "plan degraded to default graph", Err: warn.Error()})
	}
	rec.add(TraceEvent{Kind: TracePlan, Detail: fmt.Sprintf("%d tasks, %d roles, merge %s", len(graph.Tasks), len(graph.Roles), graph.MergePolicy)})

	round := 0
	for {
		round++
		if ctx.Err() != nil {
			partial = true
			rec.add(TraceEvent{Kind: TraceError, Round: round, Err: ctx.Err().Error()})
			break
		}

		roundFindings := s.runDispatchWaves(ctx, rec, pool, &graph, memory, round, transition)

		transition(StateReconciling, round)
		sort.Slice(roundFindings, func(i, j int) bool { return roundFindings[i].TaskID < roundFindings[j].TaskID })
		reconCtx, reconSpan := engineTracer.Start(ctx, "engine.reconcile", oteltrace.WithAttributes(attribute.Int("round", round)))
		segment, rerr := reconciler.Merge(reconCtx, round, question, roundFindings)
		if rerr != nil {
			reconSpan.RecordError(rerr)
			reconSpan.SetStatus(codes.Error, rerr.Error())
		} else {
			reconSpan.SetStatus(codes.Ok, "completed")
		}
		reconSpan.End()
		memory.RecordSegment(segment)
		rec.add(TraceEvent{Kind: TraceReconcile, Round: round, Detail: truncate(segment.Text, 160)})
		if rerr != nil {
			degraded = true
			rec.add(TraceEvent{Kind: TraceError, Round: round, Err: rerr.Error()})
		}

		transition(StateEvaluating, round)
		if round >= s.cfg.MaxRounds {
			if n := pendingCount(&graph); n > 0 {
				partial = true
				timeoutErr := &SessionTimeoutError{Rounds: round}
				rec.add(TraceEvent{Kind: TraceError, Round: round, Detail: fmt.Sprintf("%d tasks never ran", n), Err: timeoutErr.Error()})
			}
			rec.add(TraceEvent{Kind: TraceEvaluate, Round: round, Detail: "round budget exhausted; finalizing"})
			break
		}
		if pendingCount(&graph) > 0 {
			rec.add(TraceEvent{Kind: TraceEvaluate, Round: round, Detail: "planned tasks remain; continuing"})
			continue
		}

		decision, derr := policy.Decide(ctx, EvalInput{
			Question:  question,
			Round:     round,
			MaxRounds: s.cfg.MaxRounds,
			Findings:  roundFindings,
			Segments:  memory.Segments(),
			Roles:     graph.Roles,
		})
		if derr != nil {
			rec.add(TraceEvent{Kind: TraceError, Round: round, Err: derr.Error()})
			decision = Decision{Finish: true, Reason: "evaluation failed"}
		}
		if decision.Finish {
			rec.add(TraceEvent{Kind: TraceEvaluate, Round: round, Detail: "sufficient: " + decision.Reason})
			break
		}
		added := s.appendFollowUps(&graph, decision.FollowUps, question, round+1)
		rec.add(TraceEvent{Kind: TraceEvaluate, Round: round, Detail: fmt.Sprintf("continue: %d follow-up tasks", added)})
		if added == 0 {
			break
		}
	}

	transition(StateFinalizing, round)
	segments := memory.Segments()
	for _, seg := range segments {
		if seg.Degraded {
			degraded = true
		}
	}
	findings := memory.Findings()
	for _, f := range findings {
		if f.Err != "" {
			partial = true
		}
	}
	inTok, outTok, cost := usage.totals()
	report := &Report{
		SessionID:  sessionID,
		Question:   question,
		Narrative:  joinSegments(segments),
		Segments:   segments,
		Findings:   findings,
		Rounds:     round,
		Partial:    partial,
		Degraded:   degraded,
		TokensUsed: inTok + outTok,
		Cost:       cost,
		Elapsed:    time.Since(start),
	}
	rec.add(TraceEvent{Kind: TraceFinalize, Round: round, Detail: fmt.Sprintf("%d segments, %d findings", len(segments), len(findings))})
	transition(StateTerminated, round)
	span.SetAttributes(
		attribute.Int("engine.rounds", round),
		attribute.Bool("report.partial", partial),
		attribute.Bool("report.degraded", degraded),
	)
	span.SetStatus(codes.Ok, "completed")

	if s.tel != nil {
		s.tel.RecordSession(ctx, telemetry.SessionEvent{
			ID:           sessionID,
			Query:        question,
			Rounds:       round,
			Tasks:        len(findings),
			Duration:     report.Elapsed,
			Success:      true,
			Cost:         cost,
			InputTokens:  inTok,
			OutputTokens: outTok,
		})
	}
	return report, rec.snapshot(), nil
}

// runDispatchWaves dispatches the round's ready tasks, waiting out each wave
// so dependency chains inside a round resolve without burning extra rounds.
func (s *Supervisor) runDispatchWaves(ctx context.Context, rec *recorder, pool *workerPool, graph *TaskGraph, memory *Memory, round int, transition func(State, int)) []Finding {
	var roundFindings []Finding
	for {
		ready := readyTasks(graph, round)
		if len(ready) == 0 {
			return roundFindings
		}
		if graph.MergePolicy == MergeSequential {
			ready = ready[:1]
		}

		transition(StateDispatching, round)
		for i := range ready {
			setStatus(graph, ready[i].ID, TaskRunning)
			rec.add(TraceEvent{Kind: TraceDispatch, Round: round, TaskID: ready[i].ID, Role: ready[i].Role, Detail: truncate(ready[i].Question, 120)})
		}

		transition(StateAwaitingResults, round)
		dispatchCtx, dispatchSpan := engineTracer.Start(ctx, "engine.dispatch",
			oteltrace.WithAttributes(attribute.Int("round", round), attribute.Int("tasks", len(ready))))
		results := pool.runRound(dispatchCtx, ready, graph, memory.Snapshot())
		dispatchSpan.End()

		for _, r := range results {
			setStatus(graph, r.taskID, r.status)
			rec.addAll(r.events)
			for _, ep := range r.episodes {
				memory.RecordEpisode(ep)
			}
			memory.RecordFinding(r.finding)
			roundFindings = append(roundFindings, r.finding)
			rec.add(TraceEvent{Kind: TraceFinding, Round: round, TaskID: r.taskID, Role: r.finding.Role, Detail: truncate(r.finding.Claim, 120), Err: r.finding.Err})
		}
	}
}

// readyTasks returns the pending tasks due this round whose dependencies
// have all finished (done or failed), sorted by id.
func readyTasks(graph *TaskGraph, round int) []ResearchTask {
	status := make(map[string]TaskStatus, len(graph.Tasks))
	for _, t := range graph.Tasks {
		status[t.ID] = t.Status
	}
	var out []ResearchTask
	for _, t := range graph.Tasks {
		if t.Status != TaskPending || t.Round > round {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if st, ok := status[dep]; ok && st != TaskDone && st != TaskFailed {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func setStatus(graph *TaskGraph, id string, status TaskStatus) {
	for i := range graph.Tasks {
		if graph.Tasks[i].ID == id {
			graph.Tasks[i].Status = status
			return
		}
	}
}

func pendingCount(graph *TaskGraph) int {
	n := 0
	for _, t := range graph.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// appendFollowUps turns a continue decision into next-round tasks, capped by
// the fan-out ceiling.
func (s *Supervisor) appendFollowUps(graph *TaskGraph, followUps []FollowUp, question string, round int) int {
	var tasks []ResearchTask
	for i, f := range followUps {
		role, ok := graph.Role(f.Role)
		if !ok {
			continue
		}
		q := strings.TrimSpace(f.Instruction)
		if q == "" {
			q = question
		}
		tasks = append(tasks, ResearchTask{
			ID:           fmt.Sprintf("r%d-%s-%d", round, role.Name, i+1),
			Question:     q,
			Role:         role.Name,
			AllowedTools: append([]string(nil), role.AllowedTools...),
			Priority:     1,
			Round:        round,
			Status:       TaskPending,
		})
	}
	tasks = truncateFanOut(tasks, s.cfg.MaxFanOut)
	graph.Tasks = append(graph.Tasks, tasks...)
	return len(tasks)
}

func (s *Supervisor) catalogToolNames() []string {
	cards := s.registry.Catalog()
	names := make([]string, 0, len(cards))
	for _, c := range cards {
		names = append(names, c.Name)
	}
	return names
}

func joinSegments(segments []NarrativeSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n\n")
}

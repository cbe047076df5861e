package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/inquest/internal/tools"
)

type reasonerCall struct {
	system string
	user   string
	model  string
}

// scriptReasoner replays canned replies in call order. An entry in errs at
// the same index takes precedence over the reply.
type scriptReasoner struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []reasonerCall
}

func (s *scriptReasoner) Generate(ctx context.Context, system, user, model string) (string, error) {
	text, _, _, _, err := s.GenerateWithTokens(ctx, system, user, model)
	return text, err
}

func (s *scriptReasoner) GenerateWithTokens(ctx context.Context, system, user, model string) (string, int64, int64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, reasonerCall{system: system, user: user, model: model})
	if i < len(s.errs) && s.errs[i] != nil {
		return "", 0, 0, 0, s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], 100, 50, 0.01, nil
	}
	return "", 0, 0, 0, fmt.Errorf("script exhausted after %d calls", i)
}

func (s *scriptReasoner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptReasoner) call(i int) reasonerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testCatalog() Catalog {
	card := tools.Card{
		Name:        "web_search",
		Description: "search the public web",
		InputSchema: tools.ObjectSchema(map[string]interface{}{"query": map[string]interface{}{"type": "string"}}, "query"),
		CostTier:    tools.TierLow,
	}
	return Catalog{Roles: DefaultRoles([]string{"web_search"}), Tools: []tools.Card{card}}
}

const validPlanJSON = `{
  "tasks": [
    {"id": "t1", "question": "trace the protocol history", "role": "researcher", "allowed_tools": ["web_search"], "priority": 2},
    {"id": "t2", "question": "summarize adoption data", "role": "researcher", "allowed_tools": ["web_search"], "depends_on": ["t1"], "priority": 1}
  ],
  "merge_policy": "parallel-then-reconcile"
}`

func TestPlannerAcceptsValidPlan(t *testing.T) {
	reasoner := &scriptReasoner{replies: []string{"```json\n" + validPlanJSON + "\n```"}}
	p := NewPlanner(reasoner, "advanced", 5, quietLogger())

	graph, warn, err := p.Build(context.Background(), "how did the protocol spread", testCatalog())
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if len(graph.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(graph.Tasks))
	}
	if graph.Tasks[0].Status != TaskPending || graph.Tasks[0].Round != 1 {
		t.Fatalf("task defaults not applied: %+v", graph.Tasks[0])
	}
	if _, ok := graph.Role("researcher"); !ok {
		t.Fatalf("catalog roles were not merged into the graph")
	}
	if reasoner.callCount() != 1 {
		t.Fatalf("expected a single planning call, got %d", reasoner.callCount())
	}
}

func TestPlannerCorrectiveRetryRepairsPlan(t *testing.T) {
	duplicate := `{"tasks":[{"id":"t1","question":"a","role":"researcher"},{"id":"t1","question":"b","role":"researcher"}]}`
	reasoner := &scriptReasoner{replies: []string{duplicate, validPlanJSON}}
	p := NewPlanner(reasoner, "advanced", 5, quietLogger())

	graph, warn, err := p.Build(context.Background(), "question", testCatalog())
	if err != nil || warn != nil {
		t.Fatalf("expected repaired plan, got warn=%v err=%v", warn, err)
	}
	if len(graph.Tasks) != 2 {
		t.Fatalf("expected repaired plan's 2 tasks, got %d", len(graph.Tasks))
	}
	if reasoner.callCount() != 2 {
		t.Fatalf("expected 2 planning calls, got %d", reasoner.callCount())
	}
	if !strings.Contains(reasoner.call(1).user, "rejected") {
		t.Fatalf("corrective prompt did not explain the rejection:\n%s", reasoner.call(1).user)
	}
	if !strings.Contains(reasoner.call(1).user, "duplicate task id") {
		t.Fatalf("corrective prompt did not name the problem:\n%s", reasoner.call(1).user)
	}
}

func TestPlannerFallsBackToDefaultGraph(t *testing.T) {
	reasoner := &scriptReasoner{replies: []string{"not json at all", "still not json"}}
	p := NewPlanner(reasoner, "advanced", 5, quietLogger())

	graph, warn, err := p.Build(context.Background(), "how do tidal generators work", testCatalog())
	if err != nil {
		t.Fatalf("fallback must not be fatal: %v", err)
	}
	if warn == nil {
		t.Fatalf("expected a planning warning")
	}
	if !errors.Is(warn, ErrPlanning) {
		t.Fatalf("warning should match ErrPlanning, got %v", warn)
	}
	if len(graph.Tasks) != 1 || graph.Tasks[0].ID != "research-1" {
		t.Fatalf("expected single default task, got %+v", graph.Tasks)
	}
	if graph.Tasks[0].Role != "researcher" {
		t.Fatalf("default task should use the researcher role, got %q", graph.Tasks[0].Role)
	}
}

func TestPlannerComparativeDefaultGraph(t *testing.T) {
	reasoner := &scriptReasoner{replies: []string{"bad", "bad"}}
	p := NewPlanner(reasoner, "advanced", 5, quietLogger())

	graph, warn, err := p.Build(context.Background(), "Compare PostgreSQL and MySQL for transactional workloads", testCatalog())
	if err != nil || warn == nil {
		t.Fatalf("expected degraded default graph, got warn=%v err=%v", warn, err)
	}
	if len(graph.Tasks) != 2 {
		t.Fatalf("comparative question should fan out to 2 tasks, got %d", len(graph.Tasks))
	}
	if graph.Tasks[0].ID != "research-a" || graph.Tasks[1].ID != "research-b" {
		t.Fatalf("unexpected default task ids: %s, %s", graph.Tasks[0].ID, graph.Tasks[1].ID)
	}
	if !strings.Contains(graph.Tasks[0].Question, "PostgreSQL") || !strings.Contains(graph.Tasks[1].Question, "MySQL") {
		t.Fatalf("subjects not split: %q / %q", graph.Tasks[0].Question, graph.Tasks[1].Question)
	}
}

func TestPlannerFatalWhenReasonerUnreachable(t *testing.T) {
	reasoner := &scriptReasoner{errs: []error{fmt.Errorf("connection refused")}}
	p := NewPlanner(reasoner, "advanced", 5, quietLogger())

	_, _, err := p.Build(context.Background(), "question", testCatalog())
	if err == nil {
		t.Fatalf("expected fatal error when the first call fails")
	}
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("fatal error should match ErrPlanning, got %v", err)
	}
	var perr *PlanningError
	if !errors.As(err, &perr) || perr.Stage != "initial" {
		t.Fatalf("expected initial-stage PlanningError, got %v", err)
	}
}

func TestValidateGraphRejections(t *testing.T) {
	catalog := testCatalog()
	cases := []struct {
		name    string
		graph   TaskGraph
		wantErr string
	}{
		{
			name:    "no tasks",
			graph:   TaskGraph{Roles: catalog.Roles},
			wantErr: "no tasks",
		},
		{
			name: "duplicate id",
			graph: TaskGraph{Roles: catalog.Roles, Tasks: []ResearchTask{
				{ID: "t1", Role: "researcher"},
				{ID: "t1", Role: "researcher"},
			}},
			wantErr: "duplicate task id",
		},
		{
			name: "unknown role",
			graph: TaskGraph{Roles: catalog.Roles, Tasks: []ResearchTask{
				{ID: "t1", Role: "prospector"},
			}},
			wantErr: "unknown role",
		},
		{
			name: "unknown tool",
			graph: TaskGraph{Roles: catalog.Roles, Tasks: []ResearchTask{
				{ID: "t1", Role: "researcher", AllowedTools: []string{"crystal_ball"}},
			}},
			wantErr: "unknown tool",
		},
		{
			name: "missing dependency",
			graph: TaskGraph{Roles: catalog.Roles, Tasks: []ResearchTask{
				{ID: "t1", Role: "researcher", DependsOn: []string{"ghost"}},
			}},
			wantErr: "missing task",
		},
		{
			name: "cycle",
			graph: TaskGraph{Roles: catalog.Roles, Tasks: []ResearchTask{
				{ID: "t1", Role: "researcher", DependsOn: []string{"t2"}},
				{ID: "t2", Role: "researcher", DependsOn: []string{"t1"}},
			}},
			wantErr: "cycle",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateGraph(&tc.graph, catalog)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTruncateFanOutDeterministic(t *testing.T) {
	tasks := []ResearchTask{
		{ID: "t1", Round: 1, Priority: 1},
		{ID: "t2", Round: 1, Priority: 3},
		{ID: "t3", Round: 1, Priority: 2},
		{ID: "t4", Round: 1, Priority: 3},
		{ID: "t5", Round: 1, Priority: 1, DependsOn: []string{"t2", "t1"}},
	}
	got := truncateFanOut(tasks, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(got))
	}
	// Highest priority first, ties by id: t2, t4, then t3.
	wantIDs := []string{"t2", "t3", "t4"}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Fatalf("survivor %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
	// Deterministic across shuffles of the input.
	again := truncateFanOut([]ResearchTask{tasks[4], tasks[2], tasks[0], tasks[3], tasks[1]}, 3)
	for i := range got {
		if again[i].ID != got[i].ID {
			t.Fatalf("truncation depends on input order: %s vs %s", again[i].ID, got[i].ID)
		}
	}
}

func TestTruncateFanOutScrubsDanglingDeps(t *testing.T) {
	tasks := []ResearchTask{
		{ID: "t1", Round: 1, Priority: 1},
		{ID: "t2", Round: 1, Priority: 3},
		{ID: "t3", Round: 1, Priority: 3, DependsOn: []string{"t1", "t2"}},
	}
	got := truncateFanOut(tasks, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(got))
	}
	for _, task := range got {
		for _, dep := range task.DependsOn {
			if dep == "t1" {
				t.Fatalf("task %s still depends on truncated t1", task.ID)
			}
		}
	}
}

func TestTruncateFanOutIsPerRound(t *testing.T) {
	tasks := []ResearchTask{
		{ID: "a1", Round: 1, Priority: 1},
		{ID: "a2", Round: 1, Priority: 1},
		{ID: "b1", Round: 2, Priority: 1},
		{ID: "b2", Round: 2, Priority: 1},
	}
	got := truncateFanOut(tasks, 2)
	if len(got) != 4 {
		t.Fatalf("ceiling applies per round, not across rounds: got %d tasks", len(got))
	}
}

func TestSplitComparative(t *testing.T) {
	cases := []struct {
		question string
		wantA    string
		wantB    string
		wantOK   bool
	}{
		{"PostgreSQL vs MySQL", "PostgreSQL", "MySQL", true},
		{"Rust versus Go?", "Rust", "Go", true},
		{"Compare solar and wind for grid storage", "solar", "wind for grid storage", true},
		{"What is the difference between TCP and UDP?", "TCP", "UDP", true},
		{"How does TCP congestion control work", "", "", false},
	}
	for _, tc := range cases {
		a, b, ok := splitComparative(tc.question)
		if ok != tc.wantOK {
			t.Fatalf("%q: expected ok=%v, got %v", tc.question, tc.wantOK, ok)
		}
		if !ok {
			continue
		}
		if a != tc.wantA || b != tc.wantB {
			t.Fatalf("%q: expected (%q, %q), got (%q, %q)", tc.question, tc.wantA, tc.wantB, a, b)
		}
	}
}

func TestFindCycle(t *testing.T) {
	acyclic := []ResearchTask{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
		{ID: "t3", DependsOn: []string{"t1", "t2"}},
	}
	if got := findCycle(acyclic); got != "" {
		t.Fatalf("acyclic graph reported cycle at %q", got)
	}
	cyclic := []ResearchTask{
		{ID: "t1", DependsOn: []string{"t3"}},
		{ID: "t2", DependsOn: []string{"t1"}},
		{ID: "t3", DependsOn: []string{"t2"}},
	}
	if got := findCycle(cyclic); got == "" {
		t.Fatalf("cycle not detected")
	}
}

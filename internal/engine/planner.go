package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/inquest/internal/llm"
)

// Planner asks the architect-tier model for a task graph and validates it.
// One corrective retry on an invalid plan, then the default graph; the
// session never aborts over a bad plan.
type Planner struct {
	reasoner  Reasoner
	model     string
	maxFanOut int
	logger    *log.Logger
}

// NewPlanner builds a planner. model is the architect-tier model key.
func NewPlanner(reasoner Reasoner, model string, maxFanOut int, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	if maxFanOut < 1 {
		maxFanOut = 5
	}
	return &Planner{reasoner: reasoner, model: model, maxFanOut: maxFanOut, logger: logger}
}

const plannerSystemPrompt = `You are the architect of a research engine. Decompose the research question into parallel sub-tasks for the available roles. Reply with a single JSON object and nothing else.`

// Build produces the session's task graph. The returned *PlanningError is a
// warning: non-nil when the proposed plan was rejected and the default graph
// was used. The error return is fatal and only set when the reasoning
// service is unreachable on the very first call.
func (p *Planner) Build(ctx context.Context, question string, catalog Catalog) (TaskGraph, *PlanningError, error) {
	reply, err := p.reasoner.Generate(ctx, plannerSystemPrompt, p.planPrompt(question, catalog, ""), p.model)
	if err != nil {
		return TaskGraph{}, nil, &PlanningError{Stage: "initial", Detail: "reasoning service unreachable", Err: err}
	}

	graph, verr := p.parsePlan(reply, catalog)
	if verr == nil {
		return graph, nil, nil
	}
	p.logger.Printf("plan rejected (%v); retrying with corrective prompt", verr)

	reply, err = p.reasoner.Generate(ctx, plannerSystemPrompt, p.planPrompt(question, catalog, verr.Error()), p.model)
	if err == nil {
		if graph, verr2 := p.parsePlan(reply, catalog); verr2 == nil {
			return graph, nil, nil
		} else {
			verr = verr2
		}
	} else {
		verr = fmt.Errorf("corrective call failed: %w", err)
	}

	p.logger.Printf("corrective plan rejected (%v); using default graph", verr)
	return p.defaultGraph(question, catalog), &PlanningError{Stage: "validation", Detail: verr.Error()}, nil
}

func (p *Planner) planPrompt(question string, catalog Catalog, problem string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nAvailable roles:\n", question)
	for _, r := range catalog.Roles {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Name, r.ModelTier, r.Goal)
	}
	b.WriteString("\nAvailable tools:\n")
	for _, t := range catalog.Tools {
		fmt.Fprintf(&b, "- %s (cost %s): %s\n", t.Name, t.CostTier, t.Description)
	}
	fmt.Fprintf(&b, `
Output schema:
{"roles":[{"name":"...","goal":"...","allowed_tools":["..."],"model_tier":"advanced|standard|basic"}],
 "tasks":[{"id":"t1","question":"...","role":"...","allowed_tools":["..."],"depends_on":[],"priority":1}],
 "merge_policy":"parallel-then-reconcile"}

Rules: at most %d tasks; task ids unique; depends_on may only reference task ids in this plan; allowed_tools only from the tool list; role names from the role list or declared in roles.
`, p.maxFanOut)
	if problem != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected: %s\nFix the problem and output the corrected JSON.\n", problem)
	}
	return b.String()
}

// parsePlan extracts, decodes, normalizes and validates a proposed graph.
func (p *Planner) parsePlan(reply string, catalog Catalog) (TaskGraph, error) {
	raw := llm.ExtractFirstJSON(llm.StripCodeFences(reply))
	if err := ValidatePlanDocument([]byte(raw)); err != nil {
		return TaskGraph{}, err
	}
	var graph TaskGraph
	if err := json.Unmarshal([]byte(raw), &graph); err != nil {
		return TaskGraph{}, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	normalizeGraph(&graph, catalog)
	if err := validateGraph(&graph, catalog); err != nil {
		return TaskGraph{}, err
	}
	graph.Tasks = truncateFanOut(graph.Tasks, p.maxFanOut)
	return graph, nil
}

// normalizeGraph fills defaults: round numbers, pending status, generated
// ids, role-inherited tool permissions, merged role catalogs.
func normalizeGraph(graph *TaskGraph, catalog Catalog) {
	if graph.MergePolicy == "" {
		graph.MergePolicy = MergeParallel
	}
	declared := map[string]bool{}
	for i := range graph.Roles {
		graph.Roles[i].Name = strings.ToLower(strings.TrimSpace(graph.Roles[i].Name))
		switch graph.Roles[i].ModelTier {
		case ModelTierAdvanced, ModelTierStandard, ModelTierBasic:
		default:
			graph.Roles[i].ModelTier = ModelTierStandard
		}
		declared[graph.Roles[i].Name] = true
	}
	// Catalog roles referenced by tasks are part of the graph even when the
	// plan omits their specs.
	for _, r := range catalog.Roles {
		if !declared[strings.ToLower(r.Name)] {
			graph.Roles = append(graph.Roles, r)
		}
	}

	for i := range graph.Tasks {
		t := &graph.Tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		t.Role = strings.ToLower(strings.TrimSpace(t.Role))
		if t.Round == 0 {
			t.Round = 1
		}
		t.Status = TaskPending
		if len(t.AllowedTools) == 0 {
			if role, ok := graph.Role(t.Role); ok {
				t.AllowedTools = append([]string(nil), role.AllowedTools...)
			}
		}
	}
}

func validateGraph(graph *TaskGraph, catalog Catalog) error {
	if len(graph.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	ids := make(map[string]bool, len(graph.Tasks))
	for _, t := range graph.Tasks {
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
		if _, ok := graph.Role(t.Role); !ok {
			return fmt.Errorf("task %s references unknown role %q", t.ID, t.Role)
		}
		for _, tool := range t.AllowedTools {
			if !catalog.HasTool(tool) {
				return fmt.Errorf("task %s references unknown tool %q", t.ID, tool)
			}
		}
	}
	for _, r := range graph.Roles {
		for _, tool := range r.AllowedTools {
			if !catalog.HasTool(tool) {
				return fmt.Errorf("role %s references unknown tool %q", r.Name, tool)
			}
		}
	}
	for _, t := range graph.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s depends on missing task %q", t.ID, dep)
			}
		}
	}
	if cycle := findCycle(graph.Tasks); cycle != "" {
		return fmt.Errorf("dependency cycle through task %q", cycle)
	}
	return nil
}

// findCycle runs DFS with a recursion stack and returns a task id on the
// cycle, or "" when the graph is acyclic.
func findCycle(tasks []ResearchTask) string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(tasks))
	var cycleAt string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				cycleAt = dep
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		state[id] = finished
		return false
	}
	for _, t := range tasks {
		if state[t.ID] == unvisited && visit(t.ID) {
			return cycleAt
		}
	}
	return ""
}

// truncateFanOut enforces the per-round task ceiling: tasks are kept by
// descending priority, ties broken by ascending id, so truncation is
// deterministic. Survivors are returned in id order.
func truncateFanOut(tasks []ResearchTask, max int) []ResearchTask {
	byRound := make(map[int][]ResearchTask)
	rounds := []int{}
	for _, t := range tasks {
		if _, ok := byRound[t.Round]; !ok {
			rounds = append(rounds, t.Round)
		}
		byRound[t.Round] = append(byRound[t.Round], t)
	}
	sort.Ints(rounds)

	var out []ResearchTask
	for _, round := range rounds {
		group := byRound[round]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority > group[j].Priority
			}
			return group[i].ID < group[j].ID
		})
		if len(group) > max {
			group = group[:max]
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		out = append(out, group...)
	}

	// Drop dependencies on truncated tasks so survivors still dispatch.
	kept := make(map[string]bool, len(out))
	for _, t := range out {
		kept[t.ID] = true
	}
	for i := range out {
		deps := out[i].DependsOn[:0]
		for _, dep := range out[i].DependsOn {
			if kept[dep] {
				deps = append(deps, dep)
			}
		}
		out[i].DependsOn = deps
	}
	return out
}

// defaultGraph is the deterministic fallback: two researchers for
// comparative questions, one otherwise, with the analyst handling the merge.
func (p *Planner) defaultGraph(question string, catalog Catalog) TaskGraph {
	roles := catalog.Roles
	if len(roles) == 0 {
		roles = DefaultRoles(toolNames(catalog))
	}
	graph := TaskGraph{Roles: roles, MergePolicy: MergeParallel}

	research := toolNames(catalog)
	if a, b, ok := splitComparative(question); ok {
		graph.Tasks = []ResearchTask{
			{ID: "research-a", Question: fmt.Sprintf("Research %s (in the context of: %s)", a, question), Role: "researcher", AllowedTools: research, Priority: 2, Round: 1, Status: TaskPending},
			{ID: "research-b", Question: fmt.Sprintf("Research %s (in the context of: %s)", b, question), Role: "researcher", AllowedTools: research, Priority: 2, Round: 1, Status: TaskPending},
		}
		return graph
	}
	graph.Tasks = []ResearchTask{
		{ID: "research-1", Question: question, Role: "researcher", AllowedTools: research, Priority: 1, Round: 1, Status: TaskPending},
	}
	return graph
}

func toolNames(catalog Catalog) []string {
	names := make([]string, 0, len(catalog.Tools))
	for _, t := range catalog.Tools {
		names = append(names, t.Name)
	}
	return names
}

// splitComparative detects "X vs Y" style questions and extracts the two
// subjects for parallel research.
func splitComparative(question string) (string, string, bool) {
	q := strings.TrimRight(strings.TrimSpace(question), "?.!")
	lower := strings.ToLower(q)
	for _, sep := range []string{" versus ", " vs. ", " vs "} {
		if i := strings.Index(lower, sep); i > 0 {
			a := strings.TrimSpace(q[:i])
			b := strings.TrimSpace(q[i+len(sep):])
			if a != "" && b != "" {
				return trimComparePrefix(a), b, true
			}
		}
	}
	if strings.Contains(lower, "compare ") {
		rest := q[strings.Index(lower, "compare ")+len("compare "):]
		for _, sep := range []string{" and ", " with ", " to "} {
			if i := strings.Index(strings.ToLower(rest), sep); i > 0 {
				a := strings.TrimSpace(rest[:i])
				b := strings.TrimSpace(rest[i+len(sep):])
				if a != "" && b != "" {
					return a, b, true
				}
			}
		}
	}
	if i := strings.Index(lower, "difference between "); i >= 0 {
		rest := q[i+len("difference between "):]
		if j := strings.Index(strings.ToLower(rest), " and "); j > 0 {
			a := strings.TrimSpace(rest[:j])
			b := strings.TrimSpace(rest[j+len(" and "):])
			if a != "" && b != "" {
				return a, b, true
			}
		}
	}
	return "", "", false
}

func trimComparePrefix(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"compare ", "how does ", "what about "} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

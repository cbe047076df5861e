// Package engine implements the research orchestration loop: plan
// construction, supervised fan-out/fan-in execution, reconciliation, and
// bounded episodic memory.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// Reasoner is the completion backend as the engine consumes it. The llm
// Router satisfies it.
type Reasoner interface {
	Generate(ctx context.Context, system, user, model string) (string, error)
	GenerateWithTokens(ctx context.Context, system, user, model string) (text string, inputTokens, outputTokens int64, cost float64, err error)
}

// TaskStatus is the lifecycle of a ResearchTask. Only the supervisor
// goroutine mutates it.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Model tiers resolved by the router against configured model keys.
const (
	ModelTierAdvanced = "advanced"
	ModelTierStandard = "standard"
	ModelTierBasic    = "basic"
)

// MergePolicy selects how a round's tasks are dispatched.
type MergePolicy string

const (
	MergeSequential MergePolicy = "sequential"
	MergeParallel   MergePolicy = "parallel-then-reconcile"
)

// UnmarshalJSON accepts the policy names leniently; anything unrecognized
// becomes the parallel default rather than failing the whole plan.
func (m *MergePolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch MergePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case MergeSequential:
		*m = MergeSequential
	default:
		*m = MergeParallel
	}
	return nil
}

// RoleSpec describes one worker role the planner may assign tasks to.
type RoleSpec struct {
	Name         string   `json:"name"`
	Goal         string   `json:"goal"`
	AllowedTools []string `json:"allowed_tools"`
	ModelTier    string   `json:"model_tier"`
}

// ResearchTask is one unit of fan-out work.
type ResearchTask struct {
	ID           string     `json:"id"`
	Question     string     `json:"question"`
	Role         string     `json:"role"`
	AllowedTools []string   `json:"allowed_tools"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Priority     int        `json:"priority"`
	Round        int        `json:"round"`
	Status       TaskStatus `json:"status"`
}

// TaskGraph is the session's execution plan. Built once; after that only
// task status changes, and only under the supervisor.
type TaskGraph struct {
	Roles       []RoleSpec     `json:"roles"`
	Tasks       []ResearchTask `json:"tasks"`
	MergePolicy MergePolicy    `json:"merge_policy"`
}

// Role returns the role spec for a name, if declared.
func (g *TaskGraph) Role(name string) (RoleSpec, bool) {
	for _, r := range g.Roles {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return RoleSpec{}, false
}

// Evidence is one cited source backing a claim.
type Evidence struct {
	Source  string `json:"source"`
	Excerpt string `json:"excerpt"`
}

// Finding is the immutable result of one task. Failed and timed-out tasks
// produce a stub: empty claim, confidence 0, Err set.
type Finding struct {
	TaskID     string        `json:"task_id"`
	Role       string        `json:"role"`
	Claim      string        `json:"claim"`
	Evidence   []Evidence    `json:"evidence,omitempty"`
	Confidence float64       `json:"confidence"`
	Err        string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	TokensUsed int64         `json:"tokens_used"`
	Cost       float64       `json:"cost"`
}

// Sources returns the distinct evidence sources in order of appearance.
func (f Finding) Sources() []string {
	seen := make(map[string]bool, len(f.Evidence))
	out := make([]string, 0, len(f.Evidence))
	for _, ev := range f.Evidence {
		if ev.Source == "" || seen[ev.Source] {
			continue
		}
		seen[ev.Source] = true
		out = append(out, ev.Source)
	}
	return out
}

// Conflict names two findings whose claims disagree.
type Conflict struct {
	TaskA       string `json:"task_a"`
	TaskB       string `json:"task_b"`
	Description string `json:"description"`
}

// NarrativeSegment is one round's synthesized output.
type NarrativeSegment struct {
	Round     int        `json:"round"`
	Text      string     `json:"text"`
	Degraded  bool       `json:"degraded"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Report is the session's final product.
type Report struct {
	SessionID  string             `json:"session_id"`
	Question   string             `json:"question"`
	Narrative  string             `json:"narrative"`
	Segments   []NarrativeSegment `json:"segments"`
	Findings   []Finding          `json:"findings"`
	Rounds     int                `json:"rounds"`
	Partial    bool               `json:"partial"`
	Degraded   bool               `json:"degraded"`
	TokensUsed int64              `json:"tokens_used"`
	Cost       float64            `json:"cost"`
	Elapsed    time.Duration      `json:"elapsed"`
}

/// Catalog is what the planner may draw from: declared roles and the
// registered tool cards.
type Catalog struct {
	Roles []RoleSpec
	Tools []tools.Card
}

// HasTool reports whether a tool name is registered.
func (c Catalog) HasTool(name string) bool {
	for _, t := range c.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// HasRole reports whether a role name is declared.
func (c Catalog) HasRole(name string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

// DefaultRoles is the static role catalog offered to the planner.
func DefaultRoles(toolNames []string) []RoleSpec {
	return []RoleSpec{
		{Name: "researcher", Goal: "investigate one focused sub-question and report a claim with cited evidence", AllowedTools: toolNames, ModelTier: ModelTierStandard},
		{Name: "analyst", Goal: "compare and synthesize findings, preserving disagreement", AllowedTools: nil, ModelTier: ModelTierAdvanced},
		{Name: "writer", Goal: "produce concise narrative prose from synthesized material", AllowedTools: nil, ModelTier: ModelTierBasic},
	}
}

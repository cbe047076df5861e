package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// EvalInput is what a completion predicate sees after a round.
type EvalInput struct {
	Question  string
	Round     int
	MaxRounds int
	Findings  []Finding
	Segments  []NarrativeSegment
	Roles     []RoleSpec
}

// FollowUp requests one next-round task.
type FollowUp struct {
	Role        string
	Instruction string
}

// Decision is a predicate's verdict: finalize, or run follow-up tasks.
type Decision struct {
	Finish    bool
	FollowUps []FollowUp
	Reason    string
}

// EvaluationPolicy decides whether the session has gathered enough. The
// supervisor's round budget still bounds it: a policy that never finishes
// cannot run the session forever.
type EvaluationPolicy interface {
	Decide(ctx context.Context, in EvalInput) (Decision, error)
}

// RoundCapPolicy is the deterministic default: one pass over the plan, no
// model-driven follow-ups. The supervisor still drains multi-round plans.
type RoundCapPolicy struct{}

func (RoundCapPolicy) Decide(ctx context.Context, in EvalInput) (Decision, error) {
	return Decision{Finish: true, Reason: "round cap policy"}, nil
}

// LLMPolicy asks the supervisor-tier model whether the material suffices,
// parsing its reply with the decision-line rules. Any failure degrades to
// FINISH.
type LLMPolicy struct {
	reasoner Reasoner
	model    string
	logger   *log.Logger
}

// NewLLMPolicy builds the reasoning-based predicate. model is the
// supervisor-tier model key.
func NewLLMPolicy(reasoner Reasoner, model string, logger *log.Logger) *LLMPolicy {
	if logger == nil {
		logger = log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags)
	}
	return &LLMPolicy{reasoner: reasoner, model: model, logger: logger}
}

const evaluateSystemPrompt = `You supervise a research session. Judge whether the synthesized material answers the question. End your reply with exactly one decision line:
FINISH
NEXT: role
NEXT: role1, role2
PARALLEL: role1: "instruction", role2: "instruction"`

func (p *LLMPolicy) Decide(ctx context.Context, in EvalInput) (Decision, error) {
	known := make(map[string]bool, len(in.Roles))
	names := make([]string, 0, len(in.Roles))
	for _, r := range in.Roles {
		known[strings.ToLower(r.Name)] = true
		names = append(names, r.Name)
	}

	reply, err := p.reasoner.Generate(ctx, evaluateSystemPrompt, p.prompt(in, names, ""), p.model)
	if err != nil {
		p.logger.Printf("evaluation call failed: %v; finalizing", err)
		return Decision{Finish: true, Reason: "evaluation unavailable"}, nil
	}
	decision, perr := parseDecision(reply, known)
	if perr == nil {
		return decision, nil
	}

	// One corrective re-prompt for unknown role names.
	p.logger.Printf("decision rejected (%v); re-prompting", perr)
	reply, err = p.reasoner.Generate(ctx, evaluateSystemPrompt, p.prompt(in, names, perr.Error()), p.model)
	if err == nil {
		if decision, perr = parseDecision(reply, known); perr == nil {
			return decision, nil
		}
	}
	p.logger.Printf("corrective decision still invalid; finalizing")
	return Decision{Finish: true, Reason: "invalid decision"}, nil
}

func (p *LLMPolicy) prompt(in EvalInput, roleNames []string, problem string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nRound %d of %d.\n\nSynthesized so far:\n", in.Question, in.Round, in.MaxRounds)
	for _, seg := range in.Segments {
		fmt.Fprintf(&b, "Round %d: %s\n", seg.Round, truncate(seg.Text, episodeBodyLimit))
	}
	fmt.Fprintf(&b, "\nRoles you may dispatch: %s\n", strings.Join(roleNames, ", "))
	if problem != "" {
		fmt.Fprintf(&b, "\nYour previous decision was rejected: %s\n", problem)
	}
	return b.String()
}

// parseDecision applies the decision-line rules: scan every line, the last
// decision line wins; no decision line means FINISH. An unknown role is an
// error so the caller can re-prompt once.
func parseDecision(reply string, knownRoles map[string]bool) (Decision, error) {
	decision := Decision{Finish: true, Reason: "no decision line"}
	for _, line := range strings.Split(reply, "\n") {
		t := strings.TrimSpace(line)
		upper := strings.ToUpper(t)
		switch {
		case upper == "FINISH" || strings.HasPrefix(upper, "FINISH"):
			decision = Decision{Finish: true, Reason: "model decision"}
		case strings.HasPrefix(upper, "NEXT:"):
			rest := strings.TrimSpace(t[len("NEXT:"):])
			var followUps []FollowUp
			for _, part := range strings.Split(rest, ",") {
				role := strings.ToLower(strings.TrimSpace(part))
				if role == "" {
					continue
				}
				followUps = append(followUps, FollowUp{Role: role})
			}
			if len(followUps) > 0 {
				decision = Decision{FollowUps: followUps, Reason: "model decision"}
			}
		case strings.HasPrefix(upper, "PARALLEL:"):
			rest := strings.TrimSpace(t[len("PARALLEL:"):])
			if followUps := parseParallel(rest); len(followUps) > 0 {
				decision = Decision{FollowUps: followUps, Reason: "model decision"}
			}
		}
	}
	for _, f := range decision.FollowUps {
		if !knownRoles[f.Role] {
			return Decision{}, fmt.Errorf("unknown role %q in decision", f.Role)
		}
	}
	return decision, nil
}

// parseParallel splits `r1: "instr1", r2: "instr2"` on commas outside
// quotes; instructions are optional.
func parseParallel(s string) []FollowUp {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, ch := range s {
		switch {
		case ch == '"':
			inQuote = !inQuote
			cur.WriteRune(ch)
		case ch == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(ch)
		}
	}
	parts = append(parts, cur.String())

	var out []FollowUp
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		role := part
		instruction := ""
		if i := strings.Index(part, ":"); i >= 0 {
			role = strings.TrimSpace(part[:i])
			instruction = strings.Trim(strings.TrimSpace(part[i+1:]), `"`)
		}
		role = strings.ToLower(role)
		if role == "" {
			continue
		}
		out = append(out, FollowUp{Role: role, Instruction: instruction})
	}
	return out
}

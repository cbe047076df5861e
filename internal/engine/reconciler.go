package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/inquest/internal/llm"
)

// Reconciler merges one round's findings into a narrative segment that
// preserves disagreement. Degrades to a verbatim listing; never fails the
// session.
type Reconciler struct {
	reasoner Reasoner
	model    string
	logger   *log.Logger
}

// NewReconciler builds a reconciler. model is the analyst-tier model key.
func NewReconciler(reasoner Reasoner, model string, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.Writer(), "[RECONCILER] ", log.LstdFlags)
	}
	return &Reconciler{reasoner: reasoner, model: model, logger: logger}
}

const reconcilerSystemPrompt = `You are the analyst of a research team. Merge the findings into one coherent narrative paragraph. Where findings conflict, present both sides and name their sources. Do not silently drop any finding.`

// Merge always returns a usable segment. A non-nil error reports that the
// segment is degraded (verbatim listing), not that the merge failed.
func (r *Reconciler) Merge(ctx context.Context, round int, question string, findings []Finding) (NarrativeSegment, error) {
	usable := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if strings.TrimSpace(f.Claim) != "" {
			usable = append(usable, f)
		}
	}
	if len(usable) == 0 {
		seg := NarrativeSegment{Round: round, Text: verbatimListing(findings), Degraded: true}
		return seg, &ReconciliationError{Round: round, Err: fmt.Errorf("no usable findings")}
	}

	conflicts := r.detectConflicts(ctx, usable)

	narrative, err := r.synthesize(ctx, question, usable, conflicts, "")
	if err != nil {
		r.logger.Printf("round %d synthesis failed: %v; using verbatim listing", round, err)
		seg := NarrativeSegment{Round: round, Text: verbatimListing(findings), Degraded: true, Conflicts: conflicts}
		return seg, &ReconciliationError{Round: round, Err: err}
	}

	if missing := missingSources(narrative, usable, conflicts); len(missing) > 0 {
		correction := fmt.Sprintf("Your previous narrative omitted these conflicting sources: %s. Rewrite it mentioning every one of them explicitly.", strings.Join(missing, ", "))
		narrative, err = r.synthesize(ctx, question, usable, conflicts, correction)
		if err == nil {
			if still := missingSources(narrative, usable, conflicts); len(still) > 0 {
				err = fmt.Errorf("narrative still omits conflicting sources: %s", strings.Join(still, ", "))
			}
		}
		if err != nil {
			r.logger.Printf("round %d reconciliation degraded: %v", round, err)
			seg := NarrativeSegment{Round: round, Text: verbatimListing(findings), Degraded: true, Conflicts: conflicts}
			return seg, &ReconciliationError{Round: round, Err: err}
		}
	}

	return NarrativeSegment{Round: round, Text: narrative, Conflicts: conflicts}, nil
}

func (r *Reconciler) synthesize(ctx context.Context, question string, findings []Finding, conflicts []Conflict, correction string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nFindings:\n", question)
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s, %s, confidence %.2f] %s (sources: %s)\n",
			f.TaskID, f.Role, f.Confidence, truncate(f.Claim, episodeBodyLimit), sourceList(f))
	}
	if len(conflicts) > 0 {
		b.WriteString("\nDetected conflicts (both sides must appear, with their sources):\n")
		for _, c := range conflicts {
			fmt.Fprintf(&b, "- %s vs %s: %s\n", c.TaskA, c.TaskB, c.Description)
		}
	}
	if correction != "" {
		b.WriteString("\n" + correction + "\n")
	}

	text, err := r.reasoner.Generate(ctx, reconcilerSystemPrompt, b.String(), r.model)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty narrative")
	}
	return text, nil
}

// detectConflicts asks the analyst model for contradictions constrained to
// JSON; on any failure it falls back to the deterministic claim heuristic.
func (r *Reconciler) detectConflicts(ctx context.Context, findings []Finding) []Conflict {
	if len(findings) < 2 {
		return nil
	}
	var b strings.Builder
	b.WriteString("Findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- id=%s: %s\n", f.TaskID, truncate(f.Claim, episodeBodyLimit))
	}
	b.WriteString(`
List every pair of findings whose claims contradict each other. Reply with a single JSON object:
{"conflicts":[{"task_a":"id","task_b":"id","description":"what disagrees"}]}
Use an empty list when nothing conflicts.`)

	reply, err := r.reasoner.Generate(ctx, "You detect contradictions between research findings. Reply with JSON only.", b.String(), r.model)
	if err != nil {
		r.logger.Printf("conflict detection call failed: %v; using heuristic", err)
		return heuristicConflicts(findings)
	}
	var parsed struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractFirstJSON(llm.StripCodeFences(reply))), &parsed); err != nil {
		r.logger.Printf("conflict detection reply unparseable; using heuristic")
		return heuristicConflicts(findings)
	}
	ids := make(map[string]bool, len(findings))
	for _, f := range findings {
		ids[f.TaskID] = true
	}
	out := parsed.Conflicts[:0]
	for _, c := range parsed.Conflicts {
		if ids[c.TaskA] && ids[c.TaskB] && c.TaskA != c.TaskB {
			out = append(out, c)
		}
	}
	return out
}

// heuristicConflicts is the deterministic fallback: two claims about the
// same subject (high token overlap) where exactly one side negates.
func heuristicConflicts(findings []Finding) []Conflict {
	var out []Conflict
	for i := 0; i < len(findings); i++ {
		for j := i + 1; j < len(findings); j++ {
			if claimsDisagree(findings[i].Claim, findings[j].Claim) {
				out = append(out, Conflict{
					TaskA:       findings[i].TaskID,
					TaskB:       findings[j].TaskID,
					Description: "claims about the same subject disagree",
				})
			}
		}
	}
	return out
}

var negationTokens = map[string]bool{
	"not": true, "no": true, "never": true, "cannot": true, "without": true,
	"false": true, "isn't": true, "doesn't": true, "won't": true, "can't": true,
}

func claimsDisagree(a, b string) bool {
	ta, negA := claimTokens(a)
	tb, negB := claimTokens(b)
	if negA == negB {
		return false
	}
	shared := 0
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	if smaller == 0 {
		return false
	}
	return shared >= 3 || shared*2 >= smaller
}

var claimStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "of": true, "to": true, "in": true, "on": true, "and": true,
	"or": true, "that": true, "this": true, "it": true, "its": true, "for": true,
	"with": true, "as": true, "by": true, "at": true, "be": true, "has": true,
	"have": true, "than": true, "from": true,
}

func claimTokens(claim string) (map[string]bool, bool) {
	tokens := map[string]bool{}
	negated := false
	for _, raw := range strings.Fields(strings.ToLower(claim)) {
		tok := strings.Trim(raw, ".,;:!?\"'()[]")
		if tok == "" {
			continue
		}
		if negationTokens[tok] {
			negated = true
			continue
		}
		if claimStopwords[tok] {
			continue
		}
		tokens[tok] = true
	}
	return tokens, negated
}

// missingSources returns conflicting findings' sources absent from the
// narrative (case-insensitive substring check).
func missingSources(narrative string, findings []Finding, conflicts []Conflict) []string {
	if len(conflicts) == 0 {
		return nil
	}
	conflicted := map[string]bool{}
	for _, c := range conflicts {
		conflicted[c.TaskA] = true
		conflicted[c.TaskB] = true
	}
	haystack := strings.ToLower(narrative)
	var missing []string
	seen := map[string]bool{}
	for _, f := range findings {
		if !conflicted[f.TaskID] {
			continue
		}
		for _, source := range f.Sources() {
			if seen[source] {
				continue
			}
			seen[source] = true
			if !strings.Contains(haystack, strings.ToLower(source)) {
				missing = append(missing, source)
			}
		}
	}
	return missing
}

func sourceList(f Finding) string {
	sources := f.Sources()
	if len(sources) == 0 {
		return "none"
	}
	return strings.Join(sources, ", ")
}

func verbatimListing(findings []Finding) string {
	var b strings.Builder
	b.WriteString("Findings this round, listed verbatim:\n")
	for _, f := range findings {
		if f.Err != "" && strings.TrimSpace(f.Claim) == "" {
			fmt.Fprintf(&b, "- [%s, %s] task failed: %s\n", f.TaskID, f.Role, f.Err)
			continue
		}
		fmt.Fprintf(&b, "- [%s, %s, confidence %.2f] %s (sources: %s)\n",
			f.TaskID, f.Role, f.Confidence, f.Claim, sourceList(f))
	}
	return strings.TrimSpace(b.String())
}

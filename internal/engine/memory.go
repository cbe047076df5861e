package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// episodeBodyLimit bounds how much of any one outcome reaches a prompt.
const episodeBodyLimit = 500

// Episode is one raw tool outcome kept in the recent-history window.
type Episode struct {
	Round   int    `json:"round"`
	TaskID  string `json:"task_id"`
	Tool    string `json:"tool"`
	Summary string `json:"summary"`
	Failed  bool   `json:"failed,omitempty"`
}

// Memory is the session's evolving state: accumulated findings and
// synthesized segments (never pruned) plus a bounded window of the most
// recent tool outcomes. Owned exclusively by the supervisor goroutine;
// everyone else sees deep-copied snapshots.
type Memory struct {
	window   int
	findings []Finding
	segments []NarrativeSegment
	episodes []Episode
}

// NewMemory builds a memory with the given episodic window cap.
func NewMemory(window int) *Memory {
	if window < 1 {
		window = 20
	}
	return &Memory{window: window}
}

// RecordFinding appends a finding.
func (m *Memory) RecordFinding(f Finding) {
	m.findings = append(m.findings, f)
}

// RecordSegment appends a synthesized segment. Segments survive for the
// whole session.
func (m *Memory) RecordSegment(s NarrativeSegment) {
	m.segments = append(m.segments, s)
}

// RecordEpisode appends a tool outcome and trims the window to its cap,
// dropping the oldest entries.
func (m *Memory) RecordEpisode(e Episode) {
	m.episodes = append(m.episodes, e)
	if over := len(m.episodes) - m.window; over > 0 {
		m.episodes = append([]Episode(nil), m.episodes[over:]...)
	}
}

// Findings returns a copy of all accumulated findings.
func (m *Memory) Findings() []Finding {
	return copyFindings(m.findings)
}

// Segments returns a copy of all synthesized segments.
func (m *Memory) Segments() []NarrativeSegment {
	return copySegments(m.segments)
}

// EpisodeCount reports the current window length.
func (m *Memory) EpisodeCount() int { return len(m.episodes) }

// Snapshot is the read-only view handed to workers and the reconciler.
type Snapshot struct {
	Findings []Finding
	Segments []NarrativeSegment
	Episodes []Episode
}

// Snapshot deep-copies the current state.
func (m *Memory) Snapshot() Snapshot {
	return Snapshot{
		Findings: copyFindings(m.findings),
		Segments: copySegments(m.segments),
		Episodes: append([]Episode(nil), m.episodes...),
	}
}

// EpisodeContext formats the window for a prompt. Episodes from earlier
// rounds are dropped; each body is truncated to keep token volume bounded.
func (s Snapshot) EpisodeContext(round int) string {
	var b strings.Builder
	for _, e := range s.Episodes {
		if e.Round < round {
			continue
		}
		status := "ok"
		if e.Failed {
			status = "failed"
		}
		fmt.Fprintf(&b, "- [%s %s] %s\n", e.Tool, status, truncate(e.Summary, episodeBodyLimit))
	}
	return b.String()
}

// NarrativeContext formats all synthesized segments for a prompt.
func (s Snapshot) NarrativeContext() string {
	var b strings.Builder
	for _, seg := range s.Segments {
		fmt.Fprintf(&b, "Round %d: %s\n", seg.Round, truncate(seg.Text, episodeBodyLimit))
	}
	return b.String()
}

func copyFindings(in []Finding) []Finding {
	out := make([]Finding, len(in))
	for i, f := range in {
		f.Evidence = append([]Evidence(nil), f.Evidence...)
		out[i] = f
	}
	return out
}

func copySegments(in []NarrativeSegment) []NarrativeSegment {
	out := make([]NarrativeSegment, len(in))
	for i, s := range in {
		s.Conflicts = append([]Conflict(nil), s.Conflicts...)
		out[i] = s
	}
	return out
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}

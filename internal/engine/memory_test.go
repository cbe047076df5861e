package engine

import (
	"fmt"
	"strings"
	"testing"
)

func TestMemoryEpisodeWindowCaps(t *testing.T) {
	m := NewMemory(5)
	for i := 0; i < 12; i++ {
		m.RecordEpisode(Episode{Round: 1, TaskID: fmt.Sprintf("t%d", i), Tool: "web_search", Summary: fmt.Sprintf("outcome %d", i)})
	}
	if got := m.EpisodeCount(); got != 5 {
		t.Fatalf("expected window of 5 episodes, got %d", got)
	}
	snap := m.Snapshot()
	if got := snap.Episodes[0].Summary; got != "outcome 7" {
		t.Fatalf("expected oldest surviving episode to be outcome 7, got %q", got)
	}
	if got := snap.Episodes[4].Summary; got != "outcome 11" {
		t.Fatalf("expected newest episode to be outcome 11, got %q", got)
	}
}

func TestMemorySegmentsAndFindingsNeverPruned(t *testing.T) {
	m := NewMemory(2)
	for round := 1; round <= 6; round++ {
		m.RecordFinding(Finding{TaskID: fmt.Sprintf("t%d", round), Claim: "claim"})
		m.RecordSegment(NarrativeSegment{Round: round, Text: "segment"})
		m.RecordEpisode(Episode{Round: round, Summary: "ep"})
	}
	if got := len(m.Findings()); got != 6 {
		t.Fatalf("expected 6 findings, got %d", got)
	}
	if got := len(m.Segments()); got != 6 {
		t.Fatalf("expected 6 segments, got %d", got)
	}
	if got := m.EpisodeCount(); got != 2 {
		t.Fatalf("expected episode window of 2, got %d", got)
	}
}

func TestMemoryDefaultWindow(t *testing.T) {
	m := NewMemory(0)
	for i := 0; i < 25; i++ {
		m.RecordEpisode(Episode{Round: 1, Summary: "ep"})
	}
	if got := m.EpisodeCount(); got != 20 {
		t.Fatalf("expected default window of 20, got %d", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := NewMemory(10)
	m.RecordFinding(Finding{TaskID: "t1", Claim: "original", Evidence: []Evidence{{Source: "a.example", Excerpt: "x"}}})
	m.RecordSegment(NarrativeSegment{Round: 1, Text: "original", Conflicts: []Conflict{{TaskA: "t1", TaskB: "t2"}}})
	m.RecordEpisode(Episode{Round: 1, Summary: "original"})

	snap := m.Snapshot()
	snap.Findings[0].Claim = "mutated"
	snap.Findings[0].Evidence[0].Source = "mutated"
	snap.Segments[0].Text = "mutated"
	snap.Segments[0].Conflicts[0].TaskA = "mutated"
	snap.Episodes[0].Summary = "mutated"

	fresh := m.Snapshot()
	if fresh.Findings[0].Claim != "original" || fresh.Findings[0].Evidence[0].Source != "a.example" {
		t.Fatalf("finding mutated through snapshot: %+v", fresh.Findings[0])
	}
	if fresh.Segments[0].Text != "original" || fresh.Segments[0].Conflicts[0].TaskA != "t1" {
		t.Fatalf("segment mutated through snapshot: %+v", fresh.Segments[0])
	}
	if fresh.Episodes[0].Summary != "original" {
		t.Fatalf("episode mutated through snapshot: %+v", fresh.Episodes[0])
	}
}

func TestEpisodeContextDropsEarlierRounds(t *testing.T) {
	m := NewMemory(10)
	m.RecordEpisode(Episode{Round: 1, Tool: "web_search", Summary: "stale"})
	m.RecordEpisode(Episode{Round: 2, Tool: "web_search", Summary: "fresh"})
	m.RecordEpisode(Episode{Round: 2, Tool: "kb.query", Summary: "lookup failed", Failed: true})

	ctxText := m.Snapshot().EpisodeContext(2)
	if strings.Contains(ctxText, "stale") {
		t.Fatalf("round 1 episode leaked into round 2 context:\n%s", ctxText)
	}
	if !strings.Contains(ctxText, "fresh") {
		t.Fatalf("round 2 episode missing from context:\n%s", ctxText)
	}
	if !strings.Contains(ctxText, "[kb.query failed]") {
		t.Fatalf("failed episode not marked:\n%s", ctxText)
	}
}

func TestEpisodeContextTruncatesBodies(t *testing.T) {
	m := NewMemory(10)
	long := strings.Repeat("a", episodeBodyLimit+200)
	m.RecordEpisode(Episode{Round: 1, Tool: "web_fetch", Summary: long})

	ctxText := m.Snapshot().EpisodeContext(1)
	if strings.Contains(ctxText, long) {
		t.Fatalf("episode body was not truncated")
	}
	if !strings.Contains(ctxText, strings.Repeat("a", episodeBodyLimit)+"…") {
		t.Fatalf("expected truncated body with ellipsis:\n%.200s", ctxText)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	s := strings.Repeat("é", 300)
	got := truncate(s, 501)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got[len(got)-8:])
	}
	for _, r := range got {
		if r == '�' {
			t.Fatalf("truncation split a rune")
		}
	}
}

func TestNarrativeContextListsSegments(t *testing.T) {
	m := NewMemory(10)
	m.RecordSegment(NarrativeSegment{Round: 1, Text: "first synthesis"})
	m.RecordSegment(NarrativeSegment{Round: 2, Text: "second synthesis"})

	ctxText := m.Snapshot().NarrativeContext()
	first := strings.Index(ctxText, "first synthesis")
	second := strings.Index(ctxText, "second synthesis")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("segments missing or out of order:\n%s", ctxText)
	}
}

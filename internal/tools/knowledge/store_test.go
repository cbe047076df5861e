package knowledge

import (
	"context"
	"strings"
	"testing"
)

func TestQueryMissingCollection(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	defer s.Close()

	hits, note, err := s.Query(context.Background(), "ghost", "anything", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
	if !strings.Contains(note, "ghost") || !strings.Contains(note, "not found") {
		t.Fatalf("expected friendly note, got %q", note)
	}
}

func TestIngestAndQuery(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	defer s.Close()

	docs := []Document{
		{ID: "1", Source: "paper-a", Excerpt: "goroutines are lightweight threads managed by the runtime"},
		{ID: "2", Source: "paper-b", Excerpt: "garbage collection pauses were reduced drastically"},
	}
	if err := s.Ingest(context.Background(), "golang", docs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	hits, note, err := s.Query(context.Background(), "golang", "goroutines lightweight", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if note != "" {
		t.Fatalf("unexpected note %q", note)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].Source != "paper-a" {
		t.Fatalf("expected paper-a first, got %+v", hits[0])
	}
	if !strings.Contains(hits[0].Excerpt, "goroutines") {
		t.Fatalf("excerpt not stored: %+v", hits[0])
	}
}

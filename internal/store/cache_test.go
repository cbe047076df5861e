package store

import (
	"strings"
	"testing"
)

func TestReportKeyNormalizesQuestion(t *testing.T) {
	a := reportKey("  What is Go?  ")
	b := reportKey("what is go?")
	if a != b {
		t.Fatalf("expected normalized questions to share a key: %s vs %s", a, b)
	}
	if c := reportKey("what is rust?"); c == a {
		t.Fatalf("distinct questions must not collide")
	}
}

func TestReportKeyShape(t *testing.T) {
	key := reportKey(strings.Repeat("long question ", 200))
	if !strings.HasPrefix(key, "inquest:report:") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	// sha256 hex digest keeps keys fixed-size regardless of question length.
	if got := len(key) - len("inquest:report:"); got != 64 {
		t.Fatalf("expected 64 hex chars, got %d", got)
	}
}

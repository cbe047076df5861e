// Package websearch provides interchangeable web search backends with one
// uniform result shape. Fallback between them is the registry's job, not
// theirs.
package websearch

import (
	"context"
	"net/http"
	"time"
)

// Result is the normalized search hit shared by all providers.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is one web search backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

var defaultClient = &http.Client{Timeout: 20 * time.Second}

func clampK(k int) int {
	if k < 1 {
		return 5
	}
	if k > 25 {
		return 25
	}
	return k
}

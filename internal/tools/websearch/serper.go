package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Serper queries the serper.dev Google proxy. Primary provider: best
// quality, paid per call.
type Serper struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (s Serper) Name() string { return "serper" }

func (s Serper) Search(ctx context.Context, query string, k int) ([]Result, error) {
	k = clampK(k)
	payload := map[string]any{"q": query, "num": k}
	body, _ := json.Marshal(payload)

	base := s.BaseURL
	if base == "" {
		base = "https://google.serper.dev"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", base+"/search", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Brave queries the Brave Search API.
// https://api.search.brave.com/app/documentation/web-search
type Brave struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (b Brave) Name() string { return "brave" }

func (b Brave) Search(ctx context.Context, query string, k int) ([]Result, error) {
	k = clampK(k)
	base := b.BaseURL
	if base == "" {
		base = "https://api.search.brave.com"
	}
	u := fmt.Sprintf("%s/res/v1/web/search?q=%s&count=%d", base, url.QueryEscape(query), k)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	client := b.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave status %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}

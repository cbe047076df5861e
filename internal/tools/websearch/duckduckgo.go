package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DuckDuckGo queries the free Instant Answer API. Last link in the chain: no
// key required, shallower results than the paid providers.
type DuckDuckGo struct {
	BaseURL string
	Client  *http.Client
}

func (d DuckDuckGo) Name() string { return "duckduckgo" }

func (d DuckDuckGo) Search(ctx context.Context, query string, k int) ([]Result, error) {
	k = clampK(k)
	base := d.BaseURL
	if base == "" {
		base = "https://api.duckduckgo.com"
	}
	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1&skip_disambig=1", base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := d.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo status %d", resp.StatusCode)
	}

	var raw struct {
		Heading       string `json:"Heading"`
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Result
	if raw.AbstractText != "" {
		out = append(out, Result{Title: raw.Heading, URL: raw.AbstractURL, Snippet: raw.AbstractText})
	}
	for _, rt := range raw.RelatedTopics {
		if len(out) >= k {
			break
		}
		if rt.Text == "" || rt.FirstURL == "" {
			continue
		}
		title := rt.Text
		if i := strings.Index(title, " - "); i > 0 {
			title = title[:i]
		}
		out = append(out, Result{Title: title, URL: rt.FirstURL, Snippet: rt.Text})
	}
	return out, nil
}

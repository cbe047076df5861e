package tools

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/tools/knowledge"
	"github.com/mohammad-safakhou/inquest/internal/tools/webfetch"
	"github.com/mohammad-safakhou/inquest/internal/tools/websearch"
)

// RegisterNative wires the built-in tools into the registry based on
// configuration: the web_search provider chain, the local knowledge store,
// and (when enabled) the headless web fetcher. It returns a cleanup function
// for the resources it opened.
func RegisterNative(reg *Registry, cfg config.ToolsConfig, logger *log.Logger) (func() error, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	closers := []func() error{}
	cleanup := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	if err := registerWebSearch(reg, cfg, logger); err != nil {
		return cleanup, err
	}

	store := knowledge.NewStore(cfg.Knowledge.Root, logger)
	closers = append(closers, store.Close)
	if err := registerKnowledge(reg, cfg, store); err != nil {
		return cleanup, err
	}

	if cfg.WebFetch.Enabled {
		fetcher, err := webfetch.NewFetcher(cfg.WebFetch.Timeout, cfg.WebFetch.MaxChars, cfg.WebFetch.UserAgent)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, func() error { fetcher.Close(); return nil })
		if err := registerWebFetch(reg, cfg, fetcher); err != nil {
			return cleanup, err
		}
	}

	return cleanup, nil
}

func registerWebSearch(reg *Registry, cfg config.ToolsConfig, logger *log.Logger) error {
	var chain []Provider
	if cfg.Serper.APIKey != "" {
		chain = append(chain, searchProvider(websearch.Serper{APIKey: cfg.Serper.APIKey, BaseURL: cfg.Serper.BaseURL}))
	}
	if cfg.Brave.APIKey != "" {
		chain = append(chain, searchProvider(websearch.Brave{APIKey: cfg.Brave.APIKey, BaseURL: cfg.Brave.BaseURL}))
	}
	if cfg.DuckDuckGo.Enabled {
		chain = append(chain, searchProvider(websearch.DuckDuckGo{BaseURL: cfg.DuckDuckGo.BaseURL}))
	}
	if len(chain) == 0 {
		logger.Printf("no search providers configured; web_search not registered")
		return nil
	}

	card, err := Seal(Card{
		Name:            "web_search",
		Version:         "1.0.0",
		Description:     "Search the public web and return ranked results with snippets.",
		InputSchema:     ObjectSchema(map[string]interface{}{"query": map[string]interface{}{"type": "string"}, "k": map[string]interface{}{"type": "integer"}}, "query"),
		CostTier:        TierLow,
		ReliabilityTier: TierHigh,
		BestFor:         "current events, discovering sources, broad factual lookups",
		AvoidWhen:       "the answer requires reading a specific known document",
		Origin:          "native",
	}, cfg.SigningSecret)
	if err != nil {
		return err
	}
	return reg.Register(card, chain...)
}

func searchProvider(s websearch.Searcher) Provider {
	return Provider{
		Name: s.Name(),
		Call: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			query := argString(args, "query")
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			results, err := s.Search(ctx, query, argInt(args, "k", 5))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]interface{}, len(results))
			for i, r := range results {
				out[i] = map[string]interface{}{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
			}
			return map[string]interface{}{"results": out}, nil
		},
	}
}

func registerKnowledge(reg *Registry, cfg config.ToolsConfig, store *knowledge.Store) error {
	card, err := Seal(Card{
		Name:            "knowledge_query",
		Version:         "1.0.0",
		Description:     "Query a locally indexed knowledge collection for relevant excerpts.",
		InputSchema:     ObjectSchema(map[string]interface{}{"collection": map[string]interface{}{"type": "string"}, "query": map[string]interface{}{"type": "string"}, "top_k": map[string]interface{}{"type": "integer"}}, "collection", "query"),
		CostTier:        TierLow,
		ReliabilityTier: TierHigh,
		BestFor:         "questions about previously ingested documents",
		AvoidWhen:       "no collection has been ingested for the topic",
		Origin:          "native",
	}, cfg.SigningSecret)
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		collection := argString(args, "collection")
		query := argString(args, "query")
		if collection == "" || query == "" {
			return nil, fmt.Errorf("collection and query are required")
		}
		hits, note, err := store.Query(ctx, collection, query, argInt(args, "top_k", 5))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, len(hits))
		for i, h := range hits {
			out[i] = map[string]interface{}{"source": h.Source, "excerpt": h.Excerpt, "score": h.Score}
		}
		result := map[string]interface{}{"hits": out}
		if note != "" {
			result["note"] = note
		}
		return result, nil
	}
	return reg.Register(card, Provider{Name: "bleve", Call: handler})
}

func registerWebFetch(reg *Registry, cfg config.ToolsConfig, fetcher *webfetch.Fetcher) error {
	card, err := Seal(Card{
		Name:            "web_fetch",
		Version:         "1.0.0",
		Description:     "Render a URL in a headless browser and return readable text.",
		InputSchema:     ObjectSchema(map[string]interface{}{"url": map[string]interface{}{"type": "string"}}, "url"),
		CostTier:        TierMedium,
		ReliabilityTier: TierMedium,
		BestFor:         "extracting the full text of a specific page",
		AvoidWhen:       "a search snippet already answers the question",
		SideEffects:     []string{"outbound http"},
		Origin:          "native",
	}, cfg.SigningSecret)
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		url := argString(args, "url")
		if url == "" {
			return nil, fmt.Errorf("url is required")
		}
		page, err := fetcher.Fetch(ctx, url, 0)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"url":       page.URL,
			"title":     page.Title,
			"byline":    page.Byline,
			"text":      page.Text,
			"status":    page.Status,
			"html_hash": page.HTMLHash,
			"render_ms": page.RenderMS,
		}, nil
	}
	return reg.Register(card, Provider{Name: "chromedp", Call: handler})
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

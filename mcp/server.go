// mcp/server.go
// Demo stdio tool server for the bridge. Exposes a handful of stateless
// tools backed by canned corpora, so it runs anywhere with no keys and no
// network.
//
// Start: `go run ./mcp`
// The engine connects via stdio JSON-RPC: "tools/list" and "tools/call".

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// ---------- JSON-RPC skeleton ----------

type rpcReq struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      any                    `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}
type rpcResp struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      any                    `json:"id"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   *rpcError              `json:"error,omitempty"`
}
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeResp emits one response per line; the bridge reads line frames.
func writeResp(w io.Writer, id any, result map[string]interface{}, err error) {
	resp := rpcResp{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
}

// ---------- Tool catalog ----------

// ToolDesc describes a single tool in the tools/list reply. Metadata keys
// (version, cost_tier, reliability_tier, best_for, avoid_when) flow into the
// registry card on the engine side.
type ToolDesc struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// ToolServer serves a fixed demo catalog. Handlers are pure functions over
// explicit inputs plus the canned corpora below.
type ToolServer struct {
	tools []ToolDesc
}

func NewToolServer() *ToolServer {
	srv := &ToolServer{}
	srv.initTools()
	return srv
}

// initTools defines the schemas and routing metadata surfaced to the engine.
func (srv *ToolServer) initTools() {
	srv.tools = []ToolDesc{
		{
			Name:        "echo.upper",
			Description: "Uppercase the given text. Useful as a connectivity check.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
			Metadata: map[string]string{
				"version":          "1.0.0",
				"cost_tier":        "low",
				"reliability_tier": "high",
			},
		},
		{
			Name:        "web.search",
			Description: "Search a canned snapshot of web pages by keyword.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
				},
				"required": []string{"query"},
			},
			Metadata: map[string]string{
				"version":          "1.0.0",
				"cost_tier":        "low",
				"reliability_tier": "medium",
				"best_for":         "broad discovery when live search backends are unavailable",
			},
		},
		{
			Name:        "kb.query",
			Description: "Look up passages in a canned knowledge base by keyword.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"top_k": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
				},
				"required": []string{"query"},
			},
			Metadata: map[string]string{
				"version":          "1.0.0",
				"cost_tier":        "low",
				"reliability_tier": "high",
				"best_for":         "grounded facts about previously ingested material",
			},
		},
	}
}

// ---------- Canned corpora ----------

type page struct {
	Title   string
	URL     string
	Snippet string
}

var webPages = []page{
	{
		Title:   "Go 1.24 Release Notes",
		URL:     "https://go.dev/doc/go1.24",
		Snippet: "Generic type aliases, improved map performance, and tool directives in go.mod.",
	},
	{
		Title:   "Structured Concurrency Patterns in Go",
		URL:     "https://example.dev/articles/errgroup-patterns",
		Snippet: "Bounded worker pools with errgroup, context cancellation, and fan-in channels.",
	},
	{
		Title:   "Vector Databases Compared",
		URL:     "https://example.dev/articles/vector-db-survey",
		Snippet: "Benchmarks across pgvector, dedicated vector stores, and hybrid BM25 retrieval.",
	},
	{
		Title:   "Scaling Multi-Agent LLM Pipelines",
		URL:     "https://example.dev/articles/agent-orchestration",
		Snippet: "Supervisor loops, task graphs, and reconciliation of conflicting model output.",
	},
	{
		Title:   "PostgreSQL JSONB in Production",
		URL:     "https://example.dev/articles/jsonb-production",
		Snippet: "Indexing strategies and storage trade-offs for document columns in Postgres.",
	},
}

type passage struct {
	ID    string
	Topic string
	Text  string
}

var kbPassages = []passage{
	{
		ID:    "kb-001",
		Topic: "retrieval",
		Text:  "Hybrid retrieval combines lexical BM25 scoring with dense vector similarity and merges the ranked lists.",
	},
	{
		ID:    "kb-002",
		Topic: "orchestration",
		Text:  "A supervisor state machine bounds research loops: plan, dispatch, reconcile, evaluate, then finalize or replan.",
	},
	{
		ID:    "kb-003",
		Topic: "memory",
		Text:  "Episodic memory keeps a sliding window of recent tool calls so prompts stay within context limits.",
	},
	{
		ID:    "kb-004",
		Topic: "degradation",
		Text:  "Provider chains degrade gracefully: when every backend for a tool fails, the task is marked degraded instead of aborting the session.",
	},
}

// ---------- Dispatch ----------

func (srv *ToolServer) callTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "echo.upper":
		return srv.tEchoUpper(ctx, args)
	case "web.search":
		return srv.tWebSearch(ctx, args)
	case "kb.query":
		return srv.tKBQuery(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ---------- Tool handlers ----------

func (srv *ToolServer) tEchoUpper(_ context.Context, args map[string]any) (map[string]any, error) {
	text := str(args["text"])
	if text == "" {
		return nil, errors.New("text is required")
	}
	return map[string]any{"text": strings.ToUpper(text)}, nil
}

// tWebSearch ranks the canned pages by query-term hits in title and snippet.
func (srv *ToolServer) tWebSearch(_ context.Context, args map[string]any) (map[string]any, error) {
	q := str(args["query"])
	if q == "" {
		return nil, errors.New("query is required")
	}
	k := clampInt(asInt(args["max_results"]), 1, 10)
	if asInt(args["max_results"]) == 0 {
		k = 5
	}

	type scored struct {
		page  page
		score int
		idx   int
	}
	terms := queryTerms(q)
	var hits []scored
	for i, p := range webPages {
		s := termHits(terms, p.Title+" "+p.Snippet)
		if s > 0 {
			hits = append(hits, scored{page: p, score: s, idx: i})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"title":   h.page.Title,
			"url":     h.page.URL,
			"snippet": h.page.Snippet,
		})
	}
	return map[string]any{"results": out}, nil
}

// tKBQuery ranks canned passages the same way.
func (srv *ToolServer) tKBQuery(_ context.Context, args map[string]any) (map[string]any, error) {
	q := str(args["query"])
	if q == "" {
		return nil, errors.New("query is required")
	}
	k := clampInt(asInt(args["top_k"]), 1, 10)
	if asInt(args["top_k"]) == 0 {
		k = 3
	}

	type scored struct {
		p     passage
		score int
		idx   int
	}
	terms := queryTerms(q)
	var hits []scored
	for i, p := range kbPassages {
		s := termHits(terms, p.Topic+" "+p.Text)
		if s > 0 {
			hits = append(hits, scored{p: p, score: s, idx: i})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"id":    h.p.ID,
			"topic": h.p.Topic,
			"text":  h.p.Text,
		})
	}
	return map[string]any{"passages": out}, nil
}

// ---------- helpers ----------

func str(v any) string { s, _ := v.(string); return s }

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case json.Number:
		i, _ := x.Int64()
		return int(i)
	default:
		return 0
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func queryTerms(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func termHits(terms []string, text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}

// ---------- stdio loop ----------

// Serve runs the stdio JSON-RPC loop until stdin closes.
func (srv *ToolServer) Serve(in io.Reader, out io.Writer) error {
	rd := bufio.NewReader(in)
	dec := json.NewDecoder(rd)
	for {
		var req rpcReq
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// skip malformed lines rather than dying mid-session
			continue
		}

		switch req.Method {
		case "tools/list":
			writeResp(out, req.ID, map[string]any{"tools": srv.tools}, nil)

		case "tools/call":
			name := ""
			args := map[string]any{}
			if v, ok := req.Params["name"].(string); ok {
				name = v
			}
			if m, ok := req.Params["arguments"].(map[string]any); ok {
				args = m
			}
			// Per-call timeout so a stuck handler cannot wedge the loop.
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			res, err := srv.callTool(ctx, name, args)
			cancel()
			writeResp(out, req.ID, res, err)

		default:
			writeResp(out, req.ID, nil, fmt.Errorf("unknown method: %s", req.Method))
		}
	}
}

func main() {
	srv := NewToolServer()
	if err := srv.Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}

package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "sk" {
			t.Errorf("missing api key header, got %q", got)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["q"] != "go concurrency" {
			t.Errorf("unexpected query %v", req["q"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]any{
				{"title": "Go tour", "link": "https://go.dev/tour", "snippet": "channels"},
				{"title": "Blog", "link": "https://go.dev/blog", "snippet": "pipelines"},
			},
		})
	}))
	defer srv.Close()

	s := Serper{APIKey: "sk", BaseURL: srv.URL}
	res, err := s.Search(context.Background(), "go concurrency", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].URL != "https://go.dev/tour" || res[0].Snippet != "channels" {
		t.Fatalf("unexpected first result %+v", res[0])
	}
}

func TestSerperNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	s := Serper{APIKey: "sk", BaseURL: srv.URL}
	if _, err := s.Search(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error on non-200")
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "bk" {
			t.Errorf("missing subscription token, got %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "rust vs go" {
			t.Errorf("unexpected query %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]any{
					{"title": "Comparison", "url": "https://example.org/a", "description": "speed"},
				},
			},
		})
	}))
	defer srv.Close()

	b := Brave{APIKey: "bk", BaseURL: srv.URL}
	res, err := b.Search(context.Background(), "rust vs go", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 || res[0].Snippet != "speed" {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Heading":      "Go",
			"AbstractText": "Go is a language",
			"AbstractURL":  "https://en.wikipedia.org/wiki/Go",
			"RelatedTopics": []map[string]any{
				{"Text": "Goroutines - lightweight threads", "FirstURL": "https://example.org/goroutines"},
				{"Text": "", "FirstURL": "https://example.org/skip"},
			},
		})
	}))
	defer srv.Close()

	d := DuckDuckGo{BaseURL: srv.URL}
	res, err := d.Search(context.Background(), "go", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(res), res)
	}
	if res[0].Snippet != "Go is a language" {
		t.Fatalf("abstract not first: %+v", res[0])
	}
	if res[1].Title != "Goroutines" {
		t.Fatalf("related topic title not trimmed: %+v", res[1])
	}
}

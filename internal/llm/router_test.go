package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/inquest/config"
)

type fakeProvider struct {
	lastPrompt  string
	lastModel   string
	lastOptions map[string]interface{}
	reply       string
	err         error
}

func (f *fakeProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := f.GenerateWithTokens(ctx, prompt, model, options)
	return text, err
}

func (f *fakeProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	f.lastPrompt, f.lastModel, f.lastOptions = prompt, model, options
	if f.err != nil {
		return "", 0, 0, f.err
	}
	return f.reply, 100, 50, nil
}

func (f *fakeProvider) GetAvailableModels() []string { return []string{"advanced", "standard"} }

func (f *fakeProvider) GetModelInfo(model string) (ModelInfo, error) { return ModelInfo{}, nil }

func (f *fakeProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens+outputTokens) / 1000
}

func routingFixture() config.RoutingConfig {
	return config.RoutingConfig{
		Architect:  "advanced",
		Supervisor: "advanced",
		Researcher: "standard",
		Analyst:    "advanced",
		Writer:     "basic",
		Fallback:   "standard",
	}
}

func TestRouterModelFor(t *testing.T) {
	router := NewRouter(&fakeProvider{}, routingFixture())
	cases := []struct {
		role string
		want string
	}{
		{"architect", "advanced"},
		{"planner", "advanced"},
		{"researcher", "standard"},
		{"analyst", "advanced"},
		{"writer", "basic"},
		{"unknown-role", "standard"},
	}
	for _, tc := range cases {
		if got := router.ModelFor(tc.role); got != tc.want {
			t.Fatalf("ModelFor(%s) = %s, want %s", tc.role, got, tc.want)
		}
	}
}

func TestRouterPrunesReasoningAndReportsCost(t *testing.T) {
	provider := &fakeProvider{reply: "<think>internal chain</think>  the answer  "}
	router := NewRouter(provider, routingFixture())

	text, inTok, outTok, cost, err := router.GenerateWithTokens(context.Background(), "sys", "user prompt", "standard")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "the answer" {
		t.Fatalf("text = %q, want pruned reply", text)
	}
	if inTok != 100 || outTok != 50 {
		t.Fatalf("tokens = %d/%d", inTok, outTok)
	}
	if cost != 0.15 {
		t.Fatalf("cost = %f, want 0.15", cost)
	}
	if provider.lastOptions["system"] != "sys" {
		t.Fatalf("system prompt not forwarded: %#v", provider.lastOptions)
	}
}

func TestRouterEmptyModelUsesFallback(t *testing.T) {
	provider := &fakeProvider{reply: "ok"}
	router := NewRouter(provider, routingFixture())
	if _, err := router.Generate(context.Background(), "", "q", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if provider.lastModel != "standard" {
		t.Fatalf("model = %s, want fallback", provider.lastModel)
	}
}

func TestRouterWrapsProviderErrors(t *testing.T) {
	provider := &fakeProvider{err: errors.New("boom")}
	router := NewRouter(provider, routingFixture())
	if _, err := router.Generate(context.Background(), "", "q", "standard"); err == nil {
		t.Fatalf("expected error")
	}
}

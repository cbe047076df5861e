package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/inquest/config"
)

// Provider is the reasoning/completion backend consumed by the engine.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Generate generates text using the given model key
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	// GetAvailableModels returns the configured model keys
	GetAvailableModels() []string
	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)
	// CalculateCost calculates the dollar cost for a token count
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo describes one configured model.
type ModelInfo struct {
	Name            string
	Provider        string
	MaxTokens       int
	CostPer1KInput  float64
	CostPer1KOutput float64
	Description     string
}

// ErrRateLimited marks a 429 from the completion backend; callers retry with
// backoff.
var ErrRateLimited = errors.New("rate limited")

// NewProvider creates the configured completion backend.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not configured", name)
	}
	switch name {
	case "openai":
		return NewOpenAIProvider(pc), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", name)
	}
}

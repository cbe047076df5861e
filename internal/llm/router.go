package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/inquest/config"
)

// Router resolves engine roles to configured models and normalizes
// completions (reasoning-tag pruning) before callers parse them.
type Router struct {
	provider Provider
	routing  config.RoutingConfig
}

// NewRouter wraps a provider with role routing.
func NewRouter(provider Provider, routing config.RoutingConfig) *Router {
	return &Router{provider: provider, routing: routing}
}

// ModelFor maps an engine role to a configured model key.
func (r *Router) ModelFor(role string) string {
	return r.routing.ModelFor(role)
}

// Generate runs one completion and returns the pruned text.
func (r *Router) Generate(ctx context.Context, system, user, model string) (string, error) {
	text, _, _, _, err := r.GenerateWithTokens(ctx, system, user, model)
	return text, err
}

// GenerateWithTokens runs one completion and reports token usage and cost
// alongside the pruned text.
func (r *Router) GenerateWithTokens(ctx context.Context, system, user, model string) (string, int64, int64, float64, error) {
	if model == "" {
		model = r.routing.Fallback
	}
	options := map[string]interface{}{}
	if system != "" {
		options["system"] = system
	}
	text, inTok, outTok, err := r.provider.GenerateWithTokens(ctx, user, model, options)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("completion (%s): %w", model, err)
	}
	cost := r.provider.CalculateCost(inTok, outTok, model)
	return strings.TrimSpace(PruneReasoning(text)), inTok, outTok, cost, nil
}
